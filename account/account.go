// Package account manages user records: signup with seeded defaults,
// profile updates and deletion.
package account

import (
	"context"
	"fmt"

	"github.com/jmcleod/taskward/internal/util"
	"github.com/jmcleod/taskward/storage"
)

// Hasher produces password hashes.
type Hasher interface {
	Hash(password string) (string, error)
}

// Service owns account lifecycle operations.
type Service struct {
	users    storage.Users
	hasher   Hasher
	defaults storage.AccountDefaults
}

// Option configures a Service.
type Option func(*Service)

// WithDefaults overrides the status and priority seeded for new accounts.
func WithDefaults(d storage.AccountDefaults) Option {
	return func(s *Service) { s.defaults = d }
}

// New returns a Service.
func New(users storage.Users, hasher Hasher, opts ...Option) *Service {
	s := &Service{users: users, hasher: hasher, defaults: storage.DefaultAccountDefaults}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signup is the input of Create.
type Signup struct {
	Username string
	Email    string
	Password string
}

// Create stores a new unapproved account with its default status and
// priority. The username is normalized before storage.
func (s *Service) Create(ctx context.Context, in Signup) (*storage.User, error) {
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	u, err := s.users.CreateAccount(ctx, &storage.User{
		Username:     util.NormalizeName(in.Username),
		Email:        in.Email,
		PasswordHash: hash,
	}, s.defaults)
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return u, nil
}

// Changes is the input of Update. Nil fields are left alone.
type Changes struct {
	Username         *string
	Email            *string
	Password         *string
	TwoFactorEnabled *bool
}

// Get returns the account id.
func (s *Service) Get(ctx context.Context, id int64) (*storage.User, error) {
	return s.users.GetUser(ctx, id)
}

// Update applies ch to account id. The approved flag cannot be changed here.
func (s *Service) Update(ctx context.Context, id int64, ch Changes) (*storage.User, error) {
	upd := storage.UserUpdate{
		Email:            ch.Email,
		TwoFactorEnabled: ch.TwoFactorEnabled,
	}
	if ch.Username != nil {
		name := util.NormalizeName(*ch.Username)
		upd.Username = &name
	}
	if ch.Password != nil {
		hash, err := s.hasher.Hash(*ch.Password)
		if err != nil {
			return nil, err
		}
		upd.PasswordHash = &hash
	}
	if upd.Empty() {
		return s.users.GetUser(ctx, id)
	}
	return s.users.UpdateUser(ctx, id, upd)
}

// Delete removes account id and everything it owns.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.users.DeleteUser(ctx, id)
}
