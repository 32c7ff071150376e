// Package credential checks username/password pairs against stored bcrypt
// hashes.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/taskward/internal/util"
	"github.com/jmcleod/taskward/storage"
)

var (
	// ErrInvalidCredentials covers both an unknown username and a wrong
	// password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrStoreUnavailable is returned when the user lookup itself fails.
	ErrStoreUnavailable = errors.New("user store unavailable")
)

// UserFinder is the subset of storage.Users the verifier needs.
type UserFinder interface {
	GetUserByUsername(ctx context.Context, username string) (*storage.User, error)
}

// Verifier authenticates users. It has no side effects.
type Verifier struct {
	users UserFinder
	cost  int

	dummyOnce sync.Once
	dummy     []byte
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCost sets the bcrypt cost used by Hash and by the dummy hash compared
// against for unknown users.
func WithCost(cost int) Option {
	return func(v *Verifier) { v.cost = cost }
}

// NewVerifier returns a Verifier reading users from users.
func NewVerifier(users UserFinder, opts ...Option) *Verifier {
	v := &Verifier{users: users, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Hash returns the bcrypt hash of password at the verifier's cost.
func (v *Verifier) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

func (v *Verifier) dummyHash() []byte {
	v.dummyOnce.Do(func() {
		v.dummy, _ = bcrypt.GenerateFromPassword([]byte("taskward-dummy-password"), v.cost)
	})
	return v.dummy
}

// Authenticate returns the user when password matches its stored hash.
// Unknown users still pay for one bcrypt comparison.
func (v *Verifier) Authenticate(ctx context.Context, username, password string) (*storage.User, error) {
	u, err := v.users.GetUserByUsername(ctx, util.NormalizeName(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(v.dummyHash(), []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}
