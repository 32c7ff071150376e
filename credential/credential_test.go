package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/taskward/storage"
	"github.com/jmcleod/taskward/storage/memory"
)

type failingFinder struct{}

func (failingFinder) GetUserByUsername(context.Context, string) (*storage.User, error) {
	return nil, errors.New("connection refused")
}

type countingFinder struct {
	UserFinder
	calls int
}

func (c *countingFinder) GetUserByUsername(ctx context.Context, name string) (*storage.User, error) {
	c.calls++
	return c.UserFinder.GetUserByUsername(ctx, name)
}

func setup(t *testing.T) (*Verifier, *storage.User) {
	t.Helper()
	repo := memory.NewRepository()
	v := NewVerifier(repo, WithCost(bcrypt.MinCost))
	hash, err := v.Hash("correct-horse")
	require.NoError(t, err)
	u, err := repo.CreateAccount(context.Background(), &storage.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
	}, storage.DefaultAccountDefaults)
	require.NoError(t, err)
	return v, u
}

func TestAuthenticate(t *testing.T) {
	v, u := setup(t)
	ctx := context.Background()

	got, err := v.Authenticate(ctx, "alice", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	got, err = v.Authenticate(ctx, "  alice ", "correct-horse")
	require.NoError(t, err, "usernames are trimmed before lookup")
	assert.Equal(t, u.ID, got.ID)
}

func TestAuthenticateDoesNotDiscloseWhichPartFailed(t *testing.T) {
	v, _ := setup(t)
	ctx := context.Background()

	_, wrongPassword := v.Authenticate(ctx, "alice", "wrong")
	_, unknownUser := v.Authenticate(ctx, "mallory", "correct-horse")

	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownUser, ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
	assert.NotEmpty(t, v.dummyHash(), "unknown users are compared against a dummy hash")
}

func TestAuthenticateHasNoSideEffects(t *testing.T) {
	repo := memory.NewRepository()
	finder := &countingFinder{UserFinder: repo}
	v := NewVerifier(finder, WithCost(bcrypt.MinCost))

	_, err := v.Authenticate(context.Background(), "ghost", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, finder.calls)
}

func TestAuthenticateStoreFailure(t *testing.T) {
	v := NewVerifier(failingFinder{}, WithCost(bcrypt.MinCost))
	_, err := v.Authenticate(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}
