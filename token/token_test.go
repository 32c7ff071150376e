package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Algorithm:          "HS256",
		PrimarySecret:      []byte("primary-secret-for-tests"),
		TwoFactorSecret:    []byte("two-factor-secret-for-tests"),
		VerificationSecret: []byte("verification-secret-for-tests"),
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         7 * 24 * time.Hour,
		TwoFactorTTL:       5 * time.Minute,
		VerificationTTL:    24 * time.Hour,
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newCodec(t *testing.T) (*Codec, *clock) {
	t.Helper()
	clk := &clock{t: time.Now()}
	c, err := New(testConfig(), WithClock(clk.now))
	require.NoError(t, err)
	return c, clk
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Algorithm = "RS256"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.TwoFactorSecret = nil
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.AccessTTL = 0
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestNewDoesNotWipeCallerSecrets(t *testing.T) {
	cfg := testConfig()
	_, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "primary-secret-for-tests", string(cfg.PrimarySecret))
}

func TestIssueAndVerify(t *testing.T) {
	c, _ := newCodec(t)

	access, err := c.IssueAccess(42, "alice")
	require.NoError(t, err)
	claims, err := c.Verify(access, Primary)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, int64(42), claims.UserID())
	assert.Equal(t, "alice", claims.Name)
	assert.NotEmpty(t, claims.ID)
	assert.InDelta(t, (15 * time.Minute).Seconds(), c.Remaining(claims).Seconds(), 1)

	refresh, err := c.IssueRefresh(42, "alice")
	require.NoError(t, err)
	rc, err := c.Verify(refresh, Primary)
	require.NoError(t, err)
	assert.NotEqual(t, claims.ID, rc.ID, "every token gets its own jti")
	assert.Greater(t, c.Remaining(rc), 6*24*time.Hour)
}

func TestSecretsAreSeparated(t *testing.T) {
	c, _ := newCodec(t)

	tfa, err := c.IssueTwoFactor(1, "bob")
	require.NoError(t, err)
	_, err = c.Verify(tfa, Primary)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = c.Verify(tfa, TwoFactor)
	assert.NoError(t, err)

	access, err := c.IssueAccess(1, "bob")
	require.NoError(t, err)
	_, err = c.Verify(access, TwoFactor)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejects(t *testing.T) {
	c, clk := newCodec(t)

	t.Run("expired", func(t *testing.T) {
		tok, err := c.IssueAccess(1, "carol")
		require.NoError(t, err)
		clk.t = clk.t.Add(16 * time.Minute)
		defer func() { clk.t = clk.t.Add(-16 * time.Minute) }()
		_, err = c.Verify(tok, Primary)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := c.Verify("not.a.jwt", Primary)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered", func(t *testing.T) {
		tok, err := c.IssueAccess(1, "carol")
		require.NoError(t, err)
		parts := strings.Split(tok, ".")
		parts[2] = strings.Repeat("A", len(parts[2]))
		_, err = c.Verify(strings.Join(parts, "."), Primary)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other algorithm", func(t *testing.T) {
		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "1",
				ID:        "jti",
				ExpiresAt: jwt.NewNumericDate(clk.t.Add(time.Minute)),
			},
			Name: "carol",
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testConfig().PrimarySecret)
		require.NoError(t, err)
		_, err = c.Verify(tok, Primary)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing claims", func(t *testing.T) {
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(clk.t.Add(time.Minute)),
		}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testConfig().PrimarySecret)
		require.NoError(t, err)
		_, err = c.Verify(tok, Primary)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing expiry", func(t *testing.T) {
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "1", ID: "jti"}, Name: "carol"}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testConfig().PrimarySecret)
		require.NoError(t, err)
		_, err = c.Verify(tok, Primary)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRemainingClampsAtZero(t *testing.T) {
	c, clk := newCodec(t)
	tok, err := c.IssueTwoFactor(1, "dave")
	require.NoError(t, err)
	claims, err := c.Verify(tok, TwoFactor)
	require.NoError(t, err)

	clk.t = clk.t.Add(time.Hour)
	assert.Equal(t, time.Duration(0), c.Remaining(claims))
	assert.Equal(t, time.Duration(0), c.Remaining(nil))
}

func TestVerificationToken(t *testing.T) {
	c, _ := newCodec(t)

	tok, err := c.IssueVerification(7)
	require.NoError(t, err)
	assert.NotContains(t, tok, "/", "token must be safe in a URL path")

	claims, err := c.DecodeVerification(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.NotEmpty(t, claims.JTI)

	other, err := c.IssueVerification(7)
	require.NoError(t, err)
	oc, err := c.DecodeVerification(other)
	require.NoError(t, err)
	assert.NotEqual(t, claims.JTI, oc.JTI)

	_, err = c.DecodeVerification(tok + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	cfg := testConfig()
	cfg.VerificationSecret = []byte("a-different-verification-secret")
	foreign, err := New(cfg)
	require.NoError(t, err)
	_, err = foreign.DecodeVerification(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestVerificationTokenExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the verification window to lapse")
	}
	cfg := testConfig()
	cfg.VerificationTTL = time.Second
	c, err := New(cfg)
	require.NoError(t, err)

	tok, err := c.IssueVerification(7)
	require.NoError(t, err)
	time.Sleep(2100 * time.Millisecond)
	_, err = c.DecodeVerification(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSupportedAlgorithm(t *testing.T) {
	assert.True(t, SupportedAlgorithm("HS384"))
	assert.False(t, SupportedAlgorithm("none"))
}
