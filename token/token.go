// Package token signs and verifies the credentials handed to clients: three
// JWT families (access, refresh, two-factor) and an opaque timestamped token
// used in account verification links.
//
// Access and refresh tokens are signed with the primary secret, two-factor
// tokens with a second secret, and verification tokens with a third. Secret
// bytes are held in memguard enclaves and only decrypted for the duration of
// a sign or verify call.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/securecookie"

	"github.com/jmcleod/taskward/internal/util"
	"github.com/jmcleod/taskward/internal/uuid"
)

// ErrInvalidToken is returned for every decode failure: bad signature,
// wrong algorithm, expired, malformed or missing required claims.
var ErrInvalidToken = errors.New("invalid token")

// Secret selects the key a JWT is signed with.
type Secret int

const (
	Primary Secret = iota
	TwoFactor
)

func (s Secret) String() string {
	switch s {
	case Primary:
		return "primary"
	case TwoFactor:
		return "two_factor"
	default:
		return "unknown"
	}
}

// verificationName binds verification tokens to their purpose inside the
// securecookie MAC.
const verificationName = "verify"

var methods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// SupportedAlgorithm reports whether alg can be used with New.
func SupportedAlgorithm(alg string) bool {
	_, ok := methods[alg]
	return ok
}

// Claims is the payload shared by all three JWT families.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// UserID returns the subject as a user id.
func (c *Claims) UserID() int64 {
	id, _ := strconv.ParseInt(c.Subject, 10, 64)
	return id
}

// VerificationClaims is the payload of an account verification token.
type VerificationClaims struct {
	UserID int64  `json:"user_id"`
	JTI    string `json:"jti"`
}

// Config holds the secrets and lifetimes of a Codec.
type Config struct {
	Algorithm          string
	PrimarySecret      []byte
	TwoFactorSecret    []byte
	VerificationSecret []byte
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	TwoFactorTTL       time.Duration
	VerificationTTL    time.Duration
}

// Codec issues and verifies tokens. It is safe for concurrent use.
type Codec struct {
	method       jwt.SigningMethod
	primary      *memguard.Enclave
	twoFactor    *memguard.Enclave
	verification *memguard.Enclave

	accessTTL       time.Duration
	refreshTTL      time.Duration
	twoFactorTTL    time.Duration
	verificationTTL time.Duration

	now func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for issuing and validating JWTs.
// Verification token age is always measured against the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// New returns a Codec for cfg. The secret slices are copied before being
// sealed, so the caller keeps ownership of cfg.
func New(cfg Config, opts ...Option) (*Codec, error) {
	method, ok := methods[cfg.Algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported token algorithm %q", cfg.Algorithm)
	}
	if len(cfg.PrimarySecret) == 0 || len(cfg.TwoFactorSecret) == 0 || len(cfg.VerificationSecret) == 0 {
		return nil, errors.New("token secrets must not be empty")
	}
	for name, ttl := range map[string]time.Duration{
		"access":       cfg.AccessTTL,
		"refresh":      cfg.RefreshTTL,
		"two-factor":   cfg.TwoFactorTTL,
		"verification": cfg.VerificationTTL,
	} {
		if ttl <= 0 {
			return nil, fmt.Errorf("%s token lifetime must be positive", name)
		}
	}

	c := &Codec{
		method:          method,
		primary:         memguard.NewEnclave(util.CopyBytes(cfg.PrimarySecret)),
		twoFactor:       memguard.NewEnclave(util.CopyBytes(cfg.TwoFactorSecret)),
		verification:    memguard.NewEnclave(util.CopyBytes(cfg.VerificationSecret)),
		accessTTL:       cfg.AccessTTL,
		refreshTTL:      cfg.RefreshTTL,
		twoFactorTTL:    cfg.TwoFactorTTL,
		verificationTTL: cfg.VerificationTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) AccessTTL() time.Duration       { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration      { return c.refreshTTL }
func (c *Codec) TwoFactorTTL() time.Duration    { return c.twoFactorTTL }
func (c *Codec) VerificationTTL() time.Duration { return c.verificationTTL }

func (c *Codec) enclave(s Secret) (*memguard.Enclave, error) {
	switch s {
	case Primary:
		return c.primary, nil
	case TwoFactor:
		return c.twoFactor, nil
	default:
		return nil, fmt.Errorf("unknown secret %d", s)
	}
}

// IssueAccess mints a short-lived access token.
func (c *Codec) IssueAccess(userID int64, username string) (string, error) {
	return c.issue(Primary, userID, username, c.accessTTL)
}

// IssueRefresh mints a refresh token.
func (c *Codec) IssueRefresh(userID int64, username string) (string, error) {
	return c.issue(Primary, userID, username, c.refreshTTL)
}

// IssueTwoFactor mints the intermediate token of a two-factor login.
func (c *Codec) IssueTwoFactor(userID int64, username string) (string, error) {
	return c.issue(TwoFactor, userID, username, c.twoFactorTTL)
}

func (c *Codec) issue(s Secret, userID int64, username string, ttl time.Duration) (string, error) {
	enc, err := c.enclave(s)
	if err != nil {
		return "", err
	}
	now := c.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ID:        uuid.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: username,
	}

	buf, err := enc.Open()
	if err != nil {
		return "", fmt.Errorf("opening %s secret: %w", s, err)
	}
	defer buf.Destroy()

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify decodes raw with the given secret. The algorithm is pinned to the
// configured method and sub, jti, name and exp must all be present.
func (c *Codec) Verify(raw string, s Secret) (*Claims, error) {
	enc, err := c.enclave(s)
	if err != nil {
		return nil, err
	}
	buf, err := enc.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s secret: %w", s, err)
	}
	defer buf.Destroy()

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	var claims Claims
	_, err = parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return buf.Bytes(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" || claims.Name == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing required claims", ErrInvalidToken)
	}
	if _, err := strconv.ParseInt(claims.Subject, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: non-numeric subject", ErrInvalidToken)
	}
	return &claims, nil
}

// Remaining returns the time until claims expire, never negative.
func (c *Codec) Remaining(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	d := claims.ExpiresAt.Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}

func (c *Codec) verifier(key []byte) *securecookie.SecureCookie {
	return securecookie.New(key, nil).
		MaxAge(int(c.verificationTTL / time.Second)).
		SetSerializer(securecookie.JSONEncoder{})
}

// IssueVerification mints an account verification token for userID.
func (c *Codec) IssueVerification(userID int64) (string, error) {
	buf, err := c.verification.Open()
	if err != nil {
		return "", fmt.Errorf("opening verification secret: %w", err)
	}
	defer buf.Destroy()

	encoded, err := c.verifier(buf.Bytes()).Encode(verificationName, VerificationClaims{
		UserID: userID,
		JTI:    uuid.New(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding verification token: %w", err)
	}
	return encoded, nil
}

// DecodeVerification checks the MAC and the age of raw.
func (c *Codec) DecodeVerification(raw string) (*VerificationClaims, error) {
	buf, err := c.verification.Open()
	if err != nil {
		return nil, fmt.Errorf("opening verification secret: %w", err)
	}
	defer buf.Destroy()

	var claims VerificationClaims
	if err := c.verifier(buf.Bytes()).Decode(verificationName, raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == 0 || claims.JTI == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrInvalidToken)
	}
	return &claims, nil
}
