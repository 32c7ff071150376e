// Package session implements the login, two-factor, logout, refresh and
// account verification flows.
//
// Operations return an Outcome describing tokens minted and cookies to set or
// clear, or an *Error carrying a sentinel, a user-facing detail and the
// cookies to drop. All mutable state lives in the key-value registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/taskward/credential"
	"github.com/jmcleod/taskward/kv"
	"github.com/jmcleod/taskward/notify"
	"github.com/jmcleod/taskward/storage"
	"github.com/jmcleod/taskward/token"
)

// Cookie names.
const (
	CookieRefresh    = "refresh_token"
	CookieTwoFactor  = "tfa_token"
	CookieDeleteUser = "delete_user"
)

// State is the point a flow ended in.
type State string

const (
	StateDirect         State = "direct"
	StateNeedsTwoFactor State = "two_factor"
	StateLoggedOut      State = "logged_out"
	StateRefreshed      State = "refreshed"
	StateVerified       State = "verified"
	StateCodeExpiry     State = "code_expiry"
)

// Cookie is a cookie the client should store.
type Cookie struct {
	Name   string
	Value  string
	MaxAge time.Duration
}

// Outcome is the result of a successful operation.
type Outcome struct {
	State       State
	Detail      string
	AccessToken string
	SetCookies  []Cookie
	Clear       []string
	UserID      int64

	// CodeKey and CodeTTL are set for StateCodeExpiry.
	CodeKey string
	CodeTTL time.Duration
}

// Authenticator verifies a username/password pair.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*storage.User, error)
}

// Users is the subset of storage.Users the flows need.
type Users interface {
	GetUser(ctx context.Context, id int64) (*storage.User, error)
	ApproveUser(ctx context.Context, id int64) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Codec       *token.Codec
	Credentials Authenticator
	Users       Users
	KV          *kv.Registry
	Notifier    notify.Sink
}

// Config selects key-value databases and the public site address.
type Config struct {
	// SiteDomain prefixes verification links, e.g. "https://todo.example".
	SiteDomain   string
	RevocationDB int
	CodeDB       int
}

// Service runs the session flows. It is safe for concurrent use.
type Service struct {
	codec  *token.Codec
	creds  Authenticator
	users  Users
	ledger *Ledger
	codes  *Codes
	sink   notify.Sink
	cfg    Config
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New returns a Service.
func New(deps Deps, cfg Config, opts ...Option) *Service {
	sink := deps.Notifier
	if sink == nil {
		sink = notify.Discard{}
	}
	s := &Service{
		codec:  deps.Codec,
		creds:  deps.Credentials,
		users:  deps.Users,
		ledger: NewLedger(deps.KV, cfg.RevocationDB),
		codes:  NewCodes(deps.KV, cfg.CodeDB, deps.Codec.TwoFactorTTL()),
		sink:   sink,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// Ledger exposes the revocation ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Codec exposes the token codec.
func (s *Service) Codec() *token.Codec { return s.codec }

// StripBearer removes a case-insensitive "Bearer " prefix.
func StripBearer(header string) string {
	const prefix = "bearer "
	if len(header) >= len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return strings.TrimSpace(header)
}

// CheckBearer decodes an access token and consults the ledger. Claims are
// nil when the token does not decode.
func (s *Service) CheckBearer(ctx context.Context, raw string) (*token.Claims, bool, error) {
	claims, err := s.codec.Verify(StripBearer(raw), token.Primary)
	if err != nil {
		return nil, false, nil
	}
	revoked, err := s.ledger.Revoked(ctx, claims.ID, claims.Subject)
	if err != nil {
		return claims, false, storeFailure(err)
	}
	return claims, revoked, nil
}

// HasOpenSession reports whether raw is a live, non-revoked access token.
func (s *Service) HasOpenSession(ctx context.Context, raw string) (bool, error) {
	claims, revoked, err := s.CheckBearer(ctx, raw)
	if err != nil {
		return false, err
	}
	return claims != nil && !revoked, nil
}

// Login authenticates username and password and decides the next step.
func (s *Service) Login(ctx context.Context, username, password string) (*Outcome, error) {
	u, err := s.creds.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredentials) {
			return nil, fail(ErrInvalidCredentials, "Incorrect username or password")
		}
		return nil, fmt.Errorf("authenticating: %w", err)
	}

	if !u.Approved {
		if err := s.sendActivation(ctx, u); err != nil {
			return nil, err
		}
		return nil, fail(ErrAccountNotApproved,
			"Your account is not verified! The verification link has been sent to your mail address")
	}

	if u.TwoFactorEnabled {
		return s.beginTwoFactor(ctx, u)
	}
	return s.direct(u.ID, u.Username)
}

func (s *Service) sendActivation(ctx context.Context, u *storage.User) error {
	tok, err := s.codec.IssueVerification(u.ID)
	if err != nil {
		return err
	}
	link := strings.TrimRight(s.cfg.SiteDomain, "/") + "/auth/verify/" + tok
	return s.enqueue(ctx, notify.Message{
		Kind:     notify.KindActivation,
		UserID:   u.ID,
		To:       u.Email,
		Username: u.Username,
		ValidFor: describe(s.codec.VerificationTTL()),
		Link:     link,
	})
}

func (s *Service) beginTwoFactor(ctx context.Context, u *storage.User) (*Outcome, error) {
	code, err := s.codes.Issue(ctx, u.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	if err := s.enqueue(ctx, notify.Message{
		Kind:     notify.KindTwoFactorCode,
		UserID:   u.ID,
		To:       u.Email,
		Username: u.Username,
		ValidFor: describe(s.codec.TwoFactorTTL()),
		Code:     code,
	}); err != nil {
		return nil, err
	}
	tok, err := s.codec.IssueTwoFactor(u.ID, u.Username)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		State:      StateNeedsTwoFactor,
		UserID:     u.ID,
		SetCookies: []Cookie{{Name: CookieTwoFactor, Value: tok, MaxAge: s.codec.TwoFactorTTL()}},
	}, nil
}

func (s *Service) enqueue(ctx context.Context, m notify.Message) error {
	if err := s.sink.Enqueue(ctx, m); err != nil {
		return fmt.Errorf("enqueueing %s notification: %w", m.Kind, err)
	}
	return nil
}

// direct mints an access and refresh token pair.
func (s *Service) direct(userID int64, username string) (*Outcome, error) {
	access, err := s.codec.IssueAccess(userID, username)
	if err != nil {
		return nil, err
	}
	refresh, err := s.codec.IssueRefresh(userID, username)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		State:       StateDirect,
		AccessToken: access,
		UserID:      userID,
		SetCookies:  []Cookie{{Name: CookieRefresh, Value: refresh, MaxAge: s.codec.RefreshTTL()}},
		Clear:       []string{CookieTwoFactor},
	}, nil
}

// LoginWithTwoFactor completes a two-factor login.
func (s *Service) LoginWithTwoFactor(ctx context.Context, tfaToken, code string) (*Outcome, error) {
	claims, err := s.codec.Verify(tfaToken, token.TwoFactor)
	if err != nil {
		return nil, fail(ErrInvalidToken, "TFA Token is not valid", CookieTwoFactor, CookieRefresh)
	}
	used, err := s.ledger.TokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	if used {
		return nil, fail(ErrTokenReplayed, "TFA Token is used!", CookieTwoFactor, CookieRefresh)
	}

	userID := claims.UserID()
	ok, err := s.codes.Match(ctx, userID, strings.TrimSpace(code))
	if err != nil {
		return nil, storeFailure(err)
	}
	if !ok {
		return nil, fail(ErrCodeMismatch, "TFA Code is not valid!", CookieRefresh)
	}

	if err := s.codes.Consume(ctx, userID); err != nil {
		return nil, storeFailure(err)
	}
	if err := s.ledger.RevokeToken(ctx, claims.ID, s.codec.Remaining(claims)); err != nil {
		return nil, storeFailure(err)
	}
	return s.direct(userID, claims.Name)
}

// Logout revokes the access token, the refresh token when it decodes, and
// the whole account when deleteAccount is set.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string, deleteAccount bool) (*Outcome, error) {
	claims, err := s.codec.Verify(StripBearer(accessToken), token.Primary)
	if err != nil {
		return nil, fail(ErrInvalidToken, "Could not validate credentials")
	}
	used, err := s.ledger.TokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, storeFailure(err)
	}
	if used {
		return nil, fail(ErrSessionClosed, "Access token used!", CookieRefresh)
	}

	if err := s.ledger.RevokeToken(ctx, claims.ID, s.codec.Remaining(claims)); err != nil {
		return nil, storeFailure(err)
	}
	if refreshToken != "" {
		if rc, err := s.codec.Verify(refreshToken, token.Primary); err == nil {
			if err := s.ledger.RevokeToken(ctx, rc.ID, s.codec.Remaining(rc)); err != nil {
				return nil, storeFailure(err)
			}
		}
	}
	cleared := []string{CookieRefresh, CookieTwoFactor}
	if deleteAccount {
		if err := s.ledger.RevokeUser(ctx, claims.Subject, s.codec.RefreshTTL()); err != nil {
			return nil, storeFailure(err)
		}
		cleared = append(cleared, CookieDeleteUser)
	}
	s.logger.LogAttrs(ctx, slog.LevelDebug, "session revoked",
		slog.String("user_id", claims.Subject), slog.Bool("account", deleteAccount))

	return &Outcome{
		State:  StateLoggedOut,
		Detail: "Logout Successful",
		UserID: claims.UserID(),
		Clear:  cleared,
	}, nil
}

// Refresh mints a new access token from a refresh token. The refresh token
// is spent and no replacement is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Outcome, error) {
	if refreshToken == "" {
		return nil, fail(ErrInvalidToken, "Refresh token is missing")
	}
	claims, err := s.codec.Verify(refreshToken, token.Primary)
	if err != nil {
		return nil, fail(ErrInvalidToken, "Refresh token is not valid!", CookieRefresh)
	}
	revoked, err := s.ledger.Revoked(ctx, claims.ID, claims.Subject)
	if err != nil {
		return nil, storeFailure(err)
	}
	if revoked {
		return nil, fail(ErrTokenReplayed, "Refresh token used!", CookieRefresh)
	}

	access, err := s.codec.IssueAccess(claims.UserID(), claims.Name)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.RevokeToken(ctx, claims.ID, s.codec.Remaining(claims)); err != nil {
		return nil, storeFailure(err)
	}
	return &Outcome{
		State:       StateRefreshed,
		Detail:      "Last access token is created",
		AccessToken: access,
		UserID:      claims.UserID(),
		Clear:       []string{CookieRefresh, CookieTwoFactor},
	}, nil
}

// VerifyAccount approves the account named by a verification token. Each
// token approves at most once.
func (s *Service) VerifyAccount(ctx context.Context, raw string) (*Outcome, error) {
	vc, err := s.codec.DecodeVerification(raw)
	if err != nil {
		return nil, fail(ErrInvalidToken, "Verify token is not valid!")
	}
	used, err := s.ledger.TokenRevoked(ctx, vc.JTI)
	if err != nil {
		return nil, storeFailure(err)
	}
	if used {
		return nil, fail(ErrAlreadyApproved, "User already approved!")
	}

	u, err := s.users.GetUser(ctx, vc.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &Error{Err: ErrNotFound, Detail: "User not found!", Cause: err}
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if u.Approved {
		return nil, fail(ErrAlreadyApproved, "User already approved!")
	}
	if err := s.users.ApproveUser(ctx, vc.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &Error{Err: ErrNotFound, Detail: "User not found!", Cause: err}
		}
		return nil, fmt.Errorf("approving user: %w", err)
	}
	if err := s.ledger.RevokeToken(ctx, vc.JTI, s.codec.VerificationTTL()); err != nil {
		return nil, storeFailure(err)
	}
	return &Outcome{State: StateVerified, Detail: "User approved!", UserID: vc.UserID}, nil
}

// TwoFactorExpiry reports how long the pending code of the tfa token's user
// remains valid.
func (s *Service) TwoFactorExpiry(ctx context.Context, tfaToken string) (*Outcome, error) {
	claims, err := s.codec.Verify(tfaToken, token.TwoFactor)
	if err != nil {
		return nil, fail(ErrInvalidToken, "TFA Token is not valid")
	}
	userID := claims.UserID()
	ttl, err := s.codes.TTL(ctx, userID)
	if err != nil {
		return nil, storeFailure(err)
	}
	return &Outcome{
		State:   StateCodeExpiry,
		UserID:  userID,
		CodeKey: CodeKey(userID),
		CodeTTL: ttl,
	}, nil
}

// describe renders d for humans, e.g. "24 hours" or "3 minutes".
func describe(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int64(d/time.Minute), "minute")
	default:
		return plural(int64(d/time.Second), "second")
	}
}

func plural(n int64, unit string) string {
	s := strconv.FormatInt(n, 10) + " " + unit
	if n != 1 {
		s += "s"
	}
	return s
}
