package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/taskward/credential"
	"github.com/jmcleod/taskward/kv"
	kvmemory "github.com/jmcleod/taskward/kv/memory"
	"github.com/jmcleod/taskward/notify"
	"github.com/jmcleod/taskward/storage"
	"github.com/jmcleod/taskward/storage/memory"
	"github.com/jmcleod/taskward/token"
)

const (
	revocationDB = 1
	codeDB       = 2
	tfaTTL       = 3 * time.Minute
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recordingSink) Enqueue(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recordingSink) last(t *testing.T) notify.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.msgs, "expected a notification")
	return r.msgs[len(r.msgs)-1]
}

type harness struct {
	svc   *Service
	repo  *memory.Repository
	reg   *kv.Registry
	sink  *recordingSink
	codec *token.Codec
	verif *credential.Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := token.New(token.Config{
		Algorithm:          "HS256",
		PrimarySecret:      []byte("primary-test-secret"),
		TwoFactorSecret:    []byte("tfa-test-secret"),
		VerificationSecret: []byte("verify-test-secret"),
		AccessTTL:          10 * time.Minute,
		RefreshTTL:         24 * time.Hour,
		TwoFactorTTL:       tfaTTL,
		VerificationTTL:    time.Hour,
	})
	require.NoError(t, err)

	repo := memory.NewRepository()
	reg := kv.NewRegistry(kvmemory.Dialer())
	t.Cleanup(func() { reg.Close() })
	sink := &recordingSink{}
	verif := credential.NewVerifier(repo, credential.WithCost(bcrypt.MinCost))

	svc := New(Deps{
		Codec:       codec,
		Credentials: verif,
		Users:       repo,
		KV:          reg,
		Notifier:    sink,
	}, Config{SiteDomain: "https://todo.example/", RevocationDB: revocationDB, CodeDB: codeDB})

	return &harness{svc: svc, repo: repo, reg: reg, sink: sink, codec: codec, verif: verif}
}

func (h *harness) user(t *testing.T, name string, approved, twoFactor bool) *storage.User {
	t.Helper()
	hash, err := h.verif.Hash("s3cret-pw")
	require.NoError(t, err)
	u, err := h.repo.CreateAccount(context.Background(), &storage.User{
		Username:         name,
		Email:            name + "@example.com",
		PasswordHash:     hash,
		Approved:         approved,
		TwoFactorEnabled: twoFactor,
	}, storage.DefaultAccountDefaults)
	require.NoError(t, err)
	return u
}

func cookie(o *Outcome, name string) (Cookie, bool) {
	for _, c := range o.SetCookies {
		if c.Name == name {
			return c, true
		}
	}
	return Cookie{}, false
}

func sessionError(t *testing.T, err error) *Error {
	t.Helper()
	var se *Error
	require.True(t, errors.As(err, &se), "expected *session.Error, got %v", err)
	return se
}

func (h *harness) login(t *testing.T, name string) *Outcome {
	t.Helper()
	out, err := h.svc.Login(context.Background(), name, "s3cret-pw")
	require.NoError(t, err)
	require.Equal(t, StateDirect, out.State)
	return out
}

func TestLoginDirect(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice", true, false)

	out := h.login(t, "alice")
	assert.NotEmpty(t, out.AccessToken)
	assert.Equal(t, u.ID, out.UserID)
	c, ok := cookie(out, CookieRefresh)
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, c.MaxAge)
	assert.Contains(t, out.Clear, CookieTwoFactor)

	claims, err := h.codec.Verify(out.AccessToken, token.Primary)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Name)
}

func TestLoginInvalidCredentialsDoNotDisclose(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", true, false)
	ctx := context.Background()

	_, wrongPW := h.svc.Login(ctx, "alice", "nope")
	_, noUser := h.svc.Login(ctx, "nobody", "s3cret-pw")

	a, b := sessionError(t, wrongPW), sessionError(t, noUser)
	assert.ErrorIs(t, wrongPW, ErrInvalidCredentials)
	assert.ErrorIs(t, noUser, ErrInvalidCredentials)
	assert.Equal(t, a.Detail, b.Detail)
	assert.Equal(t, "Incorrect username or password", a.Detail)
}

func TestLoginUnapprovedSendsActivation(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "bob", false, false)

	_, err := h.svc.Login(context.Background(), "bob", "s3cret-pw")
	assert.ErrorIs(t, err, ErrAccountNotApproved)

	m := h.sink.last(t)
	assert.Equal(t, notify.KindActivation, m.Kind)
	assert.Equal(t, u.Email, m.To)
	assert.Equal(t, "1 hour", m.ValidFor)
	require.True(t, strings.HasPrefix(m.Link, "https://todo.example/auth/verify/"), m.Link)

	vc, err := h.codec.DecodeVerification(strings.TrimPrefix(m.Link, "https://todo.example/auth/verify/"))
	require.NoError(t, err)
	assert.Equal(t, u.ID, vc.UserID)
}

func TestLoginEnqueueFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	h.user(t, "bob", false, false)
	h.sink.err = notify.ErrQueueClosed

	_, err := h.svc.Login(context.Background(), "bob", "s3cret-pw")
	require.Error(t, err)
	var se *Error
	assert.False(t, errors.As(err, &se), "internal failures carry no user-facing detail")
}

func (h *harness) beginTwoFactor(t *testing.T, name string) (tfaToken, code string, userID int64) {
	t.Helper()
	u := h.user(t, name, true, true)
	out, err := h.svc.Login(context.Background(), name, "s3cret-pw")
	require.NoError(t, err)
	require.Equal(t, StateNeedsTwoFactor, out.State)
	c, ok := cookie(out, CookieTwoFactor)
	require.True(t, ok)
	assert.Equal(t, tfaTTL, c.MaxAge)
	assert.Empty(t, out.AccessToken)

	m := h.sink.last(t)
	require.Equal(t, notify.KindTwoFactorCode, m.Kind)
	return c.Value, m.Code, u.ID
}

func TestTwoFactorLogin(t *testing.T) {
	h := newHarness(t)
	tfa, code, _ := h.beginTwoFactor(t, "carol")
	assert.Len(t, code, CodeLength)

	out, err := h.svc.LoginWithTwoFactor(context.Background(), tfa, code)
	require.NoError(t, err)
	assert.Equal(t, StateDirect, out.State)
	assert.NotEmpty(t, out.AccessToken)
	_, ok := cookie(out, CookieRefresh)
	assert.True(t, ok)
}

func TestTwoFactorTokenIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tfa, code, _ := h.beginTwoFactor(t, "carol")

	_, err := h.svc.LoginWithTwoFactor(ctx, tfa, code)
	require.NoError(t, err)

	_, err = h.svc.LoginWithTwoFactor(ctx, tfa, code)
	se := sessionError(t, err)
	assert.ErrorIs(t, err, ErrTokenReplayed)
	assert.Equal(t, "TFA Token is used!", se.Detail)
	assert.ElementsMatch(t, []string{CookieTwoFactor, CookieRefresh}, se.Clear)
}

func TestTwoFactorCodeMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tfa, code, _ := h.beginTwoFactor(t, "dave")

	_, err := h.svc.LoginWithTwoFactor(ctx, tfa, "ZZZZZZ"+code)
	se := sessionError(t, err)
	assert.ErrorIs(t, err, ErrCodeMismatch)
	assert.Equal(t, []string{CookieRefresh}, se.Clear)

	_, err = h.svc.LoginWithTwoFactor(ctx, tfa, "")
	assert.ErrorIs(t, err, ErrCodeMismatch)

	_, err = h.svc.LoginWithTwoFactor(ctx, tfa, code)
	assert.NoError(t, err, "a failed guess does not burn the token")
}

func TestTwoFactorInvalidToken(t *testing.T) {
	h := newHarness(t)
	h.user(t, "erin", true, false)
	access := h.login(t, "erin").AccessToken

	_, err := h.svc.LoginWithTwoFactor(context.Background(), access, "ABCDEF")
	se := sessionError(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, "TFA Token is not valid", se.Detail)
}

func TestTwoFactorCodeTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tfa, code, userID := h.beginTwoFactor(t, "fay")

	out, err := h.svc.TwoFactorExpiry(ctx, tfa)
	require.NoError(t, err)
	assert.Equal(t, CodeKey(userID), out.CodeKey)
	assert.Greater(t, out.CodeTTL, time.Duration(0))
	assert.LessOrEqual(t, out.CodeTTL, tfaTTL)

	_, err = h.svc.LoginWithTwoFactor(ctx, tfa, code)
	require.NoError(t, err)
	out, err = h.svc.TwoFactorExpiry(ctx, tfa)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), out.CodeTTL, "consumed code reports zero")

	_, err = h.svc.TwoFactorExpiry(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewCodeReplacesOld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	codes := NewCodes(h.reg, codeDB, tfaTTL)

	first, err := codes.Issue(ctx, 5)
	require.NoError(t, err)
	second, err := codes.Issue(ctx, 5)
	require.NoError(t, err)

	ok, err := codes.Match(ctx, 5, second)
	require.NoError(t, err)
	assert.True(t, ok)
	if first != second {
		ok, err = codes.Match(ctx, 5, first)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "gus", true, false)
	out := h.login(t, "gus")
	refresh, _ := cookie(out, CookieRefresh)

	lo, err := h.svc.Logout(ctx, "Bearer "+out.AccessToken, refresh.Value, false)
	require.NoError(t, err)
	assert.Equal(t, "Logout Successful", lo.Detail)
	assert.ElementsMatch(t, []string{CookieRefresh, CookieTwoFactor}, lo.Clear)

	claims, revoked, err := h.svc.CheckBearer(ctx, out.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, claims)
	assert.True(t, revoked)

	_, err = h.svc.Refresh(ctx, refresh.Value)
	assert.ErrorIs(t, err, ErrTokenReplayed, "logout spends the refresh token")

	_, err = h.svc.Logout(ctx, out.AccessToken, "", false)
	se := sessionError(t, err)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, "Access token used!", se.Detail)
}

func TestLogoutRevocationTTLMatchesTokenLifetime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "hal", true, false)
	out := h.login(t, "hal")

	_, err := h.svc.Logout(ctx, out.AccessToken, "not-a-token", false)
	require.NoError(t, err, "an undecodable refresh cookie is ignored")

	claims, err := h.codec.Verify(out.AccessToken, token.Primary)
	require.NoError(t, err)
	store, err := h.reg.DB(ctx, revocationDB)
	require.NoError(t, err)
	ttl, err := store.TTL(ctx, RevokedTokenKey(claims.ID))
	require.NoError(t, err)
	assert.InDelta(t, h.codec.Remaining(claims).Seconds(), ttl.Seconds(), 2)
}

func TestLogoutWithAccountDeletionRevokesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "ivy", true, false)
	first := h.login(t, "ivy")
	second := h.login(t, "ivy")
	secondRefresh, _ := cookie(second, CookieRefresh)

	lo, err := h.svc.Logout(ctx, first.AccessToken, "", true)
	require.NoError(t, err)
	assert.Contains(t, lo.Clear, CookieDeleteUser)

	_, revoked, err := h.svc.CheckBearer(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.True(t, revoked, "other sessions of the account are revoked")

	_, err = h.svc.Refresh(ctx, secondRefresh.Value)
	assert.ErrorIs(t, err, ErrTokenReplayed)
}

func TestRefreshIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "jo", true, false)
	out := h.login(t, "jo")
	refresh, _ := cookie(out, CookieRefresh)

	r, err := h.svc.Refresh(ctx, refresh.Value)
	require.NoError(t, err)
	assert.Equal(t, StateRefreshed, r.State)
	assert.Equal(t, "Last access token is created", r.Detail)
	assert.NotEmpty(t, r.AccessToken)
	assert.Empty(t, r.SetCookies, "no replacement refresh cookie is issued")

	_, err = h.svc.Refresh(ctx, refresh.Value)
	se := sessionError(t, err)
	assert.ErrorIs(t, err, ErrTokenReplayed)
	assert.Equal(t, "Refresh token used!", se.Detail)
}

func TestRefreshRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Refresh(ctx, "")
	assert.Equal(t, "Refresh token is missing", sessionError(t, err).Detail)

	_, err = h.svc.Refresh(ctx, "bogus")
	se := sessionError(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, "Refresh token is not valid!", se.Detail)
	assert.Equal(t, []string{CookieRefresh}, se.Clear)
}

func TestVerifyAccountIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user(t, "kim", false, false)
	tok, err := h.codec.IssueVerification(u.ID)
	require.NoError(t, err)

	out, err := h.svc.VerifyAccount(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "User approved!", out.Detail)

	got, err := h.repo.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Approved)

	for range 2 {
		_, err = h.svc.VerifyAccount(ctx, tok)
		assert.ErrorIs(t, err, ErrAlreadyApproved)
		assert.Equal(t, "User already approved!", sessionError(t, err).Detail)
	}

	other, err := h.codec.IssueVerification(u.ID)
	require.NoError(t, err)
	_, err = h.svc.VerifyAccount(ctx, other)
	assert.ErrorIs(t, err, ErrAlreadyApproved, "a second link for an approved account")
}

func TestVerifyAccountRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.VerifyAccount(ctx, "tampered")
	assert.ErrorIs(t, err, ErrInvalidToken)

	tok, err := h.codec.IssueVerification(9999)
	require.NoError(t, err)
	_, err = h.svc.VerifyAccount(ctx, tok)
	assert.ErrorIs(t, err, ErrNotFound)
}

type brokenStore struct{ kv.Store }

func (brokenStore) Ping(context.Context) error { return errors.New("dial tcp: connection refused") }
func (brokenStore) Close() error               { return nil }

func TestStoreFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.user(t, "lee", true, false)
	out := h.login(t, "lee")

	broken := kv.NewRegistry(func(int) (kv.Store, error) { return brokenStore{}, nil })
	svc := New(Deps{Codec: h.codec, Credentials: h.verif, Users: h.repo, KV: broken}, Config{})

	_, err := svc.Logout(context.Background(), out.AccessToken, "", false)
	se := sessionError(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, kv.ErrUnavailable)
	assert.Equal(t, "Redis Server Error", se.Detail)

	_, _, err = svc.CheckBearer(context.Background(), out.AccessToken)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestHasOpenSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "max", true, false)
	out := h.login(t, "max")

	open, err := h.svc.HasOpenSession(ctx, "Bearer "+out.AccessToken)
	require.NoError(t, err)
	assert.True(t, open)

	open, err = h.svc.HasOpenSession(ctx, "Bearer junk")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "24 hours", describe(24*time.Hour))
	assert.Equal(t, "1 minute", describe(time.Minute))
	assert.Equal(t, "90 minutes", describe(90*time.Minute))
	assert.Equal(t, "45 seconds", describe(45*time.Second))
}

func TestStripBearer(t *testing.T) {
	assert.Equal(t, "abc", StripBearer("Bearer abc"))
	assert.Equal(t, "abc", StripBearer("bearer  abc"))
	assert.Equal(t, "abc", StripBearer("abc"))
}
