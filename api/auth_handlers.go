package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/taskward/internal/util"
	"github.com/jmcleod/taskward/session"
)

// Login handles POST /user/login. The body is either form-encoded or JSON
// with username and password fields.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if raw := r.Header.Get("Authorization"); raw != "" {
		open, err := a.sessions.HasOpenSession(r.Context(), raw)
		if err != nil {
			a.writeSessionError(w, r, err)
			return
		}
		if open {
			writeError(w, http.StatusBadRequest, "Your session is already open")
			return
		}
	}

	req, ok := a.loginRequest(w, r)
	if !ok {
		return
	}

	key := util.NormalizeName(req.Username)
	ip := a.clientIP(r)
	if blocked, retryAfter := a.ipLimiter.check(ip); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip locked out", slog.String("client_ip", ip))
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.accountLimiter.check(key); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "account locked out", slog.String("username", key))
		writeRateLimited(w, retryAfter)
		return
	}

	out, err := a.sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCredentials):
			a.accountLimiter.recordFailure(key)
			a.ipLimiter.recordFailure(ip)
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials", slog.String("username", key))
		case errors.Is(err, session.ErrAccountNotApproved):
			a.audit.logFailure(AuditLoginNotApproved, r, "activation link sent", slog.String("username", key))
		}
		a.writeSessionError(w, r, err)
		return
	}
	a.accountLimiter.recordSuccess(key)
	a.ipLimiter.recordSuccess(ip)

	applyOutcome(w, out)
	uid := strconv.FormatInt(out.UserID, 10)
	if out.State == session.StateNeedsTwoFactor {
		a.audit.logEvent(AuditTwoFactorChallenge, r, uid)
		writeJSON(w, http.StatusUnauthorized, TwoFactorChallengeResponse{LoginType: "two_factor"})
		return
	}
	a.audit.logEvent(AuditLoginSuccess, r, uid)
	writeDirectLogin(w, out)
}

func (a *API) loginRequest(w http.ResponseWriter, r *http.Request) (LoginRequest, bool) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		req, ok := decodeJSON[LoginRequest](a, w, r)
		if ok && (req.Username == "" || req.Password == "") {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return req, false
		}
		return req, ok
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return LoginRequest{}, false
	}
	req := LoginRequest{Username: r.PostForm.Get("username"), Password: r.PostForm.Get("password")}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return req, false
	}
	return req, true
}

func writeDirectLogin(w http.ResponseWriter, out *session.Outcome) {
	writeJSON(w, http.StatusOK, DirectLoginResponse{
		AccessToken: out.AccessToken,
		TokenType:   "bearer",
		LoginType:   "direct",
	})
}

// TwoFactorLogin handles POST /auth/tfa/login.
func (a *API) TwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	ip := a.clientIP(r)
	if blocked, retryAfter := a.ipLimiter.check(ip); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip locked out", slog.String("client_ip", ip))
		writeRateLimited(w, retryAfter)
		return
	}
	req, ok := decodeJSON[TwoFactorLoginRequest](a, w, r)
	if !ok {
		return
	}

	out, err := a.sessions.LoginWithTwoFactor(r.Context(), cookieValue(r, session.CookieTwoFactor), req.Code)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrCodeMismatch):
			a.ipLimiter.recordFailure(ip)
			a.audit.logFailure(AuditTwoFactorFailure, r, "code mismatch")
		case errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrTokenReplayed):
			a.audit.logFailure(AuditTwoFactorFailure, r, "invalid or spent tfa token")
		}
		a.writeSessionError(w, r, err)
		return
	}
	a.ipLimiter.recordSuccess(ip)
	applyOutcome(w, out)
	a.audit.logEvent(AuditTwoFactorSuccess, r, strconv.FormatInt(out.UserID, 10))
	writeDirectLogin(w, out)
}

// TwoFactorExpiry handles GET /auth/tfa/exp.
func (a *API) TwoFactorExpiry(w http.ResponseWriter, r *http.Request) {
	out, err := a.sessions.TwoFactorExpiry(r.Context(), cookieValue(r, session.CookieTwoFactor))
	if err != nil {
		a.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CodeExpiryResponse{
		Key: out.CodeKey,
		Exp: int64(out.CodeTTL / time.Second),
	})
}

// Refresh handles POST /auth/refresh. The new access token is returned in
// the Authorization response header.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	out, err := a.sessions.Refresh(r.Context(), cookieValue(r, session.CookieRefresh))
	if err != nil {
		a.writeSessionError(w, r, err)
		return
	}
	applyOutcome(w, out)
	w.Header().Set("Authorization", "Bearer "+out.AccessToken)
	a.audit.logEvent(AuditTokenRefreshed, r, strconv.FormatInt(out.UserID, 10))
	writeDetail(w, http.StatusOK, out.Detail)
}

// Logout handles POST /user/logout. A delete_user cookie revokes every
// token of the account.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	deleteAccount := cookieValue(r, session.CookieDeleteUser) != ""
	out, err := a.sessions.Logout(r.Context(),
		r.Header.Get("Authorization"),
		cookieValue(r, session.CookieRefresh),
		deleteAccount)
	if err != nil {
		a.writeSessionError(w, r, err)
		return
	}
	applyOutcome(w, out)
	a.audit.logEvent(AuditLogout, r, strconv.FormatInt(out.UserID, 10),
		slog.Bool("account_revoked", deleteAccount))
	writeDetail(w, http.StatusOK, out.Detail)
}

// VerifyAccount handles GET /auth/verify/{token}.
func (a *API) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	out, err := a.sessions.VerifyAccount(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.writeSessionError(w, r, err)
		return
	}
	a.audit.logEvent(AuditAccountVerified, r, strconv.FormatInt(out.UserID, 10))
	writeDetail(w, http.StatusOK, out.Detail)
}
