package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/taskward/session"
	"github.com/jmcleod/taskward/token"
)

type contextKey int

const claimsKey contextKey = iota

const logoutPath = "/user/logout"

// RevocationMiddleware checks every bearer token against the revocation
// ledger. Revoked tokens and tokens of deleted accounts are redirected to
// the logout endpoint; undecodable tokens pass through untouched. A ledger
// failure fails the request closed.
func (a *API) RevocationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, revoked, err := a.sessions.CheckBearer(r.Context(), raw)
		if err != nil {
			a.writeSessionError(w, r, err)
			return
		}
		if claims == nil {
			next.ServeHTTP(w, r)
			return
		}
		if revoked && r.URL.Path != logoutPath {
			a.audit.logEvent(AuditRevokedRedirect, r, claims.Subject,
				slog.String("path", r.URL.Path))
			http.Redirect(w, r, logoutPath, http.StatusTemporaryRedirect)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects requests without a decodable bearer token. It relies
// on RevocationMiddleware having run first.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claimsFromContext(r.Context()) == nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFromContext(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsKey).(*token.Claims)
	return claims
}

// currentUserID returns the authenticated user id. Only valid behind
// RequireAuth.
func currentUserID(r *http.Request) int64 {
	return claimsFromContext(r.Context()).UserID()
}

// setCookies writes session cookies. They are always Secure, HttpOnly and
// SameSite=Strict.
func setCookies(w http.ResponseWriter, cookies ...session.Cookie) {
	for _, c := range cookies {
		http.SetCookie(w, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     "/",
			MaxAge:   int(c.MaxAge.Seconds()),
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func clearCookies(w http.ResponseWriter, names ...string) {
	for _, name := range names {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// applyOutcome writes the cookie changes of a successful session flow.
func applyOutcome(w http.ResponseWriter, o *session.Outcome) {
	clearCookies(w, o.Clear...)
	setCookies(w, o.SetCookies...)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
