package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/jmcleod/taskward/account"
	"github.com/jmcleod/taskward/session"
	"github.com/jmcleod/taskward/storage"
)

// CreateUser handles POST /user/create. Callers presenting any bearer token
// are turned away.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		writeError(w, http.StatusNotFound, "Your session is already open")
		return
	}
	req, ok := decodeJSON[SignupRequest](a, w, r)
	if !ok {
		return
	}
	u, err := a.accounts.Create(r.Context(), account.Signup{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		a.writeStoreError(w, r, err, "User not found!")
		return
	}
	a.audit.logEvent(AuditRegister, r, strconv.FormatInt(u.ID, 10))
	writeDetail(w, http.StatusCreated, "New user created!")
}

// UserInfo handles POST /user/info.
func (a *API) UserInfo(w http.ResponseWriter, r *http.Request) {
	u, err := a.accounts.Get(r.Context(), currentUserID(r))
	if err != nil {
		a.writeStoreError(w, r, err, "User not found!")
		return
	}
	writeJSON(w, http.StatusOK, userResponse(u))
}

// UpdateUser handles PATCH /user/update.
func (a *API) UpdateUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateUserRequest](a, w, r)
	if !ok {
		return
	}
	_, err := a.accounts.Update(r.Context(), currentUserID(r), account.Changes{
		Username:         req.Username,
		Email:            req.Email,
		Password:         req.Password,
		TwoFactorEnabled: req.TwoFactorEnabled,
	})
	if err != nil {
		a.writeStoreError(w, r, err, "User not found!")
		return
	}
	writeDetail(w, http.StatusOK, "User update successfully!")
}

// DeleteUser handles POST /user/delete. The account and everything it owns
// is removed, then the client is sent to logout with a delete_user cookie
// so every outstanding token of the account is revoked.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	uid := currentUserID(r)
	if err := a.accounts.Delete(r.Context(), uid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "User not found!")
			return
		}
		a.writeInternalError(w, r, "deleting account", err)
		return
	}
	a.audit.logEvent(AuditAccountDeleted, r, strconv.FormatInt(uid, 10))
	setCookies(w, session.Cookie{
		Name:   session.CookieDeleteUser,
		Value:  "true",
		MaxAge: a.sessions.Codec().RefreshTTL(),
	})
	http.Redirect(w, r, logoutPath, http.StatusTemporaryRedirect)
}
