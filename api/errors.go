package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jmcleod/taskward/session"
	"github.com/jmcleod/taskward/storage"
)

const (
	maxBodySize = 64 << 10

	internalErrorDetail = "An error occurred! Please try again later"
)

// conflictLabels names unique fields in "<Field> is used" responses.
var conflictLabels = map[string]string{
	storage.FieldUsername: "Visibility name",
	storage.FieldEmail:    "Email",
	storage.FieldTitle:    "Title",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, DetailResponse{Detail: detail})
}

// writeInternalError logs err and returns a generic 500.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.LogAttrs(r.Context(), slog.LevelError, msg,
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, internalErrorDetail)
}

// decodeJSON decodes a bounded JSON body into T and validates it. On failure
// it writes the response and returns false.
func decodeJSON[T any](a *API, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	if err := a.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return v, false
	}
	return v, true
}

// validationDetail turns the first validator failure into a message.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s length should be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s length should be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be a positive number", field)
	case "visname":
		return fmt.Sprintf("%s can only include letters, digits and _", field)
	case "loosemail":
		return fmt.Sprintf("%s is not valid!", field)
	default:
		return fmt.Sprintf("%s is not valid", field)
	}
}

// writeSessionError renders a failed session flow, dropping the cookies the
// flow asked to clear.
func (a *API) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var se *session.Error
	if !errors.As(err, &se) {
		a.writeInternalError(w, r, "session flow failed", err)
		return
	}
	clearCookies(w, se.Clear...)

	status := http.StatusUnauthorized
	switch {
	case errors.Is(se, session.ErrStoreUnavailable):
		a.logger.LogAttrs(r.Context(), slog.LevelError, "session store unavailable",
			slog.String("path", r.URL.Path), slog.String("error", se.Error()))
		status = http.StatusInternalServerError
	case errors.Is(se, session.ErrAlreadyApproved):
		status = http.StatusConflict
	case errors.Is(se, session.ErrSessionClosed):
		status = http.StatusBadRequest
	case errors.Is(se, session.ErrNotFound):
		status = http.StatusBadRequest
	}
	writeError(w, status, se.Detail)
}

// writeStoreError maps a storage failure. notFound is the detail used for
// storage.ErrNotFound.
func (a *API) writeStoreError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	var conflict *storage.ConflictError
	switch {
	case errors.As(err, &conflict):
		label, ok := conflictLabels[conflict.Field]
		if !ok {
			label = "Information"
		}
		writeError(w, http.StatusConflict, label+" is used")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusBadRequest, notFound)
	case errors.Is(err, storage.ErrDefaultStatus):
		writeError(w, http.StatusBadRequest, "This status is the default. Indelible!")
	default:
		a.writeInternalError(w, r, "storage operation failed", err)
	}
}
