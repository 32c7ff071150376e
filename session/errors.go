package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenReplayed      = errors.New("token already used")
	ErrCodeMismatch       = errors.New("two-factor code mismatch")
	ErrAccountNotApproved = errors.New("account not approved")
	ErrNotFound           = errors.New("user not found")
	ErrStoreUnavailable   = errors.New("session store unavailable")

	// ErrSessionClosed is a replay of an access token at logout.
	ErrSessionClosed = fmt.Errorf("%w: session already closed", ErrTokenReplayed)
	// ErrAlreadyApproved is a replay of a verification token.
	ErrAlreadyApproved = fmt.Errorf("%w: account already approved", ErrTokenReplayed)
)

// Error is a failed session operation. Detail is safe to show to the user;
// Clear lists cookies the client should drop.
type Error struct {
	Err    error
	Detail string
	Clear  []string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Err, e.Cause)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func fail(err error, detail string, cookies ...string) *Error {
	return &Error{Err: err, Detail: detail, Clear: cookies}
}

func storeFailure(cause error) *Error {
	return &Error{Err: ErrStoreUnavailable, Detail: "Redis Server Error", Cause: cause}
}
