package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is matched by every error that ends the session.
	ErrSessionExpired = errors.New("session expired, please sign in again")

	// ErrUnauthorized is matched by a request that is still rejected after
	// being replayed with a fresh access token.
	ErrUnauthorized = errors.New("request unauthorized")

	// ErrNoRefreshToken is the cause of a session expiry when a 401 arrives
	// and there is no refresh token to recover with.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrLoggedOut is the cause of a session ended through Client.Logout.
	ErrLoggedOut = errors.New("logged out")
)

// SessionExpiredError is returned to every request that was waiting on a
// refresh cycle that failed. All of them receive the same value.
type SessionExpiredError struct {
	Cause error
}

func (e *SessionExpiredError) Error() string {
	if e.Cause == nil {
		return ErrSessionExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSessionExpired.Error(), e.Cause)
}

func (e *SessionExpiredError) Is(target error) bool {
	return target == ErrSessionExpired
}

func (e *SessionExpiredError) Unwrap() error {
	return e.Cause
}

// UnauthorizedError reports a 401 on a request that was already replayed once.
type UnauthorizedError struct {
	StatusCode int
	Body       []byte
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("request unauthorized after token refresh: status %d, body: %s", e.StatusCode, string(e.Body))
}

func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrUnauthorized
}
