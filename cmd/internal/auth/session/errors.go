package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrLockNotAcquired is returned when a per-user unit of work could not be started in time.
	ErrLockNotAcquired = errors.New("session lock not acquired")

	// ErrLockLost is returned when a unit of work outlived its per-user lock
	// and a write was refused.
	ErrLockLost = errors.New("session lock lost")
)

// Stable exception codes. Callers translate these into response codes.
const (
	CodeNoSessionFound       = "no_session_found"
	CodeInvalidRefreshToken  = "invalid_refresh_token"
	CodeSessionExpired       = "session_expired"
	CodeSessionsLimitReached = "sessions_limit_reached"
)

// ValidateException enumerates the declared failures of Service.Validate.
type ValidateException uint8

const (
	// NoSessionFound means no session exists for the (user, metadata) pair.
	NoSessionFound ValidateException = iota + 1
	// InvalidRefreshToken means the presented token does not match the stored one.
	InvalidRefreshToken
	// SessionExpired means the session reached its expiry.
	SessionExpired
)

func (e ValidateException) Error() string {
	switch e {
	case NoSessionFound:
		return "no session found"
	case InvalidRefreshToken:
		return "invalid refresh token"
	case SessionExpired:
		return "session expired"
	default:
		return fmt.Sprintf("validate session exception(%d)", uint8(e))
	}
}

// Code returns the stable code of the exception.
func (e ValidateException) Code() string {
	switch e {
	case NoSessionFound:
		return CodeNoSessionFound
	case InvalidRefreshToken:
		return CodeInvalidRefreshToken
	case SessionExpired:
		return CodeSessionExpired
	default:
		return "validate_unknown"
	}
}

// SessionsLimitReached is the declared failure of Service.Save when a new
// session would exceed the configured maximum.
type SessionsLimitReached struct {
	Limit int
}

func (e SessionsLimitReached) Error() string {
	return fmt.Sprintf("the limit on the sessions number has been reached, the maximum number of sessions is %d", e.Limit)
}

// Code returns the stable code of the exception.
func (e SessionsLimitReached) Code() string { return CodeSessionsLimitReached }

// UpdateException is the declared failure of Service.Update.
// It re-exposes the validation failure transparently.
type UpdateException struct {
	Cause ValidateException
}

func (e UpdateException) Error() string { return e.Cause.Error() }
func (e UpdateException) Unwrap() error { return e.Cause }

// Code returns the code of the underlying validation failure.
func (e UpdateException) Code() string { return e.Cause.Code() }

// DeleteException is the declared failure of Service.Delete.
// It re-exposes the validation failure transparently.
type DeleteException struct {
	Cause ValidateException
}

func (e DeleteException) Error() string { return e.Cause.Error() }
func (e DeleteException) Unwrap() error { return e.Cause }

// Code returns the code of the underlying validation failure.
func (e DeleteException) Code() string { return e.Cause.Code() }

// ExceptionCode returns the stable code of a declared session exception found in err's chain.
func ExceptionCode(err error) (string, bool) {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	return "", false
}

// NotFoundError is the storage-level "no such session" condition.
// It is declared, not an infrastructure failure.
type NotFoundError struct {
	UserID   UserID
	Metadata string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("session not found (user_id=%d)", int64(e.UserID))
}

// AlreadyExistsError is the storage-level uniqueness violation on (user_id, metadata).
type AlreadyExistsError struct {
	UserID   UserID
	Metadata string
}

func (e AlreadyExistsError) Error() string {
	return fmt.Sprintf("session already exists (user_id=%d)", int64(e.UserID))
}
