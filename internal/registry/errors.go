package registry

import (
	"errors"
	"fmt"
)

// Error kinds for registry operations. Callers classify failures with
// errors.Is against these sentinels; the user-facing message rides on the
// wrapping Error value. All failures are synchronous outcomes of a single
// call and are never retried by the registry itself.
var (
	ErrInvalidFormat    = errors.New("invalid format")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrFeatureDisabled  = errors.New("feature disabled")
	ErrLimitExceeded    = errors.New("limit exceeded")
)

// Error pairs an error kind with a human-readable message.
type Error struct {
	kind    error
	message string
}

func (e *Error) Error() string { return e.message }

func (e *Error) Unwrap() error { return e.kind }

func newError(kind error, format string, args ...any) error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

func invalidFormat(format string, args ...any) error {
	return newError(ErrInvalidFormat, format, args...)
}

func conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

func permissionDenied(format string, args ...any) error {
	return newError(ErrPermissionDenied, format, args...)
}

func notFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

func featureDisabled(format string, args ...any) error {
	return newError(ErrFeatureDisabled, format, args...)
}

func limitExceeded(format string, args ...any) error {
	return newError(ErrLimitExceeded, format, args...)
}
