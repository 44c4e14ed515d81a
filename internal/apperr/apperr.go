// Package apperr defines the operational error taxonomy shared by every
// surface of the control plane.
//
// Errors are classified into a closed set of kinds. Handlers translate any
// error into exactly one kind at the HTTP boundary; everything unclassified
// leaves the process as KindInternal with a generic message so that
// database-shaped errors (duplicate key, constraint violation, syntax) never
// leak their origin.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable error category carried across the HTTP boundary.
type Kind string

const (
	KindAuthRequired       Kind = "auth_required"
	KindAuthInvalid        Kind = "auth_invalid"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindValidationFailed   Kind = "validation_failed"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

// Error is a classified operational error. RetryAfter is only meaningful for
// KindRateLimited; Details is only emitted outside production.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int
	Details    map[string]interface{}

	cause error
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause is preserved for errors.Is /
// errors.As but never rendered to external callers.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithRetryAfter attaches a retry hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// WithDetails attaches non-production diagnostic detail.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf walks the error chain and returns the first classified kind.
// Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Sanitize returns an error safe to render externally. Classified errors pass
// through; anything else collapses to KindInternal with a generic message so
// stack traces and driver errors never reach a caller.
func Sanitize(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Kind == KindInternal {
			return &Error{Kind: KindInternal, Message: "internal error", cause: ae}
		}
		return ae
	}
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}
