// Package errs defines the error taxonomy shared by every component. Errors are
// explicit values carrying a kind, a stable machine-readable code, and a cause.
// Handlers recover only the kinds they can resolve and surface the rest.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and surfacing decisions.
type Kind int

const (
	KindInternal   Kind = iota // catch-all, surfaced as 500 without detail
	KindConfig                 // fatal at startup
	KindAuth                   // surfaced as unauthorized/forbidden
	KindValidation             // surfaced as bad-request with machine-readable code
	KindRateLimit              // surfaced as too-many-requests with retry_after
	KindNotFound
	KindConflict  // e.g. room full, name taken
	KindUpstream  // collaborator failure
	KindTransient // coordination-store timeouts, retried with backoff
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is the concrete error value used throughout the core.
type Error struct {
	Kind    Kind
	Code    string // stable machine-readable code, e.g. "room_full"
	Message string // human-readable
	Cause   error
	// RetryAfter carries seconds-until-retry for rate_limit errors.
	RetryAfter int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Convenience constructors for the common kinds.

func Auth(code, message string) *Error       { return New(KindAuth, code, message) }
func Validation(code, message string) *Error { return New(KindValidation, code, message) }
func NotFound(code, message string) *Error   { return New(KindNotFound, code, message) }
func Conflict(code, message string) *Error   { return New(KindConflict, code, message) }
func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal_error", "internal error", cause)
}
func Upstream(code string, cause error) *Error {
	return Wrap(KindUpstream, code, "upstream dependency failed", cause)
}
func Transient(code string, cause error) *Error {
	return Wrap(KindTransient, code, "transient failure", cause)
}
func RateLimited(retryAfter int64) *Error {
	return &Error{Kind: KindRateLimit, Code: "rate_limited", Message: "too many requests", RetryAfter: retryAfter}
}

// As is errors.As re-exported for callers already importing this package.
func As(err error, target any) bool { return errors.As(err, target) }

// KindOf extracts the kind from any error. Non-taxonomy errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from any error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// Retryable reports whether the error kind is safe to retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUpstream:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
