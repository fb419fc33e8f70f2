package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure for recovery and HTTP mapping purposes.
type ErrorKind string

// Error kinds.
const (
	KindValidation           ErrorKind = "validation"
	KindAuthentication       ErrorKind = "authentication"
	KindAuthorization        ErrorKind = "authorization"
	KindNotFound             ErrorKind = "not_found"
	KindRateLimit            ErrorKind = "rate_limit"
	KindDatabaseUnavailable  ErrorKind = "database_unavailable"
	KindAIServiceUnavailable ErrorKind = "ai_service_unavailable"
	KindExternalService      ErrorKind = "external_service_error"
	KindBudgetExceeded       ErrorKind = "budget_exceeded"
	KindInternal             ErrorKind = "internal"
)

// Error is the structured error carried across component boundaries.
// Capabilities never panic past their boundary; they return one of these and
// the orchestrator records it while keeping other features alive.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	Suggestion string
	RetryAfter int // seconds, only meaningful for rate_limit
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindDatabaseUnavailable, KindAIServiceUnavailable, KindBudgetExceeded:
		return http.StatusServiceUnavailable
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds a structured error.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError builds a structured error wrapping a cause.
func WrapError(kind ErrorKind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// WithSuggestion attaches a recovery hint for the caller.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// ValidationError is a convenience constructor for malformed input.
func ValidationError(code, message string) *Error {
	return NewError(KindValidation, code, message)
}

// NotFoundError is a convenience constructor for unknown ids.
func NotFoundError(code, message string) *Error {
	return NewError(KindNotFound, code, message)
}

// AsError extracts a *Error from err, or wraps err as an internal error.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return WrapError(KindInternal, "INTERNAL_ERROR", "internal error", err)
}
