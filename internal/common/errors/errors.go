// Package errors defines the error taxonomy shared by all agenthost
// components. Every user-visible or retry-relevant failure is classified by
// Kind so call sites branch on predicates instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation, HTTP mapping, and retries.
type Kind string

const (
	KindNotFound          Kind = "notFound"
	KindInvalidRequest    Kind = "invalidRequest"
	KindConflict          Kind = "conflict"
	KindReadonlyViolation Kind = "readonlyViolation"
	KindInvalidApproval   Kind = "invalidApproval"
	KindTimeout           Kind = "timeout"
	KindProviderError     Kind = "providerError"
	KindOverloaded        Kind = "overloaded"
	KindTransient         Kind = "transient"
	KindInternal          Kind = "internal"
)

// AppError is the canonical error type. It carries a kind, a user-facing
// message and an optional wrapped cause.
type AppError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"error"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.cause }

// HTTPStatus maps the error kind to an HTTP status code.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest, KindInvalidApproval:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindReadonlyViolation:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindOverloaded:
		return http.StatusTooManyRequests
	case KindProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether retrying the operation may succeed. Overloaded
// errors are deliberately non-retryable: backing off does not relieve
// runtime-level resource pressure.
func (e *AppError) Retryable() bool {
	return e.Kind == KindTransient
}

func newError(kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg}
}

// NotFound builds a notFound error; msg is the user-visible body.
func NotFound(msg string) *AppError { return newError(KindNotFound, msg) }

// InvalidRequest builds an invalidRequest error.
func InvalidRequest(msg string) *AppError { return newError(KindInvalidRequest, msg) }

// Conflict builds a conflict error.
func Conflict(msg string) *AppError { return newError(KindConflict, msg) }

// Readonly builds a readonlyViolation error.
func Readonly(msg string) *AppError { return newError(KindReadonlyViolation, msg) }

// InvalidApproval builds an invalidApproval error.
func InvalidApproval(msg string) *AppError { return newError(KindInvalidApproval, msg) }

// Timeout builds a timeout error.
func Timeout(msg string) *AppError { return newError(KindTimeout, msg) }

// Provider builds a providerError wrapping the transport failure.
func Provider(msg string, cause error) *AppError {
	return &AppError{Kind: KindProviderError, Message: msg, cause: cause}
}

// Overloaded builds a non-retryable overloaded error.
func Overloaded(msg string) *AppError { return newError(KindOverloaded, msg) }

// Transient builds a retryable transient error.
func Transient(msg string, cause error) *AppError {
	return &AppError{Kind: KindTransient, Message: msg, cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *AppError {
	return &AppError{Kind: KindInternal, Message: msg, cause: cause}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is classified retryable.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// As extracts an *AppError from err, wrapping unclassified errors as internal
// so HTTP handlers always have a status and body to send.
func As(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err.Error(), err)
}
