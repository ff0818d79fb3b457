// Package apperrors defines the error taxonomy shared across the
// conversation platform, and the HTTP status/envelope mapping for it.
package apperrors

import (
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an AppError for HTTP translation and caller behavior.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindProviderTimeout    Kind = "PROVIDER_TIMEOUT"
	KindProviderUnavailable Kind = "PROVIDER_UNAVAILABLE"
	KindProviderError      Kind = "PROVIDER_ERROR"
	KindInternal           Kind = "INTERNAL"
)

// AppError is the single typed error returned across component boundaries.
// Code is a short machine-readable identifier (e.g. "DUPLICATE_DOCUMENT_CONTENT");
// Message is sanitized for client display; Details is populated only for
// client-side validation failures.
type AppError struct {
	Kind      Kind
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Timestamp time.Time
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func newErr(kind Kind, code, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message, Timestamp: time.Now().UTC()}
}

func NewValidation(code, message string) *AppError { return newErr(KindValidation, code, message) }

func NewValidationWithDetails(code, message string, details map[string]interface{}) *AppError {
	e := newErr(KindValidation, code, message)
	e.Details = details
	return e
}

func NewNotFound(entity, key string) *AppError {
	return newErr(KindNotFound, "NOT_FOUND", fmt.Sprintf("%s '%s' not found", entity, key))
}

func NewConflict(code, message string) *AppError { return newErr(KindConflict, code, message) }

func NewUnauthorized(message string) *AppError {
	return newErr(KindUnauthorized, "UNAUTHORIZED", message)
}

func NewForbidden(message string) *AppError { return newErr(KindForbidden, "FORBIDDEN", message) }

func NewRateLimited(message string) *AppError {
	return newErr(KindRateLimited, "RATE_LIMITED", message)
}

func NewQuotaExceeded(message string) *AppError {
	return newErr(KindQuotaExceeded, "QUOTA_EXCEEDED", message)
}

func NewProviderTimeout(message string) *AppError {
	return newErr(KindProviderTimeout, "PROVIDER_TIMEOUT", message)
}

func NewProviderUnavailable(message string) *AppError {
	return newErr(KindProviderUnavailable, "PROVIDER_UNAVAILABLE", message)
}

func NewProviderError(message string) *AppError {
	return newErr(KindProviderError, "PROVIDER_ERROR", message)
}

func Wrap(cause error, code, message string) *AppError {
	e := newErr(KindInternal, code, message)
	e.Cause = cause
	return e
}

// StatusCode maps a Kind to its HTTP status per the error handling design.
func (k Kind) StatusCode() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited, KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindProviderTimeout, KindProviderUnavailable:
		return http.StatusBadGateway
	case KindProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *AppError from err, falling back to a generic Internal
// error if err is not (or does not wrap) one.
func As(err error) *AppError {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ae, ok := e.(*AppError); ok {
			return ae
		}
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return &AppError{
		Kind:      KindInternal,
		Code:      "INTERNAL",
		Message:   "internal error",
		Cause:     err,
		Timestamp: time.Now().UTC(),
	}
}
