// Package errors defines the application error type and the closed set of
// error codes surfaced by the API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error category. The set is closed: handlers map every
// error to exactly one of these.
type Code string

const (
	CodeInvalidArgument   Code = "invalid_argument"
	CodeUnauthenticated   Code = "unauthenticated"
	CodePermissionDenied  Code = "permission_denied"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeTimeout           Code = "timeout"
	CodeUnavailable       Code = "unavailable"
	CodeInternal          Code = "internal"
)

// HTTPStatus returns the HTTP status code for an error code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether an operation failing with this code may succeed
// on retry. Used by the ingest worker's backoff loop.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeUnavailable, CodeTimeout, CodeResourceExhausted:
		return true
	default:
		return false
	}
}

// AppError is the custom error type carried across service boundaries.
type AppError struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to work.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured detail fields to the error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// Constructor functions for each code.

func NewInvalidArgument(message string) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: message}
}

func NewUnauthenticated(message string) *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: message}
}

func NewPermissionDenied(message string) *AppError {
	return &AppError{Code: CodePermissionDenied, Message: message}
}

func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

func NewConflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

func NewResourceExhausted(message string) *AppError {
	return &AppError{Code: CodeResourceExhausted, Message: message}
}

func NewTimeout(message string) *AppError {
	return &AppError{Code: CodeTimeout, Message: message}
}

func NewUnavailable(message string, err error) *AppError {
	return &AppError{Code: CodeUnavailable, Message: message, Err: err}
}

func NewInternal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context, preserving its code if it is
// already an AppError.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Details: appErr.Details,
			Err:     appErr.Err,
		}
	}

	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// CodeOf returns the code of an error, defaulting to internal for errors that
// did not originate from this package.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Code checking predicates.

func is(err error, code Code) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsInvalidArgument(err error) bool { return is(err, CodeInvalidArgument) }
func IsUnauthenticated(err error) bool { return is(err, CodeUnauthenticated) }
func IsNotFound(err error) bool        { return is(err, CodeNotFound) }
func IsConflict(err error) bool        { return is(err, CodeConflict) }
func IsTimeout(err error) bool         { return is(err, CodeTimeout) }
func IsUnavailable(err error) bool     { return is(err, CodeUnavailable) }
func IsInternal(err error) bool        { return is(err, CodeInternal) }

// IsRetryable reports whether the error is transient.
func IsRetryable(err error) bool {
	return CodeOf(err).IsRetryable()
}
