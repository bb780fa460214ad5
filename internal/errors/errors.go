/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the closed error-kind taxonomy shared by every
// component of the platform core. Every component-level error returned
// across a package boundary is, or wraps, an *AppError so that callers
// can make transport-independent decisions (HTTP status, log severity,
// retry eligibility) without inspecting error strings.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType is the closed set of error kinds a component may return.
type ErrorType string

const (
	// ErrorTypeValidation is a semantically invalid request (BadRequest in spec terms).
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeAuth means no credentials or invalid credentials were presented.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeForbidden means credentials are valid but the actor lacks the permission.
	ErrorTypeForbidden ErrorType = "forbidden"
	// ErrorTypeNotFound means the referenced entity does not exist.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict means a uniqueness violation or illegal state transition.
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeTimeout means an operation exceeded its deadline.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeRateLimit means the caller exceeded an allowed rate.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnavailable is a transient failure: cache down, orchestrator
	// unreachable, ops-repo remote timed out. Safe to retry.
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeDatabase wraps a database-layer failure.
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeNetwork wraps a network-layer failure.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeInternal is an invariant violation or unclassified failure.
	ErrorTypeInternal ErrorType = "internal"
)

// statusCodes maps every ErrorType to its HTTP status, for transports that
// need one. The component layer itself never imports net/http outside this
// mapping table.
var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:  http.StatusBadRequest,
	ErrorTypeAuth:        http.StatusUnauthorized,
	ErrorTypeForbidden:   http.StatusForbidden,
	ErrorTypeNotFound:    http.StatusNotFound,
	ErrorTypeConflict:    http.StatusConflict,
	ErrorTypeTimeout:     http.StatusRequestTimeout,
	ErrorTypeRateLimit:   http.StatusTooManyRequests,
	ErrorTypeUnavailable: http.StatusServiceUnavailable,
	ErrorTypeDatabase:    http.StatusInternalServerError,
	ErrorTypeNetwork:     http.StatusInternalServerError,
	ErrorTypeInternal:    http.StatusInternalServerError,
}

// messages holds the user-safe text for error types whose raw Message may
// contain internal detail (a query, a stack fragment). ErrorTypeValidation
// and ErrorTypeForbidden are deliberately absent: their Message is already
// meant for the caller, so SafeErrorMessage passes it through.
var messages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
	ServiceUnavailable     string
	InternalError          string
}{
	ResourceNotFound:       "the requested resource was not found",
	AuthenticationFailed:   "authentication failed",
	OperationTimeout:       "the operation timed out",
	RateLimitExceeded:      "rate limit exceeded",
	ConcurrentModification: "the resource was modified concurrently, please retry",
	ServiceUnavailable:     "the service is temporarily unavailable",
	InternalError:          "an internal error occurred",
}

// ErrorMessages exposes the safe-message table for callers that want to
// assert on or reuse the canonical text.
var ErrorMessages = messages

// AppError is the concrete error type every component returns.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

// New creates an AppError of the given type with no cause.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodes[t],
	}
}

// Wrap creates an AppError of the given type around an existing error.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodes[t],
		Cause:      cause,
	}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches additional, non-user-facing detail and returns the
// same error so calls can chain: return errors.New(...).WithDetails(...).
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with a formatted string.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Predefined constructors for the kinds every component reaches for most.

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewForbiddenError(message string) *AppError { return New(ErrorTypeForbidden, message) }

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError { return New(ErrorTypeConflict, message) }

func NewAuthError(message string) *AppError { return New(ErrorTypeAuth, message) }

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

func NewUnavailableError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeUnavailable, "unavailable: %s", operation)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}

// GetType returns err's ErrorType, or ErrorTypeInternal for any error that
// isn't an *AppError (an unclassified error is, by definition, a bug we
// haven't taxonomized yet — internal, not a silent pass-through).
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err's type.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns text safe to return to an untrusted caller.
// Validation and Forbidden messages are caller-authored and pass through;
// every other kind is replaced by a canned message so internal detail
// (table names, queries, stack fragments) never leaks.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeForbidden:
		return appErr.Message
	case ErrorTypeNotFound:
		return messages.ResourceNotFound
	case ErrorTypeAuth:
		return messages.AuthenticationFailed
	case ErrorTypeTimeout:
		return messages.OperationTimeout
	case ErrorTypeRateLimit:
		return messages.RateLimitExceeded
	case ErrorTypeConflict:
		return messages.ConcurrentModification
	case ErrorTypeUnavailable:
		return messages.ServiceUnavailable
	default:
		return "An internal error occurred"
	}
}

// LogFields projects an error into a flat map suitable for logrus.WithFields.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}
