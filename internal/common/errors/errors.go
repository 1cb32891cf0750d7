// Package errors provides custom error types for the villaged application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeBadRequest              = "BAD_REQUEST"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeInternalError           = "INTERNAL_ERROR"
	ErrCodeConflict                = "CONFLICT"
	ErrCodeSessionLimit            = "SESSION_LIMIT"
	ErrCodeRunnerLimitExceeded     = "RUNNER_LIMIT_EXCEEDED"
	ErrCodeRunnerNotFound          = "RUNNER_NOT_FOUND"
	ErrCodeRunnerHasActiveSessions = "RUNNER_HAS_ACTIVE_SESSIONS"
	ErrCodeUnsupportedProvider     = "UNSUPPORTED_PROVIDER"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches per-field details to the error and returns it.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// SessionLimit creates an error for a runner that is at session capacity.
func SessionLimit(message string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionLimit,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// RunnerLimitExceeded creates an error for a fleet at maximum runner count.
func RunnerLimitExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeRunnerLimitExceeded,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// RunnerNotFound creates an error for an unknown runner id.
func RunnerNotFound(runnerID string) *AppError {
	return &AppError{
		Code:       ErrCodeRunnerNotFound,
		Message:    fmt.Sprintf("runner with id '%s' not found", runnerID),
		HTTPStatus: http.StatusNotFound,
	}
}

// RunnerHasActiveSessions creates an error for removing a busy runner.
func RunnerHasActiveSessions(runnerID string, active int) *AppError {
	return &AppError{
		Code:       ErrCodeRunnerHasActiveSessions,
		Message:    fmt.Sprintf("runner '%s' still has %d active sessions", runnerID, active),
		HTTPStatus: http.StatusConflict,
	}
}

// UnsupportedProvider creates an error for an unknown repo or agent provider.
func UnsupportedProvider(provider string) *AppError {
	return &AppError{
		Code:       ErrCodeUnsupportedProvider,
		Message:    fmt.Sprintf("provider '%s' is not supported", provider),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		Details:    map[string]interface{}{field: message},
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Details:    appErr.Details,
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound || appErr.Code == ErrCodeRunnerNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConflict || appErr.Code == ErrCodeRunnerHasActiveSessions
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
