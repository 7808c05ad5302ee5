// Package errors provides the application error taxonomy shared across the
// orchestrator core. Every error that crosses a component boundary is one of
// these kinds with a human-readable message.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBusy                = "BUSY"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeConnectorSpawn      = "CONNECTOR_SPAWN_ERROR"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ErrCodeConstraintViolation = "CONSTRAINT_VIOLATION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeQueueFull           = "QUEUE_FULL"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with a stable code.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
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

// Retryable reports whether the failure is transient and worth retrying
// with backoff.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case ErrCodeStorageUnavailable, ErrCodeBusy, ErrCodeQueueFull, ErrCodeTimeout:
		return true
	}
	return false
}

// InvalidInput creates an error for malformed caller input. Never retried.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidTransition creates an error for an illegal status change. The
// original state is preserved by the caller.
func InvalidTransition(entity, from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("illegal %s transition %s -> %s", entity, from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// NotFound creates an error for a missing resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Busy signals that a connector has no free command slot.
func Busy(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBusy,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Timeout signals that a command exceeded its deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ConnectorSpawn signals a failure to launch the agent child process.
func ConnectorSpawn(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeConnectorSpawn,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// StorageUnavailable signals a transient persistence failure.
func StorageUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ConstraintViolation signals that persistence rejected an invariant.
// Treated as a bug in the caller.
func ConstraintViolation(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeConstraintViolation,
		Message:    message,
		HTTPStatus: http.StatusConflict,
		Err:        err,
	}
}

// Cancelled signals an externally requested or shutdown-induced abort.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// QueueFull signals queue backpressure; clients should retry with backoff.
func QueueFull(pending, max int) *AppError {
	return &AppError{
		Code:       ErrCodeQueueFull,
		Message:    fmt.Sprintf("task queue is full (%d/%d pending)", pending, max),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// InternalError creates an internal error with a wrapped cause.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, preserving the code
// and status of an AppError cause.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode checks whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// IsInvalidTransition checks if the error is an invalid transition error.
func IsInvalidTransition(err error) bool {
	return IsCode(err, ErrCodeInvalidTransition)
}

// IsStorageUnavailable checks if the error is a transient storage failure.
func IsStorageUnavailable(err error) bool {
	return IsCode(err, ErrCodeStorageUnavailable)
}

// IsBusy checks if the error indicates a connector without free slots.
func IsBusy(err error) bool {
	return IsCode(err, ErrCodeBusy)
}

// IsTimeout checks if the error is a deadline expiry.
func IsTimeout(err error) bool {
	return IsCode(err, ErrCodeTimeout)
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
