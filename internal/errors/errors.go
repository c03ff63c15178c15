// Package errors provides error code definitions for the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced across the API boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage          ErrorCode = "STORAGE_ERROR"
	ErrStorageExhausted ErrorCode = "STORAGE_EXHAUSTED"
	ErrMigration        ErrorCode = "MIGRATION_FAILED"

	// Remote call errors
	ErrTransientNetwork ErrorCode = "TRANSIENT_NETWORK"
	ErrRejectedMutation ErrorCode = "REJECTED_MUTATION"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"

	// Sync errors
	ErrConflict        ErrorCode = "CONFLICT"
	ErrDataUnavailable ErrorCode = "DATA_UNAVAILABLE"
	ErrQueueFull       ErrorCode = "QUEUE_FULL"
	ErrMutationInFlight ErrorCode = "MUTATION_IN_FLIGHT"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code. The check unwraps, so a
// wrapped AppError is still recognized.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for untagged errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err is a retryable transient failure.
func IsTransient(err error) bool {
	return Is(err, ErrTransientNetwork)
}

// IsConflict reports whether err is a divergence signal rather than a
// terminal failure.
func IsConflict(err error) bool {
	return Is(err, ErrConflict)
}

// IsRetryable reports whether the retry policy applies to err. Rejections,
// unauthorized credentials and storage exhaustion are terminal: retrying a
// logically invalid mutation forever would starve the queue.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrTransientNetwork:
		return true
	case ErrRejectedMutation, ErrUnauthorized, ErrStorageExhausted, ErrValidation:
		return false
	default:
		return false
	}
}
