// Package errors provides error code definitions shared across the engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can cross the FFI boundary to the host app unchanged.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase    ErrorCode = "DATABASE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrConstraint  ErrorCode = "CONSTRAINT_VIOLATION"
	ErrTransaction ErrorCode = "TRANSACTION_FAILED"

	// Sync errors
	ErrSyncTransient  ErrorCode = "SYNC_TRANSIENT"  // network unreachable, timeout, 5xx
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"   // remote validation failure, 4xx
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"   // divergent local/remote versions
	ErrSyncSuspended  ErrorCode = "SYNC_SUSPENDED"  // engine offline
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrQueueCorrupt   ErrorCode = "QUEUE_CORRUPT"
)

// AppError represents an engine error with code and message.
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

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the error code from an error chain.
// Returns ErrInternal for errors that carry no code.
func Code(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	return Is(err, ErrSyncTransient)
}

// IsPermanent reports whether the remote rejected the payload outright.
// Permanent failures are never retried; the owning record is flagged instead.
func IsPermanent(err error) bool {
	return Is(err, ErrSyncRejected)
}
