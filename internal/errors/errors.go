// Package errors provides error codes shared by the reconciliation engine and its shells.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrConfig     ErrorCode = "CONFIG_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueStorage ErrorCode = "QUEUE_STORAGE_ERROR"
	ErrInvalidState ErrorCode = "INVALID_STATE"

	// Delivery errors
	ErrDeliveryRetryable      ErrorCode = "DELIVERY_RETRYABLE"
	ErrDeliveryTerminal       ErrorCode = "DELIVERY_TERMINAL"
	ErrDeliveryAlreadyApplied ErrorCode = "DELIVERY_ALREADY_APPLIED"

	// Sync errors
	ErrSyncFailed   ErrorCode = "SYNC_FAILED"
	ErrSyncOffline  ErrorCode = "SYNC_OFFLINE"
	ErrSyncTimeout  ErrorCode = "SYNC_TIMEOUT"
	ErrSyncAuthFail ErrorCode = "SYNC_AUTH_FAILED"
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

// Is checks if an error, or any error it wraps, carries a specific code.
// The outermost AppError in the chain wins.
func Is(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// CodeOf returns the code of the outermost AppError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code, true
	}
	return "", false
}

// Retryable marks a delivery failure that may succeed on a later attempt
// (network failure, timeout, 5xx).
func Retryable(message string, err error) *AppError {
	return Wrap(ErrDeliveryRetryable, message, err)
}

// Terminal marks a delivery failure the remote system will never accept
// (validation rejection, authorization failure).
func Terminal(message string, err error) *AppError {
	return Wrap(ErrDeliveryTerminal, message, err)
}

// AlreadyApplied marks a delivery the remote system has already applied
// under the same idempotency key.
func AlreadyApplied(remoteID string) *AppError {
	return New(ErrDeliveryAlreadyApplied, "already applied as "+remoteID)
}

// Storage wraps a durable queue failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrQueueStorage, message, err)
}

// IsRetryable reports whether err is a retryable delivery error.
func IsRetryable(err error) bool {
	return Is(err, ErrDeliveryRetryable)
}

// IsTerminal reports whether err is a terminal delivery error.
func IsTerminal(err error) bool {
	return Is(err, ErrDeliveryTerminal)
}

// IsAlreadyApplied reports whether err signals an idempotent replay.
func IsAlreadyApplied(err error) bool {
	return Is(err, ErrDeliveryAlreadyApplied)
}

// IsStorage reports whether err is a durable queue failure.
func IsStorage(err error) bool {
	return Is(err, ErrQueueStorage)
}
