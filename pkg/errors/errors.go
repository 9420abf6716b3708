// Package errors defines the structured error taxonomy shared across the
// call-coordination core.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// ErrCodePermissionDenied — camera or microphone unavailable. Recovered
	// locally (auto-decline / auto-end) and surfaced to the UI.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrCodeStoreUnavailable — a signaling-store read or write failed.
	// Idempotent operations may be retried at the call site; creation
	// failures abort the call attempt.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// ErrCodeStaleNegotiation — a duplicate or out-of-order description was
	// applied. Never surfaced; callers drop it silently.
	ErrCodeStaleNegotiation ErrorCode = "STALE_NEGOTIATION"

	// ErrCodeConnectionFailure — the underlying peer connection entered a
	// terminal failed state. Mapped to call status ended.
	ErrCodeConnectionFailure ErrorCode = "CONNECTION_FAILURE"

	// ErrCodeMalformedRecord — a store snapshot failed validation at the
	// decode boundary.
	ErrCodeMalformedRecord ErrorCode = "MALFORMED_RECORD"

	// ErrCodeCallNotFound — no call record exists for the requested ID.
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// ErrCodeClosed — an operation was attempted on a session, channel, or
	// engine that has already been torn down.
	ErrCodeClosed ErrorCode = "CLOSED"
)

// AppError represents a structured application error with a code, a
// human-readable message, and an optional cause
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an AppError, preserving the original
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or empty string if err is not an
// AppError anywhere in its chain
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

func NewPermissionDenied(message string, err error) *AppError {
	return Wrap(ErrCodePermissionDenied, message, err)
}

func NewStoreUnavailable(message string, err error) *AppError {
	return Wrap(ErrCodeStoreUnavailable, message, err)
}

func NewStaleNegotiation(message string) *AppError {
	return New(ErrCodeStaleNegotiation, message)
}

func NewConnectionFailure(message string, err error) *AppError {
	return Wrap(ErrCodeConnectionFailure, message, err)
}

func NewMalformedRecord(message string, err error) *AppError {
	return Wrap(ErrCodeMalformedRecord, message, err)
}

func NewCallNotFound(callID string) *AppError {
	return New(ErrCodeCallNotFound, fmt.Sprintf("call %s not found", callID))
}

func NewClosed(what string) *AppError {
	return New(ErrCodeClosed, fmt.Sprintf("%s is closed", what))
}
