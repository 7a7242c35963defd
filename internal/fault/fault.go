// Package fault defines the error taxonomy shared by the service layers.
// Every user-visible error is shaped as {code, message}; internal causes
// are wrapped and never leak to clients.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies an error class.
type Code string

const (
	CodeInvalidRequest      Code = "invalid_request"
	CodeSessionExpired      Code = "session_expired"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeProviderStreamError Code = "provider_stream_error"
	CodeCancelled           Code = "cancelled"
	CodeEmbeddingFailure    Code = "embedding_failure"
	CodeStorageFailure      Code = "storage_failure"
)

// Error carries a stable code and a client-safe message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a fault with the given code and message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a fault; the cause is not part of the
// client-visible message.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf returns the fault code of err, or empty if err is not a fault.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may retry the operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeProviderUnavailable, CodeStorageFailure, CodeEmbeddingFailure:
		return true
	default:
		return false
	}
}
