// Package errors provides the domain error taxonomy shared by every netdoc component
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error type
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrNotFound
	ErrInvalidInput
	ErrCancelled

	// Connection errors raised by the session manager
	ErrUnreachable
	ErrAuthFailed
	ErrTimeout

	// Execution errors
	ErrBusy
	ErrSessionInUse
	ErrExecution
	ErrRejected
	ErrReadTimeout
	ErrTransport

	// Streaming errors
	ErrProtocol
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:      "unknown",
	ErrNotFound:     "not_found",
	ErrInvalidInput: "invalid_input",
	ErrCancelled:    "cancelled",
	ErrUnreachable:  "unreachable",
	ErrAuthFailed:   "auth_failed",
	ErrTimeout:      "timeout",
	ErrBusy:         "busy",
	ErrSessionInUse: "session_in_use",
	ErrExecution:    "execution",
	ErrRejected:     "rejected",
	ErrReadTimeout:  "read_timeout",
	ErrTransport:    "transport",
	ErrProtocol:     "protocol",
}

// String returns the snake_case name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Sentinels usable with errors.Is; matching is done on the code only.
var (
	ErrBusyDevice      = &Error{Code: ErrBusy, Message: "device has an execution in progress"}
	ErrDeviceInUse     = &Error{Code: ErrSessionInUse, Message: "device session is held by another client"}
	ErrDeviceNotFound  = &Error{Code: ErrNotFound, Message: "device not found"}
	ErrMalformedFrame  = &Error{Code: ErrProtocol, Message: "malformed message"}
	ErrSessionDead     = &Error{Code: ErrTransport, Message: "session transport failed"}
	ErrCommandTimedOut = &Error{Code: ErrReadTimeout, Message: "timed out waiting for prompt"}
)

// Error represents a domain-specific error with context
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message provides human-readable error details
	Message string

	// Op describes the operation that failed
	Op string

	// Cause is the underlying error that triggered this one
	Cause error

	// Context holds additional error context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements the errors.Is interface
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error
func New(code ErrorCode, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a code and message
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WithOp adds an operation name to the error
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Op:      op,
			Cause:   err,
		}
	}

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Op:      op,
		Cause:   e.Cause,
		Context: e.Context,
	}
}

// WithContext merges key/value context into the error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Cause:   err,
			Context: context,
		}
	}

	merged := make(map[string]interface{}, len(e.Context)+len(context))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range context {
		merged[k] = v
	}

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Op:      e.Op,
		Cause:   e.Cause,
		Context: merged,
	}
}

// GetCode returns the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// GetContext returns the error context
func GetContext(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// IsNotFound returns true if the error is a not found error
func IsNotFound(err error) bool {
	return GetCode(err) == ErrNotFound
}

// IsBusy returns true if the device already runs an execution
func IsBusy(err error) bool {
	return GetCode(err) == ErrBusy
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	code := GetCode(err)
	return code == ErrTimeout || code == ErrReadTimeout
}

// IsConnectionError reports whether err is one of the ConnectionError kinds
func IsConnectionError(err error) bool {
	switch GetCode(err) {
	case ErrUnreachable, ErrAuthFailed, ErrTimeout:
		return true
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Authentication failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	return code == ErrUnreachable || code == ErrTimeout
}

// Is, As and Unwrap re-export the standard library helpers so callers
// importing this package under the errors name keep them at hand.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func Unwrap(err error) error { return errors.Unwrap(err) }
