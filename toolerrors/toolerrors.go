// Package toolerrors provides a structured error type for tool invocation
// failures. ToolError preserves message and causal context while remaining
// a standard Go error, so callers can use errors.Is/errors.As across tool
// invocation, retry, and escalation boundaries.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError represents a structured tool failure. Tool errors may be nested
// via Cause to retain diagnostics across retries, policy rewrites, and
// escalation hops, while still serializing cleanly as a flat message chain.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, enabling error chains with
	// errors.Is/errors.As.
	Cause *ToolError
}

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so error metadata survives
// serialization while still supporting errors.Is/errors.As through Unwrap.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the result as a
// ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
