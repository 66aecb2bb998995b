package tool

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is a stable error code surfaced to callers.
type Code string

const (
	CodeUnauthenticated     Code = "unauthenticated"
	CodePermissionDenied    Code = "permission_denied"
	CodeRateLimitExceeded   Code = "rate_limit_exceeded"
	CodeValidation          Code = "validation_error"
	CodeToolNotFound        Code = "tool_not_found"
	CodeToolExecutionFailed Code = "tool_execution_failed"
	CodeCancelled           Code = "cancelled"
	CodeIncompleteStream    Code = "incomplete_stream"
)

// Error is the only error type that crosses the dispatcher boundary.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	// Set for CodeValidation.
	Field  string
	Reason string

	// Set for CodeRateLimitExceeded.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: CodeCancelled}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or "" when err is nil or untyped.
func CodeOf(err error) Code {
	if te, ok := AsError(err); ok {
		return te.Code
	}
	return ""
}

func Unauthenticated(reason string) *Error {
	if reason == "" {
		reason = "authentication required"
	}
	return &Error{Code: CodeUnauthenticated, Message: reason}
}

func PermissionDenied(missing []string) *Error {
	return &Error{
		Code:    CodePermissionDenied,
		Message: "missing permissions: " + strings.Join(missing, ", "),
		Details: map[string]any{"missing_permissions": append([]string(nil), missing...)},
	}
}

func RateLimitExceeded(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimitExceeded,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
		Details:    map[string]any{"retry_after_seconds": retryAfter.Seconds()},
	}
}

func Validation(field, reason string) *Error {
	msg := reason
	if field != "" {
		msg = field + ": " + reason
	}
	return &Error{
		Code:    CodeValidation,
		Message: msg,
		Field:   field,
		Reason:  reason,
		Details: map[string]any{"field": field, "reason": reason},
	}
}

func ToolNotFound(name string) *Error {
	return &Error{
		Code:    CodeToolNotFound,
		Message: fmt.Sprintf("tool %q not found", name),
		Details: map[string]any{"tool_name": name},
	}
}

func ExecutionFailed(message string, details map[string]any) *Error {
	if message == "" {
		message = "tool execution failed"
	}
	return &Error{Code: CodeToolExecutionFailed, Message: message, Details: details}
}

func Cancelled(message string) *Error {
	if message == "" {
		message = "invocation cancelled"
	}
	return &Error{Code: CodeCancelled, Message: message}
}

func IncompleteStream() *Error {
	return &Error{Code: CodeIncompleteStream, Message: "stream ended without a final result"}
}
