// Package domain defines the error taxonomy shared by every swarm component
// and surfaced unchanged through the control surface.
package domain

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeNotFound             Code = "not_found"
	CodeConflict             Code = "conflict"
	CodeInvalidConfiguration Code = "invalid_configuration"
	CodeInvalidArgument      Code = "invalid_argument"
	CodeDependencyCycle      Code = "dependency_cycle"
	CodeExternalToolFailure  Code = "external_tool_failure"
	CodeResourceExhausted    Code = "resource_exhausted"
	CodeInternal             Code = "internal"
)

// Error carries a stable Code alongside a human readable message. Cause is
// usually a package sentinel so callers can still match with errors.Is.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func InvalidConfiguration(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidConfiguration, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func ResourceExhausted(format string, args ...any) *Error {
	return &Error{Code: CodeResourceExhausted, Message: fmt.Sprintf(format, args...)}
}

func ExternalToolFailure(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeExternalToolFailure, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Internal(cause error, message string) *Error {
	return &Error{Code: CodeInternal, Message: message, Cause: cause}
}

// AsError finds the outermost *Error in err's chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// CodeOf returns the error's Code, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if typed, ok := AsError(err); ok {
		return typed.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
