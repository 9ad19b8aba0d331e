// Package errs defines the structured errors shared by the orchestrator core.
//
// Every user-visible failure carries a wire-level error code (the W3C
// WebDriver error string) plus a human-readable message, so the protocol
// layer can re-encode it without inspecting message text.
package errs

import (
	"errors"
	"fmt"
)

// Code is a wire-level error code.
type Code string

const (
	CodeInvalidArgument   Code = "invalid argument"
	CodeNoSuchSession     Code = "invalid session id"
	CodeSessionNotCreated Code = "session not created"
	CodeNoProxyCommand    Code = "no driver proxy command"
	CodeUnknownError      Code = "unknown error"
)

// Error is a structured orchestrator error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// InvalidArgument reports a malformed or unvalidatable input.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NoSuchSession reports a command addressed to an absent session id.
func NoSuchSession(sessionID string) *Error {
	return &Error{Code: CodeNoSuchSession, Message: fmt.Sprintf("no session with id %q is active", sessionID)}
}

// SessionNotCreated reports a driver-level failure during session creation.
func SessionNotCreated(err error) *Error {
	return &Error{Code: CodeSessionNotCreated, Message: "could not create session", Err: err}
}

// NoProxyCommand reports that the default behavior needed to proxy a command
// but the driver exposes no proxy operation.
func NoProxyCommand(command string) *Error {
	return &Error{Code: CodeNoProxyCommand, Message: fmt.Sprintf("driver cannot proxy command %q", command)}
}

// Unknown wraps an error that does not know how to self-describe.
func Unknown(err error) *Error {
	return &Error{Code: CodeUnknownError, Message: "an unknown error occurred", Err: err}
}

// CodeOf returns the wire-level code for err, falling back to CodeUnknownError
// for errors constructed outside this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknownError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
