// Package apperrors defines the error taxonomy shared by every component:
// a small set of sentinel codes that the HTTP facade maps to status codes
// and that the reconciler and agent runner branch on directly.
package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error into one of the categories callers must branch on.
type Code string

const (
	// CodePrecondition means a required precondition was not met (e.g. a
	// session is not in a state that allows the requested operation).
	CodePrecondition Code = "precondition"
	// CodeNotFound means the referenced entity does not exist.
	CodeNotFound Code = "not-found"
	// CodeConflict means the operation collides with another in-flight
	// operation (e.g. a second runner attempting to start on a session
	// that already has one).
	CodeConflict Code = "conflict"
	// CodeEngineFailure means the container engine itself failed
	// (daemon unreachable, API error) as opposed to the workload inside
	// a container failing.
	CodeEngineFailure Code = "engine-failure"
	// CodeAgentFailure means the agent process exited with an error or
	// produced output the runtime could not parse.
	CodeAgentFailure Code = "agent-failure"
	// CodeContainerFailure means a container exited or could not be
	// reached, distinct from the engine managing it failing.
	CodeContainerFailure Code = "container-failure"
	// CodeTransient means the operation may succeed if retried
	// (timeouts, momentary network failures).
	CodeTransient Code = "transient"
)

// Error is a typed application error carrying a Code for dispatch and an
// underlying cause for logging.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error with the given code and message, wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code of err if it (or something it wraps) is an
// *Error, and reports ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
