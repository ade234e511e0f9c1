package orchestrator

import (
	"errors"
	"fmt"
)

// Code is the machine-readable failure category returned to tool callers.
type Code string

const (
	CodeInvalidParams     Code = "invalid_params"
	CodeInvalidTransition Code = "invalid_transition"
	CodeNotFound          Code = "not_found"
	CodeNotOwner          Code = "not_owner"
	CodeAgentCapReached   Code = "agent_cap_reached"
	CodeNameCollision     Code = "name_collision"
	CodeSpawnTimeout      Code = "spawn_timeout"
	CodeSpawnFailed       Code = "spawn_failed"
	CodeAlreadyAssigned   Code = "already_assigned"
	CodeStillSpawning     Code = "still_spawning"
	CodeNotRunning        Code = "not_running"
	CodeDeliveryFailed    Code = "delivery_failed"
)

// Error is the typed failure of a supervisor operation.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

var (
	ErrInvalidParams     = &Error{Code: CodeInvalidParams}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrNotOwner          = &Error{Code: CodeNotOwner}
	ErrAgentCapReached   = &Error{Code: CodeAgentCapReached}
	ErrNameCollision     = &Error{Code: CodeNameCollision}
	ErrSpawnTimeout      = &Error{Code: CodeSpawnTimeout}
	ErrSpawnFailed       = &Error{Code: CodeSpawnFailed}
	ErrAlreadyAssigned   = &Error{Code: CodeAlreadyAssigned}
	ErrStillSpawning     = &Error{Code: CodeStillSpawning}
	ErrNotRunning        = &Error{Code: CodeNotRunning}
	ErrDeliveryFailed    = &Error{Code: CodeDeliveryFailed}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) with(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}

// CodeOf returns the code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
