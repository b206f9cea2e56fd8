package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates a malformed or inconsistent playbook, options file or
	// environment. Configuration errors abort the run and are never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrData indicates that a record could not be processed by a stage
	// (unresolvable split path, script failure). In the current design a data error
	// is fatal for the whole run.
	ErrData = errors.New("data error")

	// ErrNotImplemented is returned when the engine reaches a module kind that has
	// no execution semantics yet.
	ErrNotImplemented = errors.New("module kind not implemented")

	// ErrRecursionLimit indicates the tree walk went deeper than the configured
	// ceiling, most likely because of a cycle in input references.
	ErrRecursionLimit = fmt.Errorf("%w: recursion limit exceeded", ErrConfiguration)

	// ErrBadPath indicates a splitting path that does not resolve to an array.
	ErrBadPath = fmt.Errorf("%w: bad array path", ErrData)

	// ErrScript indicates that an evaluated script raised or returned an unusable value.
	ErrScript = fmt.Errorf("%w: script failure", ErrData)

	// ErrPoolClosed indicates that work was submitted to a stopped worker pool.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Error represents a structured error tied to a pipeline stage.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Module is the name of the playbook module the error originated from, if any
	Module string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := "[" + e.Code + "]"
	if e.Module != "" {
		prefix += " module " + e.Module
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new stage error
func NewError(code, module, message string, err error) *Error {
	return &Error{
		Code:    code,
		Module:  module,
		Message: message,
		Err:     err,
	}
}

// Configf builds a configuration error for the given module.
func Configf(module, format string, args ...any) *Error {
	return NewError("config", module, fmt.Sprintf(format, args...), ErrConfiguration)
}

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsData checks if an error is a data error
func IsData(err error) bool {
	return errors.Is(err, ErrData)
}

// IsNotImplemented checks if an error signals an unimplemented module kind
func IsNotImplemented(err error) bool {
	return errors.Is(err, ErrNotImplemented)
}
