package provider

import (
	"errors"
	"fmt"
)

// Error classes. Use errors.Is(err, provider.ErrNetwork) to check.
var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrDatabase marks a local store failure.
	ErrDatabase = errors.New("database error")

	// ErrNetwork marks a transient remote transport failure. Retried.
	ErrNetwork = errors.New("network error")

	// ErrProvider marks misconfiguration, such as a missing credential.
	ErrProvider = errors.New("provider error")

	// ErrSync marks a failure in the middle of a sync pass.
	ErrSync = errors.New("sync error")

	// ErrClosed is returned by providers used after Close or before Init.
	ErrClosed = errors.New("provider not connected")
)

// Error wraps a cause with its class and the failing operation.
type Error struct {
	Class error
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

// Unwrap exposes both the class and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// Wrap classifies err. It returns nil for a nil err and leaves errors that
// already carry a class untouched.
func Wrap(class error, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf returns the class of err, or nil if it has none.
func ClassOf(err error) error {
	for _, class := range []error{ErrValidation, ErrDatabase, ErrNetwork, ErrProvider, ErrSync} {
		if errors.Is(err, class) {
			return class
		}
	}
	return nil
}
