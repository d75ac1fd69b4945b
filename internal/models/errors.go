package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured marks a feature whose credentials are absent.
	ErrNotConfigured = errors.New("not configured")
	// ErrNoCredential means the user has no usable activity authorization.
	ErrNoCredential = errors.New("no activity credential")
	// ErrInvalidUser is returned when an identifier normalizes to nothing.
	ErrInvalidUser = errors.New("invalid user identifier")
	// ErrNotFound is returned by lookups that must find a record.
	ErrNotFound = errors.New("not found")
)

// TransientError wraps a failure of a dependency that may succeed on retry:
// the language model, a transport, a third-party API or storage.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError; nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err contains a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
