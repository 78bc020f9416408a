package handler

import (
	"errors"
	"fmt"
)

// Sentinel errors for handlers.
var (
	// ErrUnrecognizedRequest is returned when no handler claims a request.
	ErrUnrecognizedRequest = errors.New("handler: unrecognized request")

	// ErrDecode is returned when image bytes cannot be decoded.
	ErrDecode = errors.New("handler: decode failed")

	// ErrNotFound is returned when the referenced image does not exist.
	ErrNotFound = errors.New("handler: not found")
)

// transientError marks a failure that may succeed if retried.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	return &transientError{err: err}
}

// Transientf formats an error and marks it retryable.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether err, or any error it wraps, was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
