// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

import (
	"fmt"
)

// PanicError wraps a value recovered from a panic so it can travel through
// error-returning paths. Panics inside a polled future or a promise handler
// surface as a PanicError in the failure arm rather than unwinding the loop.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("recovered panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
//
// If the panic Value is not an error (e.g., a string or other type),
// returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// RejectionError wraps a non-error promise rejection reason so it can cross
// into the failure arm of a polled future, which carries errors.
type RejectionError struct {
	Reason Result
}

// Error implements the error interface.
func (e RejectionError) Error() string {
	return fmt.Sprintf("promise rejected: %v", e.Reason)
}

// rejectionToError converts an arbitrary rejection reason into an error,
// passing errors through unchanged.
func rejectionToError(reason Result) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return RejectionError{Reason: reason}
}

// WrapError wraps an error with a message and optional cause chain.
// The result satisfies errors.Is(result, cause) == true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
