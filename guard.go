// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

import (
	"errors"
	"fmt"
)

// ErrWrongGoroutine is returned when a guarded value is accessed from
// outside its owning loop's goroutine.
var ErrWrongGoroutine = errors.New("futurebridge: value accessed from outside its event loop goroutine")

// ErrGuardReleased is returned when a guarded value is accessed after
// Release.
var ErrGuardReleased = errors.New("futurebridge: guarded value already released")

// Guarded wraps a value with loop-goroutine affinity. The value may only be
// accessed from the goroutine running the owning loop; access from any other
// goroutine fails. Release is similarly confined: tearing the value down
// from a foreign goroutine is a protocol violation and panics.
//
// The wrapped value itself needs no internal synchronization, because every
// successful access is serialized on the loop goroutine.
type Guarded[T any] struct {
	loop     *Loop
	value    T
	released bool
}

// NewGuarded wraps value with affinity to loop's goroutine.
func NewGuarded[T any](loop *Loop, value T) *Guarded[T] {
	return &Guarded[T]{loop: loop, value: value}
}

// Loop returns the loop whose goroutine owns the guarded value.
func (g *Guarded[T]) Loop() *Loop {
	return g.loop
}

// TryGet returns the guarded value if called from the owning loop's
// goroutine and the value has not been released.
func (g *Guarded[T]) TryGet() (*T, bool) {
	if !g.loop.IsCurrent() || g.released {
		return nil, false
	}
	return &g.value, true
}

// Get returns the guarded value, or an error identifying the failed
// operation if called from the wrong goroutine or after release.
func (g *Guarded[T]) Get(op string) (*T, error) {
	if !g.loop.IsCurrent() {
		return nil, fmt.Errorf("%s: %w", op, ErrWrongGoroutine)
	}
	if g.released {
		return nil, fmt.Errorf("%s: %w", op, ErrGuardReleased)
	}
	return &g.value, nil
}

// MustGet returns the guarded value, panicking on cross-goroutine access or
// access after release. Use where such access indicates a protocol violation
// rather than a recoverable condition.
func (g *Guarded[T]) MustGet(op string) *T {
	v, err := g.Get(op)
	if err != nil {
		panic(err)
	}
	return v
}

// Release drops the guarded value, zeroing it for the collector. Must be
// called from the owning loop's goroutine; releasing from a foreign
// goroutine panics. Release after release is a no-op.
func (g *Guarded[T]) Release() {
	if !g.loop.IsCurrent() {
		panic(fmt.Errorf("release: %w", ErrWrongGoroutine))
	}
	if g.released {
		return
	}
	g.released = true
	var zero T
	g.value = zero
}
