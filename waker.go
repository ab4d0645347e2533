// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

import (
	"sync/atomic"
)

// WakeInstruction is the value an [ArcWaker]'s promise fulfills with,
// telling the awaiter whether the wake was genuine.
type WakeInstruction uint8

const (
	// WakeInstructionWake indicates the future requested a wake: poll again.
	WakeInstructionWake WakeInstruction = iota

	// WakeInstructionIgnore indicates every waker clone was dropped without
	// a wake. The future must be waiting on something else (a directly
	// polled promise, or nothing at all, as with a never-done future).
	WakeInstructionIgnore
)

// String returns a human-readable representation of the instruction.
func (w WakeInstruction) String() string {
	switch w {
	case WakeInstructionWake:
		return "Wake"
	case WakeInstructionIgnore:
		return "Ignore"
	default:
		return "Unknown"
	}
}

// Waker is handed to [Future.Poll] so a pending future can request a later
// re-poll. Clones may travel to any goroutine; Wake, WakeByRef, and Drop on
// a clone are safe from anywhere.
//
// Ownership follows move semantics: Wake consumes the clone (it implies
// Drop), WakeByRef does not, and every clone must eventually be consumed by
// exactly one Wake or Drop.
type Waker interface {
	// Clone returns a new owned reference to the same wake target.
	Clone() Waker

	// Wake requests a re-poll and consumes this reference.
	Wake()

	// WakeByRef requests a re-poll without consuming this reference.
	WakeByRef()

	// Drop releases this reference without requesting a re-poll.
	Drop()
}

// NoopWaker ignores all wakes. Handed out in place of a real clone when the
// wake it would deliver is already guaranteed.
type NoopWaker struct{}

var _ Waker = NoopWaker{}

// Clone returns another NoopWaker.
func (NoopWaker) Clone() Waker { return NoopWaker{} }

// Wake does nothing.
func (NoopWaker) Wake() {}

// WakeByRef does nothing.
func (NoopWaker) WakeByRef() {}

// Drop does nothing.
func (NoopWaker) Drop() {}

// ArcWaker is a reference-counted waker backed by a promise. The first wake
// on any clone fulfills the promise with [WakeInstructionWake]; if every
// clone is dropped without a wake, the promise fulfills with
// [WakeInstructionIgnore] so the awaiter knows not to expect one.
//
// All operations are safe from any goroutine. The promise settles exactly
// once; wakes after the first are ignored by the promise itself.
type ArcWaker struct {
	refs    atomic.Int64
	promise *Promise
	resolve ResolveFunc
}

var _ Waker = (*ArcWaker)(nil)

// newArcWaker creates a waker/promise pair bound to loop. The returned waker
// holds one reference.
func newArcWaker(loop *Loop) (*Promise, *ArcWaker) {
	p, resolve, _ := NewPromise(loop)
	w := &ArcWaker{promise: p, resolve: resolve}
	w.refs.Store(1)
	return p, w
}

// Clone adds a reference.
func (w *ArcWaker) Clone() Waker {
	if n := w.refs.Add(1); n <= 1 {
		panic("futurebridge: waker cloned after final drop")
	}
	return w
}

// WakeByRef fulfills the promise with [WakeInstructionWake], keeping this
// reference alive.
func (w *ArcWaker) WakeByRef() {
	w.resolve(WakeInstructionWake)
}

// Wake fulfills the promise with [WakeInstructionWake] and consumes this
// reference.
func (w *ArcWaker) Wake() {
	w.WakeByRef()
	w.Drop()
}

// Drop releases this reference. The last drop fulfills the promise with
// [WakeInstructionIgnore]; if a wake already fulfilled it, this is a no-op.
func (w *ArcWaker) Drop() {
	n := w.refs.Add(-1)
	if n == 0 {
		w.resolve(WakeInstructionIgnore)
	} else if n < 0 {
		panic("futurebridge: waker dropped more times than cloned")
	}
}
