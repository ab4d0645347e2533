// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

import (
	"sync"
	"sync/atomic"
)

// LazyWaker is the root waker an awaiter lends to [Future.Poll]. It defers
// allocating an [ArcWaker]/promise pair until a future actually clones it,
// so the common same-goroutine wake-by-ref path costs one atomic increment.
//
// The root waker is lent, never owned: a correct future may Clone or
// WakeByRef it, but calling Wake or Drop on the root (rather than on a
// clone) is a protocol violation and panics.
//
// After each poll, [LazyWaker.Reset] reports what happened and returns the
// waker to its initial state for the next poll.
type LazyWaker struct {
	loop *Loop

	// Synchronous wakes (WakeByRef on the root) since the last reset.
	wakeCount atomic.Uint32

	mu            sync.Mutex
	clonedPromise *Promise
	clonedWaker   *ArcWaker
}

var _ Waker = (*LazyWaker)(nil)

// NewLazyWaker creates a lazy waker bound to loop.
func NewLazyWaker(loop *Loop) *LazyWaker {
	return &LazyWaker{loop: loop}
}

// Clone returns an owned [ArcWaker] clone, creating the underlying
// waker/promise pair on first use.
//
// If the root was already woken synchronously since the last reset, the
// re-poll is guaranteed regardless, so a [NoopWaker] is returned instead of
// allocating.
func (l *LazyWaker) Clone() Waker {
	if l.wakeCount.Load() > 0 {
		return NoopWaker{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clonedWaker == nil {
		l.clonedPromise, l.clonedWaker = newArcWaker(l.loop)
	}
	return l.clonedWaker.Clone()
}

// WakeByRef records a synchronous wake. Cheap and loss-free: the count is
// examined at the next [LazyWaker.Reset].
func (l *LazyWaker) WakeByRef() {
	l.wakeCount.Add(1)
}

// Wake panics. The root waker is lent to the future for the duration of a
// poll; consuming it is a protocol violation. Wake a clone instead.
func (l *LazyWaker) Wake() {
	panic("futurebridge: root waker consumed by Wake; only clones may be woken by value")
}

// Drop panics. The root waker is lent, not owned; the awaiter reclaims it
// after poll returns. Drop a clone instead.
func (l *LazyWaker) Drop() {
	panic("futurebridge: root waker dropped; only clones may be dropped")
}

// Reset concludes a poll, returning the waker to its initial state. The
// return value tells the awaiter how to proceed:
//
//   - an already-fulfilled promise: the future woke synchronously during the
//     poll; re-poll immediately.
//   - a pending promise: the future retained clones; park until the promise
//     fulfills, then consult its [WakeInstruction].
//   - nil: the future neither woke nor cloned. Either it arranged a wake
//     through some other channel, or it will never wake.
//
// Wake-before-clone ordering is preserved: a synchronous wake takes
// precedence over any clones taken afterwards in the same poll.
func (l *LazyWaker) Reset() *Promise {
	l.mu.Lock()
	promise, waker := l.clonedPromise, l.clonedWaker
	l.clonedPromise, l.clonedWaker = nil, nil
	l.mu.Unlock()

	woken := l.wakeCount.Swap(0) > 0

	if waker != nil {
		// Release our own reference; the future's clones now control the
		// promise. If the future took no clones beyond ours, this settles
		// the promise with Ignore immediately.
		waker.Drop()
	}

	if woken {
		return fulfilledWith(l.loop, WakeInstructionWake)
	}
	return promise
}

// pollTarget is the arming half of a forward awaiter: fire when the polled
// future's wake arrives on the loop goroutine.
type pollTarget interface {
	arm()
}

// PollScope is the [Waker] a forward awaiter lends to each poll. It extends
// [LazyWaker] with a guarded reference back to the awaiter, letting a
// reverse awaiter polled on the same loop arm the awaiter directly instead
// of allocating a waker clone and a promise round-trip.
type PollScope struct {
	LazyWaker
	target *Guarded[pollTarget]
}

// newPollScope creates a scope for one poll of target's future.
func newPollScope(loop *Loop, target pollTarget) *PollScope {
	return &PollScope{
		LazyWaker: LazyWaker{loop: loop},
		target:    NewGuarded[pollTarget](loop, target),
	}
}

// TryPollTarget returns the awaiter behind this scope, if the caller is on
// the awaiter's loop goroutine. Reverse awaiters use this to wire
// promise-settled notifications straight to the awaiter.
func (s *PollScope) TryPollTarget() (pollTarget, bool) {
	t, ok := s.target.TryGet()
	if !ok {
		return nil, false
	}
	return *t, true
}

// finish concludes the poll: invalidates the awaiter backreference and
// resets the underlying lazy waker. Must be called on the loop goroutine.
func (s *PollScope) finish() *Promise {
	s.target.Release()
	return s.Reset()
}
