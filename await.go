// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

import (
	"errors"
	"sync/atomic"
)

// ErrAwaitCanceled is the rejection reason of an awaiter's promise when the
// await was cancelled before the future completed.
var ErrAwaitCanceled = errors.New("futurebridge: await canceled")

// Awaiter states. Idle means parked awaiting a wake; Armed means a poll is
// scheduled or running; Done is terminal (completed or cancelled).
const (
	awaitIdle int32 = iota
	awaitArmed
	awaitDone
)

// Awaiter drives a future to completion on a loop, exposing the eventual
// outcome as a [Promise]. Each wake coalesces into at most one scheduled
// poll; between polls the future sits parked, costing nothing.
//
// The future is polled, and ultimately dropped, only on the loop goroutine.
type Awaiter[T any] struct {
	loop *Loop
	fut  BoxFuture[T]

	promise *Promise
	resolve ResolveFunc
	reject  RejectFunc

	state atomic.Int32

	// generation distinguishes poll episodes so wakes from a superseded
	// episode's clones don't trigger spurious re-polls.
	generation atomic.Uint64
}

// AwaitFuture takes ownership of the future behind f and begins driving it
// on loop, returning the awaiter. The first poll is scheduled immediately.
//
// Returns [ErrLoopTerminated] if the loop can no longer accept work; the
// future is dropped in that case.
func AwaitFuture[T any](loop *Loop, f *BoxFuture[T]) (*Awaiter[T], error) {
	moved := f.Take()
	if !moved.Valid() {
		panic("futurebridge: await of invalid future handle")
	}

	a := &Awaiter[T]{loop: loop, fut: moved}
	a.promise, a.resolve, a.reject = NewPromise(loop)
	a.state.Store(awaitArmed)

	if err := loop.SubmitInternal(a.poll); err != nil {
		a.state.Store(awaitDone)
		a.fut.Drop()
		a.reject(err)
		return nil, err
	}
	return a, nil
}

// Promise returns the promise settled by the future's completion: fulfilled
// with the success value, rejected with the failure, or rejected with
// [ErrAwaitCanceled].
func (a *Awaiter[T]) Promise() *Promise {
	return a.promise
}

// Cancel stops driving the future and drops it on the loop goroutine. The
// promise rejects with [ErrAwaitCanceled] unless the future already
// completed. Cancel is safe from any goroutine, concurrently with wakes,
// and idempotent.
func (a *Awaiter[T]) Cancel() {
	if a.loop.IsCurrent() {
		a.cancelOnLoop()
		return
	}
	if err := a.loop.SubmitInternal(a.cancelOnLoop); err != nil {
		// Loop terminated. Wait out the shutdown drain so no poll can be in
		// flight, then tear down here.
		<-a.loop.Done()
		a.cancelOnLoop()
	}
}

// arm schedules a poll if the awaiter is parked. Runs on the loop goroutine
// (wake watchers fire as microtasks; direct arms come from reverse awaiters
// polled on this loop).
func (a *Awaiter[T]) arm() {
	if a.state.CompareAndSwap(awaitIdle, awaitArmed) {
		_ = a.loop.SubmitInternal(a.poll)
	}
}

// poll runs one poll episode on the loop goroutine.
func (a *Awaiter[T]) poll() {
	if a.state.Load() != awaitArmed {
		return
	}

	gen := a.generation.Add(1)

	// Park before polling so a synchronous wake during the poll can re-arm.
	a.state.Store(awaitIdle)

	scope := newPollScope(a.loop, a)
	var out Outcome[T]
	done := a.fut.Poll(scope, &out)
	wakePromise := scope.finish()

	if done {
		a.state.Store(awaitDone)
		a.generation.Add(1)
		a.fut.Drop()
		if err := out.Err(); err != nil {
			a.reject(err)
		} else {
			a.resolve(out.Value())
		}
		return
	}

	if wakePromise == nil {
		// No wake arranged through the scope: either a reverse awaiter armed
		// us directly, or the future will never complete. Stay parked.
		return
	}

	wakePromise.subscribe(func(_ PromiseState, result Result) {
		if a.generation.Load() != gen {
			return
		}
		if instr, ok := result.(WakeInstruction); ok && instr == WakeInstructionWake {
			a.arm()
		}
	})
}

// cancelOnLoop performs cancellation on the loop goroutine.
func (a *Awaiter[T]) cancelOnLoop() {
	for {
		current := a.state.Load()
		if current == awaitDone {
			return
		}
		if a.state.CompareAndSwap(current, awaitDone) {
			break
		}
	}
	a.generation.Add(1)
	a.fut.Drop()
	a.reject(ErrAwaitCanceled)
}
