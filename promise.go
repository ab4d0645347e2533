// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Result represents the value of a resolved or rejected promise.
// For fulfilled promises, this holds the success value.
// For rejected promises, this typically holds an error or rejection reason.
type Result = any

// PromiseState represents the lifecycle state of a [Promise].
// A promise starts in [Pending] state and transitions to either
// [Fulfilled] or [Rejected]. State transitions are irreversible.
type PromiseState int32

const (
	// Pending indicates the promise operation is still in progress.
	Pending PromiseState = iota

	// Fulfilled indicates the promise completed successfully with a value.
	Fulfilled

	// Rejected indicates the promise failed with a reason (typically an error).
	Rejected
)

// ResolveFunc fulfills a promise with a value.
type ResolveFunc func(Result)

// RejectFunc rejects a promise with a reason.
type RejectFunc func(Result)

// handler holds the continuation functions of a Then/Catch call along with
// the derived promise they settle.
type handler struct {
	onFulfilled func(Result) Result
	onRejected  func(Result) Result
	target      *Promise
}

// Promise is a loop-bound future result. Continuations attached via
// [Promise.Then] and [Promise.Catch] run as microtasks on the owning loop's
// goroutine; resolution and rejection may come from any goroutine.
type Promise struct {
	loop     *Loop
	id       uint64
	state    atomic.Int32
	mu       sync.Mutex
	result   Result
	handlers []handler
	watchers []func(PromiseState, Result)
	channels []chan Result
}

var promiseIDCounter atomic.Uint64

// NewPromise creates a pending promise bound to the given loop, along with
// its resolve and reject functions.
//
// The resolve and reject functions can be called from any goroutine.
// Only the first call has an effect; subsequent calls are ignored.
func NewPromise(loop *Loop) (*Promise, ResolveFunc, RejectFunc) {
	p := &Promise{
		loop: loop,
		id:   promiseIDCounter.Add(1),
	}
	p.state.Store(int32(Pending))

	resolve := func(value Result) {
		p.resolve(value)
	}

	reject := func(reason Result) {
		p.reject(reason)
	}

	return p, resolve, reject
}

// fulfilledWith returns an already-fulfilled promise holding value.
func fulfilledWith(loop *Loop, value Result) *Promise {
	p, resolve, _ := NewPromise(loop)
	resolve(value)
	return p
}

// After returns a promise that fulfills with nil after the given delay.
// The promise rejects with [ErrLoopTerminated] if the timer cannot be
// scheduled.
func After(loop *Loop, delay time.Duration) *Promise {
	p, resolve, reject := NewPromise(loop)
	if err := loop.ScheduleTimer(delay, func() {
		resolve(nil)
	}); err != nil {
		reject(err)
	}
	return p
}

// Loop returns the loop this promise is bound to.
func (p *Promise) Loop() *Loop {
	return p.loop
}

// State returns the current [PromiseState].
// Thread-safe and can be called from any goroutine.
func (p *Promise) State() PromiseState {
	return PromiseState(p.state.Load())
}

// Value returns the fulfillment value if the promise is fulfilled.
// Returns nil if the promise is pending or rejected.
func (p *Promise) Value() Result {
	if p.state.Load() == int32(Fulfilled) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result
	}
	return nil
}

// Reason returns the rejection reason if the promise is rejected.
// Returns nil if the promise is pending or fulfilled.
func (p *Promise) Reason() Result {
	if p.state.Load() == int32(Rejected) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result
	}
	return nil
}

func (p *Promise) resolve(value Result) {
	// A promise must not adopt itself.
	if pr, ok := value.(*Promise); ok && pr == p {
		p.reject(fmt.Errorf("futurebridge: chaining cycle detected for promise #%d", p.id))
		return
	}

	// If value is a promise, adopt its state.
	if pr, ok := value.(*Promise); ok {
		pr.addHandler(handler{target: p})
		return
	}

	p.settle(Fulfilled, value)
}

func (p *Promise) reject(reason Result) {
	p.settle(Rejected, reason)
}

// settle transitions the promise to a terminal state and dispatches all
// registered handlers, watchers, and channels. Only the first settle wins.
func (p *Promise) settle(state PromiseState, result Result) {
	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}
	p.result = result
	p.state.Store(int32(state))
	handlers := p.handlers
	watchers := p.watchers
	channels := p.channels
	p.handlers = nil
	p.watchers = nil
	p.channels = nil
	p.mu.Unlock()

	for _, h := range handlers {
		p.scheduleHandler(h, state, result)
	}
	for _, w := range watchers {
		p.scheduleWatcher(w, state, result)
	}
	for _, ch := range channels {
		ch <- result
		close(ch)
	}
}

// addHandler attaches a handler to the promise. If the promise is already
// settled, the handler is scheduled immediately via microtask. If pending,
// the handler is stored for later execution when the promise settles.
func (p *Promise) addHandler(h handler) {
	// Optimistic check: if already settled, schedule without the lock.
	currentState := PromiseState(p.state.Load())
	if currentState != Pending {
		p.scheduleHandler(h, currentState, p.settledResult())
		return
	}

	p.mu.Lock()
	// Re-check state under lock to avoid race
	currentState = PromiseState(p.state.Load())
	if currentState != Pending {
		result := p.result
		p.mu.Unlock()
		p.scheduleHandler(h, currentState, result)
		return
	}
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// subscribe registers a watcher invoked as a microtask on the loop goroutine
// once the promise settles. Used by the future bridge; unlike Then it
// produces no derived promise.
func (p *Promise) subscribe(fn func(PromiseState, Result)) {
	currentState := PromiseState(p.state.Load())
	if currentState != Pending {
		p.scheduleWatcher(fn, currentState, p.settledResult())
		return
	}

	p.mu.Lock()
	currentState = PromiseState(p.state.Load())
	if currentState != Pending {
		result := p.result
		p.mu.Unlock()
		p.scheduleWatcher(fn, currentState, result)
		return
	}
	p.watchers = append(p.watchers, fn)
	p.mu.Unlock()
}

func (p *Promise) settledResult() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// scheduleHandler enqueues a handler for execution via microtask.
// If the loop has terminated, executes synchronously.
func (p *Promise) scheduleHandler(h handler, state PromiseState, result Result) {
	if err := p.loop.ScheduleMicrotask(func() {
		p.executeHandler(h, state, result)
	}); err != nil {
		p.executeHandler(h, state, result)
	}
}

func (p *Promise) scheduleWatcher(fn func(PromiseState, Result), state PromiseState, result Result) {
	if err := p.loop.ScheduleMicrotask(func() {
		fn(state, result)
	}); err != nil {
		fn(state, result)
	}
}

// executeHandler runs a single handler with the given state and result.
// Handles nil handlers (pass-through), panic recovery, and result propagation.
func (p *Promise) executeHandler(h handler, state PromiseState, result Result) {
	var fn func(Result) Result

	if state == Fulfilled {
		fn = h.onFulfilled
	} else {
		fn = h.onRejected
	}

	// If no handler, propagate state to target (pass-through)
	if fn == nil {
		if h.target == nil {
			return
		}
		if state == Fulfilled {
			h.target.resolve(result)
		} else {
			h.target.reject(result)
		}
		return
	}

	// Run handler with panic protection
	defer func() {
		if r := recover(); r != nil {
			if h.target != nil {
				h.target.reject(PanicError{Value: r})
			}
		}
	}()

	res := fn(result)
	if h.target != nil {
		h.target.resolve(res)
	}
}

// Then attaches fulfillment and rejection handlers, returning a derived
// promise settled with the handler's return value. Either handler may be
// nil, in which case the state passes through unchanged.
func (p *Promise) Then(onFulfilled, onRejected func(Result) Result) *Promise {
	target, _, _ := NewPromise(p.loop)
	p.addHandler(handler{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      target,
	})
	return target
}

// Catch attaches a rejection handler. Equivalent to Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(Result) Result) *Promise {
	return p.Then(nil, onRejected)
}

// Finally attaches a handler that runs when the promise settles, regardless
// of outcome. The derived promise mirrors the original settlement.
func (p *Promise) Finally(onFinally func()) *Promise {
	return p.Then(
		func(value Result) Result {
			onFinally()
			return value
		},
		func(reason Result) Result {
			onFinally()
			// Re-reject by returning a pre-rejected promise
			target, _, reject := NewPromise(p.loop)
			reject(reason)
			return target
		},
	)
}

// ToChannel returns a channel that will receive the result when the promise
// settles. The channel is buffered (capacity 1) and closed after sending.
// If the promise is already settled, returns a pre-filled channel.
//
// Note the channel carries the raw Result for both outcomes; inspect
// [Promise.State] or type-assert to distinguish rejection.
func (p *Promise) ToChannel() <-chan Result {
	ch := make(chan Result, 1)

	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		result := p.result
		p.mu.Unlock()
		ch <- result
		close(ch)
		return ch
	}
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	return ch
}
