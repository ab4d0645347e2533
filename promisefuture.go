// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

// promiseWaiterState is the loop-confined state of a promise future. Access
// is serialized by the [Guarded] wrapper.
type promiseWaiterState struct {
	// waker is a retained clone of the most recent foreign waker, dropped
	// and replaced on each poll. The waker may differ between polls; only
	// the most recent one must be woken.
	waker Waker

	// target, when set, routes settlement straight to the awaiter polled on
	// this loop instead of going through a waker clone.
	target pollTarget

	subscribed bool
}

// promiseFuture adapts a [Promise] to the [Future] contract so embedded
// code can poll a host promise like any other future.
//
// Polling outside the promise's loop goroutine is a protocol violation and
// panics. Wakers from outside this package are fully supported: pending
// polls retain a clone and wake it when the promise settles. When polled
// through an awaiter on the same loop, settlement arms the awaiter directly
// and no clone is taken.
type promiseFuture struct {
	promise *Promise
	st      *Guarded[promiseWaiterState]
}

var (
	_ Future[Result] = (*promiseFuture)(nil)
	_ Dropper        = (*promiseFuture)(nil)
)

// FutureFromPromise returns a future that completes when p settles:
// fulfillment surfaces in the success arm, rejection in the failure arm
// (non-error reasons wrapped in [RejectionError]).
//
// The future may only be polled on p's loop goroutine.
func FutureFromPromise(p *Promise) BoxFuture[Result] {
	return Box[Result](&promiseFuture{
		promise: p,
		st:      NewGuarded(p.Loop(), promiseWaiterState{}),
	})
}

func (f *promiseFuture) Poll(w Waker, out *Outcome[Result]) bool {
	st := f.st.MustGet("poll promise future")

	if state := f.promise.State(); state != Pending {
		f.clearWaker(st)
		result := f.promise.settledResult()
		if state == Rejected {
			out.SetErr(rejectionToError(result))
		} else {
			out.Set(result)
		}
		return true
	}

	// Pending: arrange the wake. Prefer arming the awaiter directly when the
	// poll goes through a scope on this loop; otherwise retain a clone of
	// the caller's waker, replacing any older one.
	if scope, ok := w.(*PollScope); ok {
		if target, ok := scope.TryPollTarget(); ok {
			f.clearWaker(st)
			st.target = target
		} else {
			f.retainWaker(st, w)
		}
	} else {
		f.retainWaker(st, w)
	}

	if !st.subscribed {
		st.subscribed = true
		f.promise.subscribe(func(PromiseState, Result) {
			f.fire()
		})
	}
	return false
}

// retainWaker replaces the retained clone with a clone of w.
func (f *promiseFuture) retainWaker(st *promiseWaiterState, w Waker) {
	clone := w.Clone()
	f.clearWaker(st)
	st.target = nil
	st.waker = clone
}

// clearWaker drops the retained clone, if any.
func (f *promiseFuture) clearWaker(st *promiseWaiterState) {
	if st.waker != nil {
		st.waker.Drop()
		st.waker = nil
	}
}

// fire delivers the settlement wake on the loop goroutine. If the future
// was dropped in the meantime this is a no-op.
func (f *promiseFuture) fire() {
	st, ok := f.st.TryGet()
	if !ok {
		return
	}
	if target := st.target; target != nil {
		st.target = nil
		f.clearWaker(st)
		target.arm()
		return
	}
	if st.waker != nil {
		w := st.waker
		st.waker = nil
		w.Wake()
	}
}

// Drop detaches from the promise, releasing any retained waker clone.
// Settlement after Drop wakes nothing. Must run on the loop goroutine,
// which awaiters guarantee for live loops. Off the loop goroutine Drop is
// a no-op: that only happens after the loop has terminated (the cancel
// fallback waits on Done first), where any retained waker clone's promise
// can no longer be observed and is left to the collector.
func (f *promiseFuture) Drop() {
	st, ok := f.st.TryGet()
	if !ok {
		return
	}
	f.clearWaker(st)
	st.target = nil
	f.st.Release()
}
