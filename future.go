// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

// Void is the payload of a future that completes without a value.
type Void = struct{}

// Outcome carries the result of a completed poll: either a value or an
// error, never both.
type Outcome[T any] struct {
	value T
	err   error
}

// Set records a successful completion.
func (o *Outcome[T]) Set(value T) {
	o.value, o.err = value, nil
}

// SetErr records a failed completion.
func (o *Outcome[T]) SetErr(err error) {
	var zero T
	o.value, o.err = zero, err
}

// Value returns the success value, the zero value on failure.
func (o *Outcome[T]) Value() T { return o.value }

// Err returns the failure, nil on success.
func (o *Outcome[T]) Err() error { return o.err }

// Future is a lazily-driven computation. Poll either completes the future,
// filling out and returning true, or returns false after arranging (via w)
// for a wake when progress becomes possible.
//
// Contract: Poll is only called on the owning loop's goroutine, and never
// again after it returns true. A pending future must use w before
// returning: clone and stash it, wake it synchronously, or hand it to a
// sub-future. A future that returns false without using w will never be
// polled again (unless it wakes the awaiter through some other channel).
// Spurious wakes are permitted; Poll must tolerate being called when no
// progress is possible.
type Future[T any] interface {
	Poll(w Waker, out *Outcome[T]) bool
}

// Dropper is implemented by futures that hold resources to release when the
// future is discarded, completed or not. Drop must be idempotent and must
// tolerate being called after a poll returned true.
type Dropper interface {
	Drop()
}

// FutureFunc adapts a function to the [Future] interface.
type FutureFunc[T any] func(w Waker, out *Outcome[T]) bool

// Poll calls f.
func (f FutureFunc[T]) Poll(w Waker, out *Outcome[T]) bool { return f(w, out) }

// BoxFuture is a move-only owning handle to a [Future]. The zero value, and
// a handle that has been moved from via [BoxFuture.Take] or released via
// [BoxFuture.Drop], is invalid; polling an invalid handle panics.
//
// Poll converts panics from the underlying future into the failure arm, so
// a misbehaving future cannot unwind through the loop.
type BoxFuture[T any] struct {
	fut Future[T]
}

// Box wraps f in an owning handle.
func Box[T any](f Future[T]) BoxFuture[T] {
	return BoxFuture[T]{fut: f}
}

// Valid reports whether the handle still owns a future.
func (b *BoxFuture[T]) Valid() bool {
	return b.fut != nil
}

// Take moves ownership out of b, leaving it invalid.
func (b *BoxFuture[T]) Take() BoxFuture[T] {
	f := b.fut
	b.fut = nil
	return BoxFuture[T]{fut: f}
}

// Poll polls the owned future. A panic inside the future is recovered and
// surfaces as a completed poll with a [PanicError] in the failure arm.
func (b *BoxFuture[T]) Poll(w Waker, out *Outcome[T]) (done bool) {
	if b.fut == nil {
		panic("futurebridge: poll of invalid future handle")
	}

	defer func() {
		if r := recover(); r != nil {
			out.SetErr(PanicError{Value: r})
			done = true
		}
	}()

	return b.fut.Poll(w, out)
}

// Drop releases the owned future, invoking its [Dropper] if implemented,
// and leaves the handle invalid. Drop of an invalid handle is a no-op.
func (b *BoxFuture[T]) Drop() {
	f := b.fut
	b.fut = nil
	if f == nil {
		return
	}
	if d, ok := f.(Dropper); ok {
		d.Drop()
	}
}

// Ready returns a future that completes immediately with value, without
// touching the waker.
func Ready[T any](value T) BoxFuture[T] {
	return Box[T](FutureFunc[T](func(_ Waker, out *Outcome[T]) bool {
		out.Set(value)
		return true
	}))
}

// Failed returns a future that completes immediately with err.
func Failed[T any](err error) BoxFuture[T] {
	return Box[T](FutureFunc[T](func(_ Waker, out *Outcome[T]) bool {
		out.SetErr(err)
		return true
	}))
}

// Never returns a future that never completes and never wakes. Awaiting it
// parks the awaiter forever (until cancelled) without consuming loop cycles.
func Never[T any]() BoxFuture[T] {
	return Box[T](FutureFunc[T](func(Waker, *Outcome[T]) bool {
		return false
	}))
}

// selectFuture polls each inner future in order until one completes.
type selectFuture[T any] struct {
	futs []BoxFuture[T]
}

func (s *selectFuture[T]) Poll(w Waker, out *Outcome[T]) bool {
	for i := range s.futs {
		if !s.futs[i].Valid() {
			continue
		}
		if s.futs[i].Poll(w, out) {
			s.futs[i].Drop()
			return true
		}
	}
	return false
}

func (s *selectFuture[T]) Drop() {
	for i := range s.futs {
		if s.futs[i].Valid() {
			s.futs[i].Drop()
		}
	}
}

// Select returns a future that completes with the outcome of whichever
// input completes first, polling them in order. Ownership of the inputs
// transfers to the returned future; the losers are dropped when it is.
func Select[T any](futs ...*BoxFuture[T]) BoxFuture[T] {
	s := &selectFuture[T]{futs: make([]BoxFuture[T], len(futs))}
	for i, f := range futs {
		s.futs[i] = f.Take()
	}
	return Box[T](s)
}

// lazyFuture defers construction of the inner future to the first poll.
// Polls are loop-confined, so no synchronization is needed.
type lazyFuture[T any] struct {
	build func() BoxFuture[T]
	inner BoxFuture[T]
}

func (l *lazyFuture[T]) Poll(w Waker, out *Outcome[T]) bool {
	if l.build != nil {
		l.inner = l.build()
		l.build = nil
	}
	return l.inner.Poll(w, out)
}

func (l *lazyFuture[T]) Drop() {
	if l.inner.Valid() {
		l.inner.Drop()
	}
}

// Lazy returns a future that builds its inner future on first poll, on the
// loop goroutine. Useful when construction must itself happen on the loop.
func Lazy[T any](build func() BoxFuture[T]) BoxFuture[T] {
	return Box[T](&lazyFuture[T]{build: build})
}
