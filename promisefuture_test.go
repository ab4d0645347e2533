package futurebridge

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureFromPromise_AlreadySettled(t *testing.T) {
	loop := startLoop(t)

	p, resolve, _ := NewPromise(loop)
	resolve("early")

	f := FutureFromPromise(p)
	a, err := AwaitFuture(loop, &f)
	require.NoError(t, err)

	assert.Equal(t, "early", settleResult(t, a.Promise()))
}

func TestFutureFromPromise_SettlesLater(t *testing.T) {
	loop := startLoop(t)

	p, resolve, _ := NewPromise(loop)
	f := FutureFromPromise(p)
	a, err := AwaitFuture(loop, &f)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Pending, a.Promise().State())

	go resolve("eventually")
	assert.Equal(t, "eventually", settleResult(t, a.Promise()))
}

func TestFutureFromPromise_RejectionError(t *testing.T) {
	loop := startLoop(t)

	boom := errors.New("test error")
	p, _, reject := NewPromise(loop)
	f := FutureFromPromise(p)
	a, err := AwaitFuture(loop, &f)
	require.NoError(t, err)

	reject(boom)
	result := settleResult(t, a.Promise())
	require.Equal(t, Rejected, a.Promise().State())
	assert.Equal(t, boom, result)
}

func TestFutureFromPromise_NonErrorRejection(t *testing.T) {
	loop := startLoop(t)

	p, _, reject := NewPromise(loop)
	f := FutureFromPromise(p)
	a, err := AwaitFuture(loop, &f)
	require.NoError(t, err)

	reject("just a string")
	result := settleResult(t, a.Promise())
	require.Equal(t, Rejected, a.Promise().State())

	var rejErr RejectionError
	require.ErrorAs(t, result.(error), &rejErr)
	assert.Equal(t, "just a string", rejErr.Reason)
}

// TestFutureFromPromise_Layered round-trips twice: a promise adapted to a
// future, awaited back to a promise, adapted again, awaited again.
func TestFutureFromPromise_Layered(t *testing.T) {
	loop := startLoop(t)

	p, resolve, _ := NewPromise(loop)

	f1 := FutureFromPromise(p)
	a1, err := AwaitFuture(loop, &f1)
	require.NoError(t, err)

	f2 := FutureFromPromise(a1.Promise())
	a2, err := AwaitFuture(loop, &f2)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		resolve(99)
	}()

	assert.Equal(t, 99, settleResult(t, a2.Promise()))
}

// TestFutureFromPromise_SelectFirstSettled adapts several promises and
// completes with whichever settles first.
func TestFutureFromPromise_SelectFirstSettled(t *testing.T) {
	loop := startLoop(t)

	p1, _, _ := NewPromise(loop)
	p2, resolve2, _ := NewPromise(loop)
	p3, _, _ := NewPromise(loop)

	f1 := FutureFromPromise(p1)
	f2 := FutureFromPromise(p2)
	f3 := FutureFromPromise(p3)

	f := Select(&f1, &f2, &f3)
	a, err := AwaitFuture(loop, &f)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Pending, a.Promise().State())

	resolve2("second")
	assert.Equal(t, "second", settleResult(t, a.Promise()))
}

func TestFutureFromPromise_NeverResolving(t *testing.T) {
	loop := startLoop(t)

	p, _, _ := NewPromise(loop)
	f := FutureFromPromise(p)
	a, err := AwaitFuture(loop, &f)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Pending, a.Promise().State())

	a.Cancel()
	result := settleResult(t, a.Promise())
	assert.ErrorIs(t, result.(error), ErrAwaitCanceled)
}

// countingWaker is a waker from outside this package's machinery: wakes are
// counted and reference accounting tracked.
type countingWaker struct {
	wakes *atomic.Int32
	refs  *atomic.Int32
}

func newCountingWaker() countingWaker {
	w := countingWaker{wakes: new(atomic.Int32), refs: new(atomic.Int32)}
	w.refs.Store(1)
	return w
}

func (w countingWaker) Clone() Waker {
	w.refs.Add(1)
	return w
}

func (w countingWaker) WakeByRef() {
	w.wakes.Add(1)
}

func (w countingWaker) Wake() {
	w.WakeByRef()
	w.Drop()
}

func (w countingWaker) Drop() {
	w.refs.Add(-1)
}

// TestFutureFromPromise_ForeignWaker polls the adapted promise directly
// with a waker that doesn't come from an awaiter; settlement must wake the
// retained clone.
func TestFutureFromPromise_ForeignWaker(t *testing.T) {
	loop := startLoop(t)

	p, resolve, _ := NewPromise(loop)
	f := FutureFromPromise(p)
	w := newCountingWaker()

	var pending bool
	onLoop(t, loop, func() {
		var out Outcome[Result]
		pending = !f.Poll(w, &out)
	})
	require.True(t, pending)

	resolve("woken")

	// Settlement delivers exactly one wake to the retained clone
	deadline := time.Now().Add(2 * time.Second)
	for w.wakes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("foreign waker was not woken")
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(1), w.wakes.Load())

	// Re-poll observes completion
	var done bool
	var out Outcome[Result]
	onLoop(t, loop, func() {
		done = f.Poll(w, &out)
	})
	require.True(t, done)
	require.NoError(t, out.Err())
	assert.Equal(t, "woken", out.Value())

	onLoop(t, loop, func() {
		f.Drop()
	})
	// The outstanding root reference remains; all clones consumed.
	assert.Equal(t, int32(1), w.refs.Load())
}

// TestFutureFromPromise_LatestWakerWins polls twice with different wakers;
// only the most recent is woken on settlement.
func TestFutureFromPromise_LatestWakerWins(t *testing.T) {
	loop := startLoop(t)

	p, resolve, _ := NewPromise(loop)
	f := FutureFromPromise(p)
	w1 := newCountingWaker()
	w2 := newCountingWaker()

	onLoop(t, loop, func() {
		var out Outcome[Result]
		require.False(t, f.Poll(w1, &out))
		require.False(t, f.Poll(w2, &out))
	})

	// The first waker's clone must have been released on replacement
	assert.Equal(t, int32(1), w1.refs.Load())

	resolve(nil)

	deadline := time.Now().Add(2 * time.Second)
	for w2.wakes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("latest waker was not woken")
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(0), w1.wakes.Load(), "stale waker must not be woken")

	onLoop(t, loop, func() {
		var out Outcome[Result]
		require.True(t, f.Poll(w2, &out))
		f.Drop()
	})
}

// TestFutureFromPromise_DropDetaches drops the future while the promise is
// pending; settlement afterwards must wake nothing.
func TestFutureFromPromise_DropDetaches(t *testing.T) {
	loop := startLoop(t)

	p, resolve, _ := NewPromise(loop)
	f := FutureFromPromise(p)
	w := newCountingWaker()

	onLoop(t, loop, func() {
		var out Outcome[Result]
		require.False(t, f.Poll(w, &out))
		f.Drop()
	})
	assert.Equal(t, int32(1), w.refs.Load(), "clone should be released on drop")

	resolve("too late")

	// Give the settlement microtask time to run; no wake may arrive
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), w.wakes.Load())
}

// TestFutureFromPromise_PollOffLoopGoroutine verifies the affinity guard:
// polling from the wrong goroutine is a protocol violation surfaced as a
// panic, which the owning handle converts to the failure arm.
func TestFutureFromPromise_PollOffLoopGoroutine(t *testing.T) {
	loop := startLoop(t)

	p, _, _ := NewPromise(loop)
	f := FutureFromPromise(p)

	var out Outcome[Result]
	done := f.Poll(NoopWaker{}, &out)
	require.True(t, done)
	require.Error(t, out.Err())
	assert.ErrorIs(t, out.Err(), ErrWrongGoroutine)
}
