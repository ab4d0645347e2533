package futurebridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLoop returns an unstarted loop. Waker state machines don't need a
// running loop; only handler dispatch does.
func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return loop
}

func TestArcWaker_WakeFulfillsPromise(t *testing.T) {
	loop := newTestLoop(t)

	p, w := newArcWaker(loop)
	require.Equal(t, Pending, p.State())

	w.Wake()
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionWake, p.Value())
}

func TestArcWaker_AllDroppedWithoutWake(t *testing.T) {
	loop := newTestLoop(t)

	p, w := newArcWaker(loop)
	clone := w.Clone()

	w.Drop()
	require.Equal(t, Pending, p.State())

	clone.Drop()
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionIgnore, p.Value())
}

func TestArcWaker_WakeByRefKeepsReference(t *testing.T) {
	loop := newTestLoop(t)

	p, w := newArcWaker(loop)
	w.WakeByRef()
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionWake, p.Value())

	// Reference still owned; dropping it must not panic and the promise
	// stays fulfilled with Wake.
	w.Drop()
	assert.Equal(t, WakeInstructionWake, p.Value())
}

func TestArcWaker_FirstWakeWins(t *testing.T) {
	loop := newTestLoop(t)

	p, w := newArcWaker(loop)
	clone := w.Clone()

	w.Wake()
	clone.Drop()

	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionWake, p.Value())
}

func TestArcWaker_DoubleDropPanics(t *testing.T) {
	loop := newTestLoop(t)

	_, w := newArcWaker(loop)
	w.Drop()
	assert.Panics(t, func() {
		w.Drop()
	})
}

func TestLazyWaker_ResetWithoutActivity(t *testing.T) {
	loop := newTestLoop(t)

	l := NewLazyWaker(loop)
	assert.Nil(t, l.Reset())
}

func TestLazyWaker_SynchronousWake(t *testing.T) {
	loop := newTestLoop(t)

	l := NewLazyWaker(loop)
	l.WakeByRef()

	p := l.Reset()
	require.NotNil(t, p)
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionWake, p.Value())

	// Reset returns the waker to its initial state
	assert.Nil(t, l.Reset())
}

func TestLazyWaker_CloneThenWake(t *testing.T) {
	loop := newTestLoop(t)

	l := NewLazyWaker(loop)
	clone := l.Clone()

	p := l.Reset()
	require.NotNil(t, p)
	require.Equal(t, Pending, p.State())

	clone.Wake()
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionWake, p.Value())
}

func TestLazyWaker_CloneDroppedWithoutWake(t *testing.T) {
	loop := newTestLoop(t)

	l := NewLazyWaker(loop)
	clone := l.Clone()

	p := l.Reset()
	require.NotNil(t, p)
	require.Equal(t, Pending, p.State())

	clone.Drop()
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionIgnore, p.Value())
}

// TestLazyWaker_WakeBeforeClone verifies ordering: a synchronous wake taken
// before a clone means the clone is a no-op and the reset reports the wake.
func TestLazyWaker_WakeBeforeClone(t *testing.T) {
	loop := newTestLoop(t)

	l := NewLazyWaker(loop)
	l.WakeByRef()

	clone := l.Clone()
	if _, ok := clone.(NoopWaker); !ok {
		t.Errorf("expected NoopWaker clone after synchronous wake, got %T", clone)
	}
	clone.Drop()

	p := l.Reset()
	require.NotNil(t, p)
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionWake, p.Value())
}

// TestLazyWaker_WakeTakesPrecedenceOverClones verifies that when both a
// clone and a synchronous wake happen in one poll, the wake wins.
func TestLazyWaker_WakeTakesPrecedenceOverClones(t *testing.T) {
	loop := newTestLoop(t)

	l := NewLazyWaker(loop)
	clone := l.Clone()
	l.WakeByRef()

	p := l.Reset()
	require.NotNil(t, p)
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionWake, p.Value())

	clone.Drop()
}

func TestLazyWaker_CloneSharesOneTarget(t *testing.T) {
	loop := newTestLoop(t)

	l := NewLazyWaker(loop)
	c1 := l.Clone()
	c2 := l.Clone()

	p := l.Reset()
	require.NotNil(t, p)

	c1.Drop()
	require.Equal(t, Pending, p.State())

	c2.WakeByRef()
	c2.Drop()
	require.Equal(t, Fulfilled, p.State())
	assert.Equal(t, WakeInstructionWake, p.Value())
}

func TestLazyWaker_RootMisusePanics(t *testing.T) {
	loop := newTestLoop(t)

	l := NewLazyWaker(loop)
	assert.Panics(t, func() { l.Wake() })
	assert.Panics(t, func() { l.Drop() })
}

func TestNoopWaker(t *testing.T) {
	var w Waker = NoopWaker{}
	w.WakeByRef()
	w.Wake()
	w.Drop()
	if _, ok := w.Clone().(NoopWaker); !ok {
		t.Error("NoopWaker clone is not a NoopWaker")
	}
}
