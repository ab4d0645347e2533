package futurebridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuarded_AccessOnLoopGoroutine(t *testing.T) {
	loop := startLoop(t)
	g := NewGuarded(loop, 42)

	onLoop(t, loop, func() {
		v, ok := g.TryGet()
		require.True(t, ok)
		assert.Equal(t, 42, *v)

		v, err := g.Get("read counter")
		require.NoError(t, err)
		assert.Equal(t, 42, *v)

		*g.MustGet("bump counter") = 43
	})

	onLoop(t, loop, func() {
		v, ok := g.TryGet()
		require.True(t, ok)
		assert.Equal(t, 43, *v)
	})
}

func TestGuarded_AccessOffLoopGoroutine(t *testing.T) {
	loop := startLoop(t)
	g := NewGuarded(loop, "secret")

	if _, ok := g.TryGet(); ok {
		t.Error("TryGet succeeded off the loop goroutine")
	}

	_, err := g.Get("read secret")
	require.ErrorIs(t, err, ErrWrongGoroutine)
	assert.Contains(t, err.Error(), "read secret")

	assert.Panics(t, func() {
		g.MustGet("read secret")
	})
}

func TestGuarded_ReleaseOffLoopGoroutinePanics(t *testing.T) {
	loop := startLoop(t)
	g := NewGuarded(loop, 1)

	assert.Panics(t, func() {
		g.Release()
	})
}

func TestGuarded_AccessAfterRelease(t *testing.T) {
	loop := startLoop(t)
	g := NewGuarded(loop, 1)

	onLoop(t, loop, func() {
		g.Release()

		if _, ok := g.TryGet(); ok {
			t.Error("TryGet succeeded after release")
		}
		_, err := g.Get("read")
		if !errors.Is(err, ErrGuardReleased) {
			t.Errorf("expected ErrGuardReleased, got %v", err)
		}

		// Double release is a no-op
		g.Release()
	})
}

func TestGuarded_LoopAccessor(t *testing.T) {
	loop := startLoop(t)
	g := NewGuarded(loop, struct{}{})
	assert.Same(t, loop, g.Loop())
}
