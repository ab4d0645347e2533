// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futurebridge

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("futurebridge: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("futurebridge: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("futurebridge: cannot call Run() from within the loop")
)

// Loop is a cooperative, single-goroutine event loop. All promise handlers,
// future polls, and timer callbacks execute on the loop goroutine; producers
// on other goroutines hand work over via [Loop.Submit], [Loop.SubmitInternal],
// [Loop.ScheduleMicrotask], and [Loop.ScheduleTimer].
//
// Task ordering within a tick: expired timers, then internal (priority)
// tasks, then external tasks up to a budget, then microtasks. When no work
// remains the loop parks on its wake channel until woken by a producer, an
// expiring timer, or context cancellation.
type Loop struct {
	// Prevent copying
	_ [0]func()

	// State machine (cache-line padded internally)
	state *FastState

	// Ingress queues. Double-buffered to avoid repeat allocation: the drained
	// slice becomes the next buffer.
	externalMu  sync.Mutex
	externalQ   []func()
	externalBuf []func()

	internalMu  sync.Mutex
	internalQ   []func()
	internalBuf []func()

	microMu  sync.Mutex
	microQ   []func()
	microBuf []func()

	// Timers
	timers timerHeap

	// Wake-up mechanism
	wakeCh      chan struct{}
	wakePending atomic.Uint32

	// Synchronization
	stopOnce sync.Once
	doneOnce sync.Once

	// Goroutine tracking
	loopGoroutineID atomic.Uint64
	tickCount       uint64

	// Loop ID
	id uint64

	// Loop termination signaling
	loopDone chan struct{}

	// In-flight submit counter for shutdown synchronization
	inflight atomic.Int64

	logger *logiface.Logger[logiface.Event]

	// strictMicrotaskOrdering drains microtasks after every task instead of
	// in batches.
	strictMicrotaskOrdering bool
}

// timer represents a scheduled task
type timer struct {
	when time.Time
	fn   func()
}

// timerHeap is a min-heap of timers
type timerHeap []timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var loopIDCounter atomic.Uint64

// New creates a new event loop. The loop does not process work until
// [Loop.Run] is called.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	loop := &Loop{
		id:     loopIDCounter.Add(1),
		state:  NewFastState(),
		timers: make(timerHeap, 0),

		// Buffered so a producer's wake never blocks
		wakeCh: make(chan struct{}, 1),

		// Initialize loopDone here to avoid data race with shutdownImpl
		loopDone: make(chan struct{}),

		logger:                  cfg.logger,
		strictMicrotaskOrdering: cfg.strictMicrotaskOrdering,
	}

	return loop, nil
}

// Run runs the event loop and blocks until fully stopped.
//
// Run blocks until the loop terminates (via Shutdown(), Close(), or ctx
// cancellation). To run in a separate goroutine, use: `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) error {
	if l.IsCurrent() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		currentState := l.state.Load()
		if currentState == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	// Close loopDone when run exits to signal completion to Shutdown waiters
	defer l.markDone()

	return l.run(ctx)
}

// Shutdown gracefully shuts down the event loop.
//
// Shutdown initiates graceful shutdown that waits for all queued tasks to
// complete. It blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	if result == nil && l.state.Load() != StateTerminated {
		return ErrLoopTerminated
	}
	return result
}

// shutdownImpl contains the actual Shutdown implementation.
func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrLoopTerminated
		}

		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				// The loop never ran, so there is no loop goroutine to hand
				// accepted work to. Submit returned nil for these tasks, so
				// drain them here, on the caller's goroutine, before
				// terminating. Claim loop affinity for the duration of the
				// drain so the tasks observe IsCurrent, mirroring run().
				l.loopGoroutineID.Store(getGoroutineID())
				l.shutdown()
				l.loopGoroutineID.Store(0)
				l.markDone()
				return nil
			}

			if currentState == StateSleeping {
				l.signalWake()
			}
			break
		}
	}

	// Wait for termination via channel, NOT polling
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close immediately initiates termination without waiting for completion.
func (l *Loop) Close() error {
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated {
			return ErrLoopTerminated
		}

		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.Store(StateTerminated)
				l.markDone()
				return nil
			}
			if currentState == StateSleeping {
				l.signalWake()
			}
			return nil
		}
	}
}

// markDone closes loopDone exactly once.
func (l *Loop) markDone() {
	l.doneOnce.Do(func() {
		close(l.loopDone)
	})
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	for {
		// Check context for external cancellation
		select {
		case <-ctx.Done():
			for {
				current := l.state.Load()
				if current == StateTerminating || current == StateTerminated {
					break
				}
				if l.state.TryTransition(current, StateTerminating) {
					break
				}
			}
			l.shutdown()
			return ctx.Err()
		default:
		}

		// Check termination
		if state := l.state.Load(); state == StateTerminating || state == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick(ctx)
	}
}

// shutdown performs the shutdown sequence, draining all queues.
func (l *Loop) shutdown() {
	// Set state to Terminated FIRST to prevent new tasks from being accepted.
	// Any Submit that checked state before this will push a task, and we'll
	// catch it in the drain below. Any Submit that checks state after will be
	// rejected.
	l.state.Store(StateTerminated)

	// Drain loop: continue until BOTH inflight == 0 and all queues are empty,
	// for several consecutive checks. A Submit could be between the state
	// check and the push (inflight > 0, queue momentarily empty), or could
	// have just pushed (inflight == 0, queue has a task).
	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		spinCount := 0
		for l.inflight.Load() > 0 {
			spinCount++
			if spinCount > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := false

		if l.processInternal() {
			drained = true
		}
		if l.drainExternalAll() {
			drained = true
		}
		if l.drainMicrotasks() {
			drained = true
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched() // Yield to let any racing submits complete
		}
	}
}

// tick is a single iteration of the event loop.
func (l *Loop) tick(ctx context.Context) {
	l.tickCount++

	l.runTimers()
	l.processInternal()
	l.processExternal()
	l.drainMicrotasks()
	l.sleep(ctx)
	l.drainMicrotasks()
}

// processInternal drains the internal priority queue.
func (l *Loop) processInternal() bool {
	l.internalMu.Lock()
	if len(l.internalQ) == 0 {
		l.internalMu.Unlock()
		return false
	}
	tasks := l.internalQ
	l.internalQ = l.internalBuf[:0]
	l.internalBuf = tasks[:0]
	l.internalMu.Unlock()

	for i, fn := range tasks {
		l.safeExecute(fn)
		tasks[i] = nil

		if l.strictMicrotaskOrdering {
			l.drainMicrotasks()
		}
	}
	return true
}

// processExternal processes external tasks with budget.
func (l *Loop) processExternal() {
	const budget = 1024

	l.externalMu.Lock()
	tasks := l.externalQ
	if len(tasks) > budget {
		// Leave the remainder for the next tick
		l.externalQ = append(l.externalBuf[:0], tasks[budget:]...)
		tasks = tasks[:budget]
	} else {
		l.externalQ = l.externalBuf[:0]
	}
	l.externalBuf = tasks[:0]
	l.externalMu.Unlock()

	for i, fn := range tasks {
		l.safeExecute(fn)
		tasks[i] = nil // Clear for GC

		if l.strictMicrotaskOrdering {
			l.drainMicrotasks()
		}
	}
}

// drainExternalAll drains the external queue without budget (shutdown path).
func (l *Loop) drainExternalAll() bool {
	l.externalMu.Lock()
	if len(l.externalQ) == 0 {
		l.externalMu.Unlock()
		return false
	}
	tasks := l.externalQ
	l.externalQ = l.externalBuf[:0]
	l.externalBuf = tasks[:0]
	l.externalMu.Unlock()

	for i, fn := range tasks {
		l.safeExecute(fn)
		tasks[i] = nil
	}
	return true
}

// drainMicrotasks drains the microtask queue, including microtasks scheduled
// by microtasks.
func (l *Loop) drainMicrotasks() (drained bool) {
	for {
		l.microMu.Lock()
		if len(l.microQ) == 0 {
			l.microMu.Unlock()
			return drained
		}
		tasks := l.microQ
		l.microQ = l.microBuf[:0]
		l.microBuf = tasks[:0]
		l.microMu.Unlock()

		drained = true
		for i, fn := range tasks {
			l.safeExecute(fn)
			tasks[i] = nil
		}
	}
}

// sleep parks the loop until woken, a timer expires, or ctx is cancelled.
func (l *Loop) sleep(ctx context.Context) {
	if l.state.Load() != StateRunning {
		return
	}

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	// Recheck queues after publishing Sleeping: a producer that pushed before
	// seeing Sleeping will not have signalled the wake channel.
	if l.hasPendingWork() {
		l.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	if l.state.Load() == StateTerminating {
		return
	}

	var timerC <-chan time.Time
	if d, ok := l.nextTimerDelay(); ok {
		tm := time.NewTimer(d)
		defer tm.Stop()
		timerC = tm.C
	}

	select {
	case <-l.wakeCh:
	case <-timerC:
	case <-ctx.Done():
	}

	// Drain a pending token so stale wakes don't cause a spurious spin
	select {
	case <-l.wakeCh:
	default:
	}
	l.wakePending.Store(0)

	l.state.TryTransition(StateSleeping, StateRunning)
}

// hasPendingWork reports whether any queue holds runnable work.
func (l *Loop) hasPendingWork() bool {
	l.externalMu.Lock()
	n := len(l.externalQ)
	l.externalMu.Unlock()
	if n > 0 {
		return true
	}

	l.internalMu.Lock()
	n = len(l.internalQ)
	l.internalMu.Unlock()
	if n > 0 {
		return true
	}

	l.microMu.Lock()
	n = len(l.microQ)
	l.microMu.Unlock()
	return n > 0
}

// nextTimerDelay returns the delay until the earliest timer, if any.
func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	if len(l.timers) == 0 {
		return 0, false
	}
	d := time.Until(l.timers[0].when)
	if d < 0 {
		d = 0
	}
	return d, true
}

// signalWake sends a wake token, never blocking.
func (l *Loop) signalWake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// wakeIfSleeping signals the loop if it has parked, deduplicating signals.
func (l *Loop) wakeIfSleeping() {
	if l.state.Load() != StateSleeping {
		return
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		l.signalWake()
	}
}

// Submit submits a task to the external queue, runnable from any goroutine.
//
// State Policy during shutdown:
//   - StateTerminated: returns ErrLoopTerminated
//   - StateTerminating: ALLOWS submission (loop needs to drain in-flight work)
//   - StateSleeping/StateRunning: normal operation
func (l *Loop) Submit(fn func()) error {
	// Increment inflight counter FIRST, before checking state
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	// The push is the linearization point
	l.externalMu.Lock()
	l.externalQ = append(l.externalQ, fn)
	l.externalMu.Unlock()

	l.wakeIfSleeping()
	return nil
}

// SubmitInternal submits a task to the internal priority queue. Internal
// tasks run before external tasks within a tick.
//
// Shutdown policy matches [Loop.Submit].
func (l *Loop) SubmitInternal(fn func()) error {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.internalMu.Lock()
	l.internalQ = append(l.internalQ, fn)
	l.internalMu.Unlock()

	l.wakeIfSleeping()
	return nil
}

// ScheduleMicrotask schedules a microtask. Microtasks run after the current
// task completes and before the loop sleeps, in FIFO order.
func (l *Loop) ScheduleMicrotask(fn func()) error {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.microMu.Lock()
	l.microQ = append(l.microQ, fn)
	l.microMu.Unlock()

	l.wakeIfSleeping()
	return nil
}

// ScheduleTimer schedules a task to be executed after the specified delay.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) error {
	when := time.Now().Add(delay)
	return l.SubmitInternal(func() {
		heap.Push(&l.timers, timer{when: when, fn: fn})
	})
}

// runTimers executes all expired timers.
func (l *Loop) runTimers() {
	if len(l.timers) == 0 {
		return
	}
	now := time.Now()
	for len(l.timers) > 0 {
		if l.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&l.timers).(timer)
		l.safeExecute(t.fn)

		if l.strictMicrotaskOrdering {
			l.drainMicrotasks()
		}
	}
}

// Wake attempts to wake up the loop from a suspended state.
//
// State Policy:
//   - StateSleeping: performs wake-up (if not already pending)
//   - anything else: returns nil (loop already active, or no-op on terminated)
func (l *Loop) Wake() error {
	l.wakeIfSleeping()
	return nil
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Done returns a channel closed when the loop has fully terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// IsCurrent reports whether the caller is running on the loop goroutine.
func (l *Loop) IsCurrent() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// safeExecute executes a task with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logTaskPanic(r)
		}
	}()

	fn()
}

// logTaskPanic reports a recovered task panic via the configured logger,
// falling back to the standard library logger. The structured path runs
// under its own recover: a logger misconfigured without an event factory
// panics on event allocation, and the panic handler crashing the process
// would defeat the loop's panic isolation.
func (l *Loop) logTaskPanic(r any) {
	if l.logger != nil && l.logTaskPanicStructured(r) {
		return
	}
	log.Printf("ERROR: futurebridge: task panicked: %v", r)
}

func (l *Loop) logTaskPanicStructured(r any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	l.logger.Err().
		Err(PanicError{Value: r}).
		Uint64("loop", l.id).
		Log("task panicked")
	return true
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
