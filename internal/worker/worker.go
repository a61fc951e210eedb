// Package worker implements the single-threaded cooperative event loop from
// spec.md §4.1: a FIFO thunk queue drained on a "transact" wait source, plus
// pass-through registration of low-level loop waits for VM/HAL completions.
// Grounded on the teacher's internal/engine.Engine (goroutine lifecycle,
// sync.WaitGroup-style draining) and internal/engine/logbroker.go (a
// mutex-guarded, channel-fanout primitive), generalized from one-goroutine-
// per-workload orchestration to a single cooperative loop per Worker.
package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nod-ai/sharktank/internal/hal"
	"github.com/nod-ai/sharktank/internal/hal/simhal"
	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/rtmetrics"
)

// State is the Worker lifecycle state from spec.md §4.1:
// NEW → STARTED → RUNNING → (KILL_REQUESTED) → ENDED.
type State int32

const (
	StateNew State = iota
	StateStarted
	StateRunning
	StateKillRequested
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarted:
		return "STARTED"
	case StateRunning:
		return "RUNNING"
	case StateKillRequested:
		return "KILL_REQUESTED"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Options configures a Worker. See spec.md §4.1.
type Options struct {
	// Name is used for thread naming and log/metric labels.
	Name string
	// OwnedThread, when true, means Start spawns and owns a dedicated
	// goroutine; when false, a host goroutine must call
	// RunOnCurrentThread exactly once.
	OwnedThread bool
	// Quantum is the maximum time a single drain cycle may run when
	// OwnedThread is true (and the cap used for each iteration
	// regardless of ownership mode).
	Quantum time.Duration
	// Loop is the consumed async event loop backing CallLowLevel et al.
	// Defaults to a fresh simhal.Loop if nil.
	Loop hal.Loop
	// Logger receives structured loop diagnostics. Defaults to
	// slog.Default() if nil.
	Logger *slog.Logger
	// OnThreadStart/OnThreadStop are no-op by default hooks a caller may
	// install to observe loop lifecycle, matching spec.md §4.1's
	// "subclasses" hook description.
	OnThreadStart func()
	OnThreadStop  func()
	// OnFatal is invoked when the loop's Drain reports a non-recoverable
	// status (spec.md §7: Fatal aborts the process). Defaults to logging
	// and then panicking on the loop goroutine; tests override this to
	// avoid killing the test binary.
	OnFatal func(w *Worker, err error)
}

const defaultQuantum = 10 * time.Millisecond

// Worker is a single-threaded cooperative event loop. See package doc.
type Worker struct {
	name        string
	ownedThread bool
	quantum     time.Duration
	loop        hal.Loop
	logger      *slog.Logger
	onStart     func()
	onStop      func()
	onFatal     func(*Worker, error)

	mu      sync.Mutex
	pending []func()

	transact hal.WaitSource

	state         atomic.Int32
	killRequested atomic.Bool
	startClaimed  atomic.Bool
	runClaimed    atomic.Bool
	inLoop        atomic.Bool

	endedOnce sync.Once
	endedCh   chan struct{}
}

// New constructs a Worker in state NEW. It does not start any goroutine.
func New(opts Options) *Worker {
	loop := opts.Loop
	if loop == nil {
		loop = simhal.New()
	}
	quantum := opts.Quantum
	if quantum <= 0 {
		quantum = defaultQuantum
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		name:        opts.Name,
		ownedThread: opts.OwnedThread,
		quantum:     quantum,
		loop:        loop,
		logger:      logger,
		onStart:     opts.OnThreadStart,
		onStop:      opts.OnThreadStop,
		onFatal:     opts.OnFatal,
		endedCh:     make(chan struct{}),
	}
	w.transact = loop.NewWaitSource()
	w.state.Store(int32(StateNew))
	return w
}

// Name returns the Worker's configured name.
func (w *Worker) Name() string { return w.name }

// State returns the Worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Loop returns the underlying hal.Loop, for collaborators (e.g. the
// invocation engine) that register VM completion callbacks directly.
func (w *Worker) Loop() hal.Loop { return w.loop }

// Start spawns and owns a dedicated goroutine running the loop. Fails with
// LogicError if the Worker was not configured with OwnedThread, or if
// already started.
func (w *Worker) Start() error {
	if !w.ownedThread {
		return rterr.Logic("Worker.Start", "Worker is not configured with owned_thread")
	}
	if !w.startClaimed.CompareAndSwap(false, true) {
		return rterr.Logic("Worker.Start", "Worker already started")
	}
	w.state.Store(int32(StateStarted))
	go w.runLoop()
	return nil
}

// RunOnCurrentThread runs the loop on the calling goroutine until Kill,
// blocking. Fails with LogicError if OwnedThread is set, or if already run.
func (w *Worker) RunOnCurrentThread() error {
	if w.ownedThread {
		return rterr.Logic("Worker.RunOnCurrentThread", "Worker is configured with owned_thread")
	}
	if !w.runClaimed.CompareAndSwap(false, true) {
		return rterr.Logic("Worker.RunOnCurrentThread", "already run")
	}
	w.state.Store(int32(StateStarted))
	w.runLoop()
	return nil
}

// Kill requests loop shutdown. Safe to call from any thread. Per
// spec.md §9 open question (b), calling Kill on a non-owned-thread Worker
// before RunOnCurrentThread has ever been called is a LogicError, defined
// this way for symmetry with the owned-thread case (Start must precede
// Kill there too, implicitly, since nothing is running to kill).
func (w *Worker) Kill() error {
	if !w.ownedThread && !w.runClaimed.Load() {
		return rterr.Logic("Worker.Kill", "Kill before RunOnCurrentThread")
	}
	if w.ownedThread && !w.startClaimed.Load() {
		return rterr.Logic("Worker.Kill", "Kill before Start")
	}
	w.killRequested.Store(true)
	w.transact.Signal()
	return nil
}

// WaitForShutdown blocks until the Worker's ENDED event fires. Only valid
// for OwnedThread Workers. Each individual wait is capped at 5s; on timeout
// it logs a warning and retries unconditionally (spec.md §5, §7).
func (w *Worker) WaitForShutdown() error {
	if !w.ownedThread {
		return rterr.Logic("Worker.WaitForShutdown", "Worker is not configured with owned_thread")
	}
	for {
		select {
		case <-w.endedCh:
			return nil
		case <-time.After(5 * time.Second):
			w.logger.Warn("WaitForShutdown still waiting on worker to end", "worker", w.name)
		}
	}
}

// CallThreadsafe enqueues thunk under the internal mutex and signals
// transact. Safe to call from any thread. Thunks from a single calling
// goroutine execute in the order enqueued (spec.md §5, §8 property 1).
func (w *Worker) CallThreadsafe(thunk func()) {
	w.mu.Lock()
	w.pending = append(w.pending, thunk)
	depth := len(w.pending)
	w.mu.Unlock()
	rtmetrics.WorkerPendingThunks.WithLabelValues(w.name).Set(float64(depth))
	w.transact.Signal()
}

// onLoopThread reports whether the calling goroutine is currently executing
// within this Worker's Drain cycle. Go does not expose goroutine identity,
// so thread-affinity here is enforced via a flag set for the duration of
// Drain rather than true OS/goroutine-id comparison — every callback that
// can run CallLowLevel et al. (thunks, registered waits, timers) only runs
// from inside that same Drain call on the loop's own goroutine, so the flag
// is equivalent in practice to a thread-identity check.
func (w *Worker) onLoopThread() bool { return w.inLoop.Load() }

// OnLoopThread reports whether the calling goroutine is currently executing
// within this Worker's Drain cycle. Collaborators outside this package
// (ProgramInvocation.Invoke, Fiber) that must enforce the same thread-
// affinity invariant use this rather than duplicating the approximation.
func (w *Worker) OnLoopThread() bool { return w.onLoopThread() }

// CallLowLevel registers cb to run on the loop with the given priority.
// Must be called on the Worker thread.
func (w *Worker) CallLowLevel(cb func(), priority int) error {
	if !w.onLoopThread() {
		return rterr.Logic("Worker.CallLowLevel", "must be called on the Worker thread")
	}
	return w.loop.Call(priority, cb)
}

// WaitUntilLowLevel registers cb to run at deadline. Must be called on the
// Worker thread.
func (w *Worker) WaitUntilLowLevel(deadline time.Time, cb func()) error {
	if !w.onLoopThread() {
		return rterr.Logic("Worker.WaitUntilLowLevel", "must be called on the Worker thread")
	}
	return w.loop.WaitUntil(deadline, cb)
}

// WaitOneLowLevel registers cb to fire once source is ready or deadline
// elapses. Must be called on the Worker thread.
func (w *Worker) WaitOneLowLevel(source hal.WaitSource, deadline time.Time, cb func(error)) error {
	if !w.onLoopThread() {
		return rterr.Logic("Worker.WaitOneLowLevel", "must be called on the Worker thread")
	}
	return w.loop.WaitOne(source, deadline, cb)
}

// NewWaitSource creates a fresh WaitSource on this Worker's Loop, for
// collaborators that need to register their own low-level waits.
func (w *Worker) NewWaitSource() hal.WaitSource { return w.loop.NewWaitSource() }

// now returns the monotonic wall-clock time used by the loop.
func (w *Worker) now() time.Time { return time.Now() }

// ConvertRelativeTimeoutToDeadlineNs converts a relative timeout in
// nanoseconds to an absolute deadline in UnixNano.
func (w *Worker) ConvertRelativeTimeoutToDeadlineNs(relativeNs int64) int64 {
	return w.now().UnixNano() + relativeNs
}

// Stats is a diagnostic snapshot, supplementing spec.md with the teacher's
// aggregate-stats-handler style (internal/api/stats.go), repurposed from
// workload statistics to Worker statistics.
type Stats struct {
	Name          string
	State         State
	PendingThunks int
	KillRequested bool
}

// Stats returns a point-in-time snapshot of the Worker's queue depth and
// lifecycle state.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	depth := len(w.pending)
	w.mu.Unlock()
	return Stats{
		Name:          w.name,
		State:         w.State(),
		PendingThunks: depth,
		KillRequested: w.killRequested.Load(),
	}
}

func (w *Worker) runLoop() {
	if w.onStart != nil {
		w.onStart()
	}
	w.state.Store(int32(StateRunning))
	defer func() {
		if w.onStop != nil {
			w.onStop()
		}
		w.state.Store(int32(StateEnded))
		w.endedOnce.Do(func() { close(w.endedCh) })
	}()

	for {
		deadline := w.now().Add(w.quantum)
		if err := w.loop.WaitOne(w.transact, deadline, w.onTransact); err != nil {
			w.fatal(fmt.Errorf("register transact wait: %w", err))
			return
		}

		w.inLoop.Store(true)
		err := w.loop.Drain(w.quantum)
		w.inLoop.Store(false)

		if err != nil {
			w.fatal(fmt.Errorf("loop drain: %w", err))
			return
		}

		if w.killRequested.Load() {
			w.discardPending()
			return
		}
	}
}

// onTransact runs on the loop goroutine when the transact wait source fires
// (either signaled, or timed out at the end of a quantum — both cases drain
// whatever thunks are pending, matching spec.md §4.1 step 3).
func (w *Worker) onTransact(error) {
	w.mu.Lock()
	next := w.pending
	w.pending = nil
	w.mu.Unlock()
	rtmetrics.WorkerPendingThunks.WithLabelValues(w.name).Set(0)

	if len(next) == 0 {
		return
	}
	start := time.Now()
	for _, thunk := range next {
		w.runThunkSafely(thunk)
	}
	rtmetrics.WorkerDrainDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
}

// runThunkSafely executes thunk, recovering and logging a panic so that one
// failing thunk never stops the loop (spec.md §4.1 "Failure semantics").
func (w *Worker) runThunkSafely(thunk func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("thunk panicked", "worker", w.name, "panic", r)
		}
	}()
	thunk()
}

func (w *Worker) discardPending() {
	w.mu.Lock()
	dropped := len(w.pending)
	w.pending = nil
	w.mu.Unlock()
	if dropped > 0 {
		w.logger.Info("discarded pending thunks at kill", "worker", w.name, "count", dropped)
	}
}

func (w *Worker) fatal(err error) {
	w.logger.Error("worker loop fatal", "worker", w.name, "error", err)
	if w.onFatal != nil {
		w.onFatal(w, err)
		return
	}
	panic(fmt.Sprintf("sharktank: fatal worker loop error on %q: %v", w.name, err))
}
