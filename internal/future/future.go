// Package future implements the single-resolution Future[T] primitive that
// ProgramInvocation.Invoke and async HAL dispatch resolve into. A Future is
// completed exactly once, from any thread, and every registered observer
// runs on the Future's owning Worker via CallThreadsafe — never inline on
// the completing thread. Grounded on the teacher's internal/engine/logbroker.go
// mutex-guarded-state-plus-fanout shape, generalized from "broadcast log
// lines to subscribers" to "resolve a single value to observers once".
package future

import (
	"sync"

	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/worker"
)

// Future is a single-resolution result cell owned by a Worker. The zero
// value is not usable; construct with New.
type Future[T any] struct {
	w *worker.Worker

	mu        sync.Mutex
	done      bool
	value     T
	err       error
	observers []func(T, error)
}

// New creates an unresolved Future owned by w. Observers registered with
// OnComplete, and the resolving call to Complete/Fail itself, may happen
// from any thread; delivery to observers always happens via w.CallThreadsafe.
func New[T any](w *worker.Worker) *Future[T] {
	return &Future[T]{w: w}
}

// Complete resolves the Future successfully with value. Returns a
// LogicError if the Future was already resolved.
func (f *Future[T]) Complete(value T) error {
	return f.resolve(value, nil)
}

// Fail resolves the Future with err. Returns a LogicError if the Future was
// already resolved (the original resolution, not err, is what observers see).
func (f *Future[T]) Fail(err error) error {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(value T, err error) error {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return rterr.Logic("Future.resolve", "Future already completed")
	}
	f.done = true
	f.value = value
	f.err = err
	observers := f.observers
	f.observers = nil
	f.mu.Unlock()

	for _, obs := range observers {
		obs := obs
		f.w.CallThreadsafe(func() { obs(value, err) })
	}
	return nil
}

// OnComplete registers cb to run on the owning Worker once the Future
// resolves. If the Future is already resolved, cb is scheduled immediately
// via CallThreadsafe rather than called inline, so callers never observe
// re-entrant completion.
func (f *Future[T]) OnComplete(cb func(value T, err error)) {
	f.mu.Lock()
	if f.done {
		value, err := f.value, f.err
		f.mu.Unlock()
		f.w.CallThreadsafe(func() { cb(value, err) })
		return
	}
	f.observers = append(f.observers, cb)
	f.mu.Unlock()
}

// Done reports whether the Future has resolved yet. Safe from any thread;
// intended for diagnostics, not for synchronization.
func (f *Future[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Wait blocks the calling goroutine until the Future resolves and returns
// its value/error, for host code (tests, CLI entry points) that is not
// itself running on the owning Worker's loop. Invocation/fiber code on the
// Worker thread must use OnComplete instead — calling Wait from the
// Worker's own loop goroutine would deadlock since nothing else drains it.
func (f *Future[T]) Wait() (T, error) {
	done := make(chan struct{})
	var value T
	var err error
	f.OnComplete(func(v T, e error) {
		value, err = v, e
		close(done)
	})
	<-done
	return value, err
}
