// Package simhal is an in-process simulator of the HAL/Loop external
// collaborators from spec.md §6, used as the default Loop/HAL for Workers
// that are not bound to a real accelerator driver (tests, the CPU-only
// invocation path, and any fiber that only needs NONE/UNKNOWN invocations).
// It has no analogue in the teacher repo's HTTP-facing code; it is grounded
// on the cooperative-loop shape common across the retrieval pack's event
// loop examples (a ready-queue of callbacks drained each tick plus a
// deadline-ordered timer set), generalized to the hal.Loop contract.
package simhal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nod-ai/sharktank/internal/hal"
)

// Source is a level-triggered wait source: Signal marks it ready, and the
// first Loop.WaitOne registration to observe readiness consumes it.
type Source struct {
	signaled atomic.Bool
}

// NewSource creates an unsignaled wait source.
func NewSource() *Source { return &Source{} }

// Signal marks the source ready. Safe to call from any goroutine.
func (s *Source) Signal() { s.signaled.Store(true) }

func (s *Source) consume() bool { return s.signaled.CompareAndSwap(true, false) }

type waitEntry struct {
	source   *Source
	deadline time.Time
	cb       func(error)
}

type call struct {
	priority int
	cb       func()
}

type timerEntry struct {
	deadline time.Time
	cb       func()
}

// Loop is a single-threaded-use event loop: all methods are intended to be
// invoked from the Worker that owns the Loop, matching spec.md §5's
// single-owner rule. Registration methods (WaitOne/Call/WaitUntil) append
// under a mutex so that Worker.CallThreadsafe-style producers could, in
// principle, register from elsewhere, but the runtime core never does so.
type Loop struct {
	mu      sync.Mutex
	calls   []call
	timers  []timerEntry
	waiters []waitEntry
}

// New creates an empty Loop.
func New() *Loop { return &Loop{} }

// NewWaitSource creates a fresh unsignaled Source.
func (l *Loop) NewWaitSource() hal.WaitSource { return NewSource() }

// WaitOne registers cb to fire once source is signaled or deadline elapses.
func (l *Loop) WaitOne(source hal.WaitSource, deadline time.Time, cb func(err error)) error {
	src, ok := source.(*Source)
	if !ok {
		return fmt.Errorf("simhal: WaitOne source %T is not a simhal.Source", source)
	}
	l.mu.Lock()
	l.waiters = append(l.waiters, waitEntry{source: src, deadline: deadline, cb: cb})
	l.mu.Unlock()
	return nil
}

// Call schedules cb to run on the next Drain, highest priority first.
func (l *Loop) Call(priority int, cb func()) error {
	l.mu.Lock()
	l.calls = append(l.calls, call{priority: priority, cb: cb})
	l.mu.Unlock()
	return nil
}

// WaitUntil schedules cb to run once time.Now() reaches deadline.
func (l *Loop) WaitUntil(deadline time.Time, cb func()) error {
	l.mu.Lock()
	l.timers = append(l.timers, timerEntry{deadline: deadline, cb: cb})
	l.mu.Unlock()
	return nil
}

// Drain runs ready work for up to quantum, returning early if nothing is
// ready rather than busy-spinning the full quantum.
func (l *Loop) Drain(quantum time.Duration) error {
	end := time.Now().Add(quantum)
	for {
		ran := l.runOnce()
		if !ran {
			return nil
		}
		if time.Now().After(end) {
			return nil
		}
	}
}

func (l *Loop) runOnce() bool {
	l.mu.Lock()
	calls := l.calls
	l.calls = nil
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].priority > calls[j].priority })

	now := time.Now()
	var readyTimers []timerEntry
	var remainingTimers []timerEntry
	for _, t := range l.timers {
		if now.After(t.deadline) || now.Equal(t.deadline) {
			readyTimers = append(readyTimers, t)
		} else {
			remainingTimers = append(remainingTimers, t)
		}
	}
	l.timers = remainingTimers

	type readyWait struct {
		cb  func(error)
		err error
	}
	var readyWaits []readyWait
	var remainingWaits []waitEntry
	for _, w := range l.waiters {
		switch {
		case w.source.consume():
			readyWaits = append(readyWaits, readyWait{cb: w.cb})
		case now.After(w.deadline):
			readyWaits = append(readyWaits, readyWait{cb: w.cb, err: context.DeadlineExceeded})
		default:
			remainingWaits = append(remainingWaits, w)
		}
	}
	l.waiters = remainingWaits
	l.mu.Unlock()

	ran := len(calls) > 0 || len(readyTimers) > 0 || len(readyWaits) > 0
	for _, c := range calls {
		c.cb()
	}
	for _, t := range readyTimers {
		t.cb()
	}
	for _, w := range readyWaits {
		w.cb(w.err)
	}
	return ran
}
