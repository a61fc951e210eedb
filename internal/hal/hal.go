// Package hal defines the consumed HAL/Loop interfaces from spec.md §6:
// semaphore_create, semaphore_signal, fence_create_from_semaphores on the
// HAL side, and wait_one/call/wait_until/drain on the Loop side. The core
// treats both as opaque external collaborators; internal/hal/simhal and
// internal/hal/fcdriver are the two concrete implementations this module
// supplies (an in-process simulator for tests, and a Firecracker-backed
// driver for the one demonstrative HAL device class).
package hal

import "time"

// Semaphore is a per-(device,queue) timeline semaphore. Signal must only be
// called with a strictly increasing timepoint for a given Semaphore.
type Semaphore interface {
	// Signal advances the semaphore's timeline to timepoint.
	Signal(timepoint uint64) error
	// Query returns the highest timepoint the semaphore has reached.
	Query() (uint64, error)
}

// SemaphoreTimepoint pairs a Semaphore with a specific timepoint, the unit
// fence_create_from_semaphores is built from.
type SemaphoreTimepoint struct {
	Semaphore Semaphore
	Timepoint uint64
}

// Fence is the opaque wait/signal handle passed across the VM boundary as
// the last two coarse-fences arguments.
type Fence interface {
	// Wait blocks the calling goroutine until every constituent semaphore
	// has reached its recorded timepoint, or the deadline elapses.
	Wait(deadline time.Time) error
}

// HAL is the consumed semaphore/fence factory.
type HAL interface {
	// CreateSemaphore allocates a new timeline semaphore bound to dev.
	CreateSemaphore(dev any) (Semaphore, error)
	// CreateFenceFromSemaphores joins a set of (semaphore, timepoint)
	// pairs into a single waitable fence.
	CreateFenceFromSemaphores(pairs []SemaphoreTimepoint) (Fence, error)
}

// WaitSource is a registration token passed to Loop.WaitOne. Signal marks it
// ready; it is safe to call from any goroutine, which is what lets Worker
// use one as its own "transact" event (spec.md §4.1) signaled from
// CallThreadsafe/Kill on foreign threads.
type WaitSource interface {
	Signal()
}

// Loop is the consumed async event loop the Worker drains. Exactly one Loop
// backs a given Worker; CallLowLevel/WaitOneLowLevel/WaitUntilLowLevel on
// Worker all delegate to it, and the Worker's own transact event is a
// WaitSource obtained from the same Loop via NewWaitSource.
type Loop interface {
	// NewWaitSource creates a fresh, unsignaled WaitSource usable with
	// WaitOne on this Loop.
	NewWaitSource() WaitSource
	// WaitOne registers cb to fire once source becomes ready or deadline
	// elapses, whichever comes first.
	WaitOne(source WaitSource, deadline time.Time, cb func(err error)) error
	// Call schedules cb to run on the loop with the given priority
	// (higher values run first within a drain cycle).
	Call(priority int, cb func()) error
	// WaitUntil schedules cb to run at deadline.
	WaitUntil(deadline time.Time, cb func()) error
	// Drain runs ready callbacks for up to quantum and returns. A non-nil
	// error is treated as fatal by the Worker (spec.md §4.1/§7).
	Drain(quantum time.Duration) error
}
