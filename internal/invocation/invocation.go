// Package invocation implements spec.md §4.3's ProgramInvocation: the
// per-call builder that accumulates arguments and a device selection, then
// assembles the coarse-fences calling convention (a wait Fence and a signal
// Fence appended as the final two VM arguments) from the Fiber's
// per-(device,queue) timeline state, dispatches the call, and resolves a
// Future with its results. Grounded on the teacher's internal/engine.Engine
// state machine (pending -> running -> completed/failed, one-shot, foreign-
// thread-safe completion) and internal/backend/firecracker/vsock.go's
// async result delivery, generalized from one workload execution to one VM
// function call with explicit queue-timeline fences.
package invocation

import (
	"fmt"
	"sync"

	"github.com/nod-ai/sharktank/internal/device"
	"github.com/nod-ai/sharktank/internal/fiber"
	"github.com/nod-ai/sharktank/internal/future"
	"github.com/nod-ai/sharktank/internal/hal"
	"github.com/nod-ai/sharktank/internal/program"
	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/rtmetrics"
	"github.com/nod-ai/sharktank/internal/vm"
)

// State is the ProgramInvocation lifecycle: BUILT -> SCHEDULED -> RESOLVED.
type State int

const (
	StateBuilt State = iota
	StateScheduled
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "BUILT"
	case StateScheduled:
		return "SCHEDULED"
	case StateResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// Barrier classifies how a Marshalable argument relates to the device
// queues it is resident on (spec.md §5).
type Barrier int

const (
	// BarrierNone means the value carries no device residency (a plain
	// scalar/host value); AddArg is the normal way to add these, but a
	// Marshalable may also report BarrierNone if its storage is host-only.
	BarrierNone Barrier = iota
	// BarrierRead means the invocation must wait for, but not also
	// extend, the value's queue timeline.
	BarrierRead
	// BarrierWrite means the invocation both waits for and will advance
	// the value's queue timeline, and that queue therefore joins the
	// invocation's own signal set.
	BarrierWrite
)

func (b Barrier) String() string {
	switch b {
	case BarrierRead:
		return "read"
	case BarrierWrite:
		return "write"
	default:
		return "none"
	}
}

// Marshalable is a device-resident value (a tensor/buffer view) that
// implicates one or more device queues in an invocation's fence assembly.
type Marshalable interface {
	// Affinity names the device(s)/queue(s) this value is resident on.
	// An empty Affinity means the value carries no device residency.
	Affinity() device.Affinity
	// Barrier classifies the access this invocation makes to the value.
	Barrier() Barrier
	// MarshalArg returns the concrete value appended to the VM call's
	// argument list in this Marshalable's position.
	MarshalArg() any
}

// SignalPoint names one (device, timepoint) pair an Invocation's completion
// advances, for downstream invocations' wait-fence assembly to reference.
type SignalPoint struct {
	Device    *device.Device
	Timepoint uint64
}

// Invocation is a single call to a Function, built up via AddArg/AddArgRef/
// DeviceSelect and then dispatched with Invoke.
type Invocation struct {
	fib  *fiber.Fiber
	prog *program.Program
	fn   *program.Function
	fut  *future.Future[[]any]

	mu              sync.Mutex
	state           State
	callArgs        []any
	refs            []Marshalable
	deviceSelect    fiber.ScopedDevice
	hasDeviceSelect bool
	signalPoints    []SignalPoint
	results         []any
	resultErr       error
}

// New creates a BUILT Invocation of fn, to run on fib.
func New(fib *fiber.Fiber, prog *program.Program, fn *program.Function) *Invocation {
	return &Invocation{
		fib:  fib,
		prog: prog,
		fn:   fn,
		fut:  future.New[[]any](fib.Worker()),
	}
}

// String renders a short diagnostic summary, matching spec.md's to_s().
func (inv *Invocation) String() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return fmt.Sprintf("Invocation(%s)[%s, args=%d]", inv.fn.Ref(), inv.state, len(inv.callArgs))
}

// checkNotScheduled enforces that mutating calls only happen while BUILT.
func (inv *Invocation) checkNotScheduled(op string) error {
	if inv.state != StateBuilt {
		return rterr.Logic(op, fmt.Sprintf("invocation is %s, not BUILT", inv.state))
	}
	return nil
}

// AddArg appends a plain (non-device-resident) argument.
func (inv *Invocation) AddArg(value any) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if err := inv.checkNotScheduled("Invocation.AddArg"); err != nil {
		return err
	}
	inv.callArgs = append(inv.callArgs, value)
	return nil
}

// AddArgRef appends a device-resident argument, recording its affinity and
// barrier for fence assembly.
func (inv *Invocation) AddArgRef(m Marshalable) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if err := inv.checkNotScheduled("Invocation.AddArgRef"); err != nil {
		return err
	}
	inv.callArgs = append(inv.callArgs, m.MarshalArg())
	inv.refs = append(inv.refs, m)
	return nil
}

// DeviceSelect records which device/queue set this invocation executes on.
func (inv *Invocation) DeviceSelect(sd fiber.ScopedDevice) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if err := inv.checkNotScheduled("Invocation.DeviceSelect"); err != nil {
		return err
	}
	if sd.IsEmpty() {
		return rterr.InvalidArg("Invocation.DeviceSelect", "ScopedDevice is empty")
	}
	inv.deviceSelect = sd
	inv.hasDeviceSelect = true
	return nil
}

// State returns the invocation's current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// ResultsSize returns the number of results this invocation resolved to.
// Returns a LogicError unless State() is RESOLVED.
func (inv *Invocation) ResultsSize() (int, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateResolved {
		return 0, rterr.Logic("Invocation.ResultsSize", fmt.Sprintf("invocation is %s, not RESOLVED", inv.state))
	}
	return len(inv.results), nil
}

// ResultRef returns the i'th result. Returns a LogicError unless State() is
// RESOLVED, or an InvalidArgument if i is out of range.
func (inv *Invocation) ResultRef(i int) (any, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateResolved {
		return nil, rterr.Logic("Invocation.ResultRef", fmt.Sprintf("invocation is %s, not RESOLVED", inv.state))
	}
	if i < 0 || i >= len(inv.results) {
		return nil, rterr.InvalidArg("Invocation.ResultRef", fmt.Sprintf("index %d out of range [0,%d)", i, len(inv.results)))
	}
	return inv.results[i], nil
}

// CoarseSignal returns the (device, timepoint) pairs this invocation's
// completion advances, populated once Invoke has successfully dispatched.
func (inv *Invocation) CoarseSignal() []SignalPoint {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]SignalPoint(nil), inv.signalPoints...)
}

// queuePoint is one resolved (device, queue) endpoint implicated by this
// invocation's device select or its arguments' affinities.
type queuePoint struct {
	device *device.Device
}

func collectQueues(fib *fiber.Fiber, aff device.Affinity, into *[]queuePoint, seen map[string]bool) error {
	if aff.IsEmpty() {
		return nil
	}
	placement := aff.Device()
	for q := 0; q < device.MaxQueues; q++ {
		if !aff.HasQueue(q) {
			continue
		}
		d, ok := fib.DeviceAtQueue(placement, q)
		if !ok {
			return rterr.InvalidArg("Invocation.Invoke", fmt.Sprintf("no device at queue %d for placement %s", q, placement.Name()))
		}
		if seen[d.Name()] {
			continue
		}
		seen[d.Name()] = true
		*into = append(*into, queuePoint{device: d})
	}
	return nil
}

// Invoke assembles the coarse-fences calling convention from this
// invocation's device select and argument affinities, dispatches the call
// via the Program, and returns a Future observers can attach to. Invoke
// must be called on the Fiber's owning Worker thread: it reads and advances
// Fiber queue-timeline state, which is not safe from a foreign thread.
func (inv *Invocation) Invoke() (*future.Future[[]any], error) {
	if !inv.fib.Worker().OnLoopThread() {
		return nil, rterr.Logic("Invocation.Invoke", "must be called on the Fiber's Worker thread")
	}

	inv.mu.Lock()
	if err := inv.checkNotScheduled("Invocation.Invoke"); err != nil {
		inv.mu.Unlock()
		return nil, err
	}
	model := inv.fn.InvocationModel()
	if model == vm.ModelCoarseFences && !inv.hasDeviceSelect {
		inv.mu.Unlock()
		return nil, rterr.Logic("Invocation.Invoke", "DeviceSelect must be called before Invoke")
	}
	callArgs := append([]any(nil), inv.callArgs...)
	refs := append([]Marshalable(nil), inv.refs...)
	deviceSelect := inv.deviceSelect
	inv.mu.Unlock()

	// NONE/UNKNOWN functions pass args through unchanged: the host never
	// waits on or signals via a Fence for them (spec.md §4.3), so fence
	// assembly is skipped entirely rather than built and discarded.
	if model != vm.ModelCoarseFences {
		return inv.invokePassthrough(model, callArgs)
	}

	// Wait set: every queue either the device select or any argument
	// (read or write) touches.
	var waitQueues []queuePoint
	seen := map[string]bool{}
	if err := collectQueues(inv.fib, deviceSelect.Affinity(), &waitQueues, seen); err != nil {
		return nil, err
	}
	for _, r := range refs {
		if r.Barrier() == BarrierNone {
			continue
		}
		if err := collectQueues(inv.fib, r.Affinity(), &waitQueues, seen); err != nil {
			return nil, err
		}
	}

	waitPairs := make([]hal.SemaphoreTimepoint, 0, len(waitQueues))
	for _, qp := range waitQueues {
		tp := inv.fib.LastSignaled(qp.device)
		if tp == 0 {
			continue
		}
		sem, err := inv.fib.SemaphoreFor(qp.device)
		if err != nil {
			return nil, err
		}
		waitPairs = append(waitPairs, hal.SemaphoreTimepoint{Semaphore: sem, Timepoint: tp})
	}

	// Signal set: the device select's own queues, plus any write-barrier
	// argument queues not already covered by the device select.
	var signalQueues []queuePoint
	signalSeen := map[string]bool{}
	if err := collectQueues(inv.fib, deviceSelect.Affinity(), &signalQueues, signalSeen); err != nil {
		return nil, err
	}
	for _, r := range refs {
		if r.Barrier() != BarrierWrite {
			continue
		}
		if err := collectQueues(inv.fib, r.Affinity(), &signalQueues, signalSeen); err != nil {
			return nil, err
		}
	}

	halImpl, ok := deviceSelect.Device().Handle().(hal.HAL)
	if !ok {
		return nil, rterr.Logic("Invocation.Invoke", fmt.Sprintf("device %q has no hal.HAL handle", deviceSelect.Device().Name()))
	}

	var waitFence hal.Fence
	var err error
	if len(waitPairs) > 0 {
		waitFence, err = halImpl.CreateFenceFromSemaphores(waitPairs)
		if err != nil {
			return nil, rterr.Wrap(rterr.RuntimeFailure, "Invocation.Invoke", "wait fence", err)
		}
	}

	signalPairs := make([]hal.SemaphoreTimepoint, 0, len(signalQueues))
	signalPoints := make([]SignalPoint, 0, len(signalQueues))
	for _, qp := range signalQueues {
		sem, err := inv.fib.SemaphoreFor(qp.device)
		if err != nil {
			return nil, err
		}
		tp := inv.fib.AllocateSignalTimepoint(qp.device)
		signalPairs = append(signalPairs, hal.SemaphoreTimepoint{Semaphore: sem, Timepoint: tp})
		signalPoints = append(signalPoints, SignalPoint{Device: qp.device, Timepoint: tp})
	}
	signalFence, err := halImpl.CreateFenceFromSemaphores(signalPairs)
	if err != nil {
		return nil, rterr.Wrap(rterr.RuntimeFailure, "Invocation.Invoke", "signal fence", err)
	}

	finalArgs := append(append([]any(nil), callArgs...), waitFence, signalFence)
	resultCount := inv.fn.Attrs().NumResults
	modelLabel := rtmetrics.ModelCoarseFences

	cb := func(results []any, invokeErr error) {
		// Advance each signal queue's real semaphore only on success: a
		// failed call never reaches the point its signal fence represents,
		// so downstream consumers waiting on it should not be unblocked.
		if invokeErr == nil {
			for _, pair := range signalPairs {
				if err := pair.Semaphore.Signal(pair.Timepoint); err != nil {
					invokeErr = rterr.Wrap(rterr.RuntimeFailure, "Invocation.Invoke", "signal semaphore", err)
					break
				}
			}
		}
		for i, qp := range signalQueues {
			rtmetrics.QueueSignalTimepoint.WithLabelValues(qp.device.Name(), fmt.Sprintf("%d", qp.device.Address().QueueOrdinal)).Set(float64(signalPoints[i].Timepoint))
		}

		inv.mu.Lock()
		inv.state = StateResolved
		inv.results = results
		inv.resultErr = invokeErr
		inv.mu.Unlock()

		outcome := rtmetrics.OutcomeSuccess
		if invokeErr != nil {
			outcome = rtmetrics.OutcomeFailure
		}
		rtmetrics.InvocationsTotal.WithLabelValues(modelLabel, outcome).Inc()

		if invokeErr != nil {
			inv.fut.Fail(invokeErr)
		} else {
			inv.fut.Complete(results)
		}
	}

	if err := inv.prog.AsyncInvoke(inv.fn, finalArgs, resultCount, cb); err != nil {
		return nil, rterr.Wrap(rterr.RuntimeFailure, "Invocation.Invoke", "AsyncInvoke", err)
	}

	inv.mu.Lock()
	inv.state = StateScheduled
	inv.signalPoints = signalPoints
	inv.mu.Unlock()

	return inv.fut, nil
}

// invokePassthrough dispatches a NONE/UNKNOWN-model function: args pass
// through unchanged, no wait/signal Fence is assembled, and no queue
// timeline is advanced, since there is nothing for a coarse-fences
// consumer to ever wait on.
func (inv *Invocation) invokePassthrough(model vm.InvocationModel, callArgs []any) (*future.Future[[]any], error) {
	resultCount := inv.fn.Attrs().NumResults
	modelLabel := rtmetrics.ModelNone
	if model == vm.ModelUnknown {
		modelLabel = rtmetrics.ModelUnknown
	}

	cb := func(results []any, invokeErr error) {
		inv.mu.Lock()
		inv.state = StateResolved
		inv.results = results
		inv.resultErr = invokeErr
		inv.mu.Unlock()

		outcome := rtmetrics.OutcomeSuccess
		if invokeErr != nil {
			outcome = rtmetrics.OutcomeFailure
		}
		rtmetrics.InvocationsTotal.WithLabelValues(modelLabel, outcome).Inc()

		if invokeErr != nil {
			inv.fut.Fail(invokeErr)
		} else {
			inv.fut.Complete(results)
		}
	}

	if err := inv.prog.AsyncInvoke(inv.fn, callArgs, resultCount, cb); err != nil {
		return nil, rterr.Wrap(rterr.RuntimeFailure, "Invocation.Invoke", "AsyncInvoke", err)
	}

	inv.mu.Lock()
	inv.state = StateScheduled
	inv.mu.Unlock()

	return inv.fut, nil
}
