package invocation

import (
	"errors"
	"testing"
	"time"

	"github.com/nod-ai/sharktank/internal/device"
	"github.com/nod-ai/sharktank/internal/fiber"
	"github.com/nod-ai/sharktank/internal/hal/simhal"
	"github.com/nod-ai/sharktank/internal/program"
	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/system"
	"github.com/nod-ai/sharktank/internal/vm"
	"github.com/nod-ai/sharktank/internal/vm/fakevm"
	"github.com/nod-ai/sharktank/internal/worker"
)

type fakeAllocator struct{}

func (fakeAllocator) Name() string { return "fake" }

type testBuffer struct {
	aff     device.Affinity
	barrier Barrier
	handle  string
}

func (b testBuffer) Affinity() device.Affinity { return b.aff }
func (b testBuffer) Barrier() Barrier           { return b.barrier }
func (b testBuffer) MarshalArg() any            { return b.handle }

func setup(t *testing.T) (*fiber.Fiber, *program.Program, *worker.Worker) {
	t.Helper()
	dev := device.New(device.Address{SystemClass: "gpu", InstanceOrdinal: 0, QueueOrdinal: 0, Topology: []int{0}}, simhal.NewHAL(), 0, false)

	b := system.NewBuilder(fakeAllocator{})
	if err := b.AddDevice(dev); err != nil {
		t.Fatal(err)
	}
	sys, err := b.Build(nil)
	if err != nil {
		t.Fatal(err)
	}

	w := worker.New(worker.Options{Name: t.Name(), OwnedThread: true, Quantum: time.Millisecond})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		w.Kill()
		w.WaitForShutdown()
	})

	fib, err := fiber.New(w, sys, []*device.Device{dev}, nil)
	if err != nil {
		t.Fatal(err)
	}

	v := fakevm.New()
	v.RegisterFunction("main", "add", fakevm.FunctionSpec{
		Attrs: vm.FunctionAttrs{NumArgs: 2, NumResults: 1, Model: vm.ModelCoarseFences},
		Impl: func(args []any) ([]any, error) {
			a, b := args[0].(int), args[1].(int)
			return []any{a + b}, nil
		},
	})
	v.RegisterFunction("main", "fails", fakevm.FunctionSpec{
		Attrs: vm.FunctionAttrs{Model: vm.ModelNone},
		Impl:  func(args []any) ([]any, error) { return nil, errors.New("device fault") },
	})
	prog, err := program.Load(v, []program.ModuleSpec{{Source: vm.ModuleSource{Name: "main"}}})
	if err != nil {
		t.Fatal(err)
	}

	return fib, prog, w
}

func invokeOnWorker(t *testing.T, w *worker.Worker, run func()) {
	t.Helper()
	done := make(chan struct{})
	w.CallThreadsafe(func() {
		run()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out running on worker thread")
	}
}

func TestInvokeOffWorkerThreadIsLogicError(t *testing.T) {
	fib, prog, _ := setup(t)
	fn, err := prog.LookupRequiredFunction("main", "add")
	if err != nil {
		t.Fatal(err)
	}
	dev := fib.Devices()[0]
	sd, err := fib.Device(dev)
	if err != nil {
		t.Fatal(err)
	}

	inv := New(fib, prog, fn)
	inv.AddArg(1)
	inv.AddArg(2)
	inv.DeviceSelect(sd)

	_, err = inv.Invoke()
	if !errors.Is(err, rterr.Is(rterr.LogicError)) {
		t.Fatalf("Invoke() off-thread err = %v, want LogicError", err)
	}
}

func TestInvokeWithoutDeviceSelectIsLogicError(t *testing.T) {
	fib, prog, w := setup(t)
	fn, err := prog.LookupRequiredFunction("main", "add")
	if err != nil {
		t.Fatal(err)
	}
	inv := New(fib, prog, fn)
	inv.AddArg(1)
	inv.AddArg(2)

	invokeOnWorker(t, w, func() {
		if _, err := inv.Invoke(); !errors.Is(err, rterr.Is(rterr.LogicError)) {
			t.Errorf("Invoke() err = %v, want LogicError", err)
		}
	})
}

func TestFullInvokeRoundTrip(t *testing.T) {
	fib, prog, w := setup(t)
	fn, err := prog.LookupRequiredFunction("main", "add")
	if err != nil {
		t.Fatal(err)
	}
	dev := fib.Devices()[0]
	sd, err := fib.Device(dev)
	if err != nil {
		t.Fatal(err)
	}

	inv := New(fib, prog, fn)
	if err := inv.AddArg(3); err != nil {
		t.Fatal(err)
	}
	if err := inv.AddArg(4); err != nil {
		t.Fatal(err)
	}
	if err := inv.DeviceSelect(sd); err != nil {
		t.Fatal(err)
	}

	var resultCh chan []any = make(chan []any, 1)
	var errCh chan error = make(chan error, 1)
	invokeOnWorker(t, w, func() {
		fut, err := inv.Invoke()
		if err != nil {
			errCh <- err
			return
		}
		if inv.State() != StateScheduled {
			t.Errorf("State() after Invoke() = %v, want SCHEDULED", inv.State())
		}
		fut.OnComplete(func(results []any, err error) {
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- results
		})
	})

	select {
	case err := <-errCh:
		t.Fatal(err)
	case results := <-resultCh:
		if len(results) != 1 || results[0].(int) != 7 {
			t.Fatalf("results = %v, want [7]", results)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invocation never resolved")
	}

	if inv.State() != StateResolved {
		t.Fatalf("State() = %v, want RESOLVED", inv.State())
	}
	n, err := inv.ResultsSize()
	if err != nil || n != 1 {
		t.Fatalf("ResultsSize() = %d, %v, want 1, nil", n, err)
	}
	r, err := inv.ResultRef(0)
	if err != nil || r.(int) != 7 {
		t.Fatalf("ResultRef(0) = %v, %v, want 7, nil", r, err)
	}
	if len(inv.CoarseSignal()) == 0 {
		t.Fatal("CoarseSignal() is empty after a successful Invoke")
	}
}

func TestInvokeFailurePropagatesThroughFuture(t *testing.T) {
	fib, prog, w := setup(t)
	fn, err := prog.LookupRequiredFunction("main", "fails")
	if err != nil {
		t.Fatal(err)
	}
	dev := fib.Devices()[0]
	sd, err := fib.Device(dev)
	if err != nil {
		t.Fatal(err)
	}

	inv := New(fib, prog, fn)
	inv.DeviceSelect(sd)

	errCh := make(chan error, 1)
	invokeOnWorker(t, w, func() {
		fut, err := inv.Invoke()
		if err != nil {
			errCh <- err
			return
		}
		fut.OnComplete(func(results []any, err error) { errCh <- err })
	})

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a non-nil error from the failing function")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invocation never resolved")
	}
}

func TestAddArgAfterInvokeIsLogicError(t *testing.T) {
	fib, prog, w := setup(t)
	fn, err := prog.LookupRequiredFunction("main", "add")
	if err != nil {
		t.Fatal(err)
	}
	dev := fib.Devices()[0]
	sd, _ := fib.Device(dev)

	inv := New(fib, prog, fn)
	inv.AddArg(1)
	inv.AddArg(2)
	inv.DeviceSelect(sd)

	invokeOnWorker(t, w, func() {
		if _, err := inv.Invoke(); err != nil {
			t.Fatal(err)
		}
		if err := inv.AddArg(5); !errors.Is(err, rterr.Is(rterr.LogicError)) {
			t.Errorf("AddArg() after Invoke() err = %v, want LogicError", err)
		}
	})
}

func TestStringRendersStateAndFunction(t *testing.T) {
	fib, prog, _ := setup(t)
	fn, err := prog.LookupRequiredFunction("main", "add")
	if err != nil {
		t.Fatal(err)
	}
	inv := New(fib, prog, fn)
	s := inv.String()
	if s == "" {
		t.Fatal("String() returned empty")
	}
}
