package future

import (
	"errors"
	"testing"
	"time"

	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/worker"
)

func newRunningWorker(t *testing.T) *worker.Worker {
	t.Helper()
	w := worker.New(worker.Options{Name: t.Name(), OwnedThread: true, Quantum: time.Millisecond})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		w.Kill()
		w.WaitForShutdown()
	})
	return w
}

func TestFutureCompleteDeliversToLateObserver(t *testing.T) {
	w := newRunningWorker(t)
	f := New[int](w)

	if err := f.Complete(42); err != nil {
		t.Fatal(err)
	}

	got, err := f.Wait()
	if err != nil {
		t.Fatalf("Wait() err = %v, want nil", err)
	}
	if got != 42 {
		t.Errorf("Wait() = %d, want 42", got)
	}
}

func TestFutureOnCompleteBeforeResolution(t *testing.T) {
	w := newRunningWorker(t)
	f := New[string](w)

	done := make(chan struct{})
	var got string
	f.OnComplete(func(v string, err error) {
		got = v
		close(done)
	})

	if err := f.Complete("hello"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer never fired")
	}
	if got != "hello" {
		t.Errorf("observer saw %q, want %q", got, "hello")
	}
}

func TestFutureFailDeliversError(t *testing.T) {
	w := newRunningWorker(t)
	f := New[int](w)
	wantErr := errors.New("boom")

	if err := f.Fail(wantErr); err != nil {
		t.Fatal(err)
	}

	_, err := f.Wait()
	if !errors.Is(err, wantErr) {
		t.Fatalf("Wait() err = %v, want %v", err, wantErr)
	}
}

func TestFutureDoubleCompleteIsLogicError(t *testing.T) {
	w := newRunningWorker(t)
	f := New[int](w)

	if err := f.Complete(1); err != nil {
		t.Fatal(err)
	}
	err := f.Complete(2)
	if !errors.Is(err, rterr.Is(rterr.LogicError)) {
		t.Fatalf("second Complete() err = %v, want LogicError", err)
	}
}

func TestFutureDoneReflectsResolution(t *testing.T) {
	w := newRunningWorker(t)
	f := New[int](w)
	if f.Done() {
		t.Fatal("Done() true before resolution")
	}
	f.Complete(1)
	f.Wait()
	if !f.Done() {
		t.Fatal("Done() false after resolution")
	}
}

func TestFutureObserversRunOnOwningWorker(t *testing.T) {
	w := newRunningWorker(t)
	f := New[int](w)

	observed := make(chan bool, 1)
	f.OnComplete(func(v int, err error) {
		observed <- w.CallLowLevel(func() {}, 0) == nil
	})
	f.Complete(7)

	select {
	case onLoop := <-observed:
		if !onLoop {
			t.Error("observer did not run on owning Worker's loop thread")
		}
	case <-time.After(time.Second):
		t.Fatal("observer never fired")
	}
}
