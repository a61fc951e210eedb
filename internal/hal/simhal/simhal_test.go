package simhal

import (
	"testing"
	"time"

	"github.com/nod-ai/sharktank/internal/hal"
)

func TestLoopWaitOneFiresOnSignal(t *testing.T) {
	l := New()
	src := NewSource()

	done := make(chan error, 1)
	if err := l.WaitOne(src, time.Now().Add(time.Second), func(err error) { done <- err }); err != nil {
		t.Fatal(err)
	}

	if err := l.Drain(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
		t.Fatal("callback fired before signal")
	default:
	}

	src.Signal()
	if err := l.Drain(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("callback err = %v, want nil", err)
		}
	default:
		t.Fatal("callback did not fire after signal")
	}
}

func TestLoopWaitOneTimesOut(t *testing.T) {
	l := New()
	src := NewSource()

	done := make(chan error, 1)
	if err := l.WaitOne(src, time.Now().Add(-time.Millisecond), func(err error) { done <- err }); err != nil {
		t.Fatal(err)
	}
	if err := l.Drain(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected timeout error")
		}
	default:
		t.Fatal("expected callback to fire with timeout")
	}
}

func TestLoopCallPriorityOrder(t *testing.T) {
	l := New()
	var order []int
	l.Call(1, func() { order = append(order, 1) })
	l.Call(5, func() { order = append(order, 5) })
	l.Call(3, func() { order = append(order, 3) })

	if err := l.Drain(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	want := []int{5, 3, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSemaphoreMonotonic(t *testing.T) {
	h := NewHAL()
	sem, err := h.CreateSemaphore(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sem.Signal(1); err != nil {
		t.Fatal(err)
	}
	if err := sem.Signal(1); err == nil {
		t.Error("expected error signaling non-increasing timepoint")
	}
	if err := sem.Signal(2); err != nil {
		t.Fatal(err)
	}
	tip, err := sem.Query()
	if err != nil {
		t.Fatal(err)
	}
	if tip != 2 {
		t.Errorf("Query() = %d, want 2", tip)
	}
}

func TestFenceWaitResolvesAfterSignal(t *testing.T) {
	h := NewHAL()
	sem, _ := h.CreateSemaphore(nil)
	f, err := h.CreateFenceFromSemaphores([]hal.SemaphoreTimepoint{{Semaphore: sem, Timepoint: 3}})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(2 * time.Millisecond)
		sem.Signal(3)
	}()

	if err := f.Wait(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}

func TestFenceWaitTimesOut(t *testing.T) {
	h := NewHAL()
	sem, _ := h.CreateSemaphore(nil)
	f, _ := h.CreateFenceFromSemaphores([]hal.SemaphoreTimepoint{{Semaphore: sem, Timepoint: 1}})

	if err := f.Wait(time.Now().Add(time.Millisecond)); err == nil {
		t.Fatal("expected timeout error")
	}
}
