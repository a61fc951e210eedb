package system

import (
	"context"
	"testing"

	"github.com/nod-ai/sharktank/internal/device"
)

type fakeAllocator struct{}

func (fakeAllocator) Name() string { return "fake-host-allocator" }

type fakeDriver struct {
	closed bool
}

func (d *fakeDriver) Name() string { return "fake-driver" }
func (d *fakeDriver) Close() error { d.closed = true; return nil }

func TestBuilderBuildRejectsDuplicateNames(t *testing.T) {
	b := NewBuilder(fakeAllocator{})
	addr := device.Address{SystemClass: "cpu", InstanceOrdinal: 0, QueueOrdinal: 0}
	if err := b.AddDevice(device.New(addr, nil, 0, false)); err != nil {
		t.Fatal(err)
	}
	if err := b.AddDevice(device.New(addr, nil, 0, false)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Build(nil); err == nil {
		t.Fatal("expected error for duplicate device names")
	}
}

func TestBuilderAddDeviceAfterBuildFails(t *testing.T) {
	b := NewBuilder(fakeAllocator{})
	if _, err := b.Build(nil); err != nil {
		t.Fatal(err)
	}
	if err := b.AddDevice(device.New(device.Address{SystemClass: "cpu"}, nil, 0, false)); err == nil {
		t.Fatal("expected LogicError adding device after Build")
	}
}

func TestSystemDeviceLookupAndClassFilter(t *testing.T) {
	b := NewBuilder(fakeAllocator{})
	cpu0 := device.New(device.Address{SystemClass: "cpu", InstanceOrdinal: 0}, nil, 0, false)
	gpu0 := device.New(device.Address{SystemClass: "gpu", InstanceOrdinal: 0}, nil, 0, false)
	gpu1 := device.New(device.Address{SystemClass: "gpu", InstanceOrdinal: 1}, nil, 0, false)
	for _, d := range []*device.Device{cpu0, gpu0, gpu1} {
		if err := b.AddDevice(d); err != nil {
			t.Fatal(err)
		}
	}
	sys, err := b.Build(nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := sys.DeviceByName(cpu0.Name()); !ok {
		t.Error("expected to find cpu0 by name")
	}
	gpus := sys.DevicesByClass("gpu")
	if len(gpus) != 2 {
		t.Fatalf("DevicesByClass(gpu) returned %d devices, want 2", len(gpus))
	}
	if len(sys.Devices()) != 3 {
		t.Fatalf("Devices() returned %d, want 3", len(sys.Devices()))
	}
}

func TestSystemCloseClosesDrivers(t *testing.T) {
	b := NewBuilder(fakeAllocator{})
	drv := &fakeDriver{}
	if err := b.AddDriver(drv); err != nil {
		t.Fatal(err)
	}
	sys, err := b.Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sys.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !drv.closed {
		t.Error("expected driver to be closed")
	}
	// Idempotent.
	if err := sys.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}
