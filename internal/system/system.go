// Package system implements the process-wide device/driver registry:
// built once via a Builder, then frozen by Build (before any Fiber attaches).
// Grounded on the teacher's internal/backend.Registry (map + RWMutex,
// Register/Resolve/List), generalized from named backends to named devices.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nod-ai/sharktank/internal/device"
	"github.com/nod-ai/sharktank/internal/rterr"
)

// HostAllocator is the opaque host-memory allocator handed to Fibers and
// Programs; the core never allocates host buffers itself, it only threads
// this handle through to collaborators (consistent with spec.md's "tensor
// storage allocation" being an external concern).
type HostAllocator interface {
	Name() string
}

// Driver is the opaque HAL driver handle a System owns on behalf of its
// devices. The core treats it as inert after construction.
type Driver interface {
	Name() string
	Close() error
}

// Builder assembles a System. AddDevice may only be called before Build.
type Builder struct {
	allocator HostAllocator
	devices   []*device.Device
	drivers   []Driver
	built     bool
}

// NewBuilder creates a Builder using the given host allocator.
func NewBuilder(allocator HostAllocator) *Builder {
	return &Builder{allocator: allocator}
}

// AddDevice registers dev with the System under construction. It is an
// error (LogicError) to call AddDevice after Build.
func (b *Builder) AddDevice(dev *device.Device) error {
	if b.built {
		return rterr.Logic("Builder.AddDevice", "System already built")
	}
	b.devices = append(b.devices, dev)
	return nil
}

// AddDriver registers a driver the System will own and close at teardown.
func (b *Builder) AddDriver(d Driver) error {
	if b.built {
		return rterr.Logic("Builder.AddDriver", "System already built")
	}
	b.drivers = append(b.drivers, d)
	return nil
}

// Build finalizes the System. Devices are indexed by name; duplicate
// device names are rejected as InvalidArgument since spec.md §3 requires
// device_name to be unique within a System.
func (b *Builder) Build(logger *slog.Logger) (*System, error) {
	if b.built {
		return nil, rterr.Logic("Builder.Build", "System already built")
	}
	b.built = true

	byName := make(map[string]*device.Device, len(b.devices))
	for _, d := range b.devices {
		name := d.Name()
		if _, dup := byName[name]; dup {
			return nil, rterr.InvalidArg("Builder.Build", fmt.Sprintf("duplicate device name %q", name))
		}
		byName[name] = d
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &System{
		allocator: b.allocator,
		byName:    byName,
		devices:   append([]*device.Device(nil), b.devices...),
		drivers:   append([]Driver(nil), b.drivers...),
		logger:    logger,
	}, nil
}

// System owns devices and drivers exclusively. Its device and driver set
// is fixed by Build, so by the time the first Fiber attaches (Attach) no
// device can be added. Attach does not check whether the System is closed.
type System struct {
	allocator HostAllocator
	byName    map[string]*device.Device
	devices   []*device.Device
	drivers   []Driver
	logger    *slog.Logger

	mu       sync.Mutex
	attached int
	closed   bool
}

// Allocator returns the System's host allocator.
func (s *System) Allocator() HostAllocator { return s.allocator }

// Logger returns the System's structured logger.
func (s *System) Logger() *slog.Logger { return s.logger }

// DeviceByName looks up a device by its device_name.
func (s *System) DeviceByName(name string) (*device.Device, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// Devices returns all devices owned by the System, in registration order.
// Supplemental diagnostic accessor grounded on backend.Registry.List().
func (s *System) Devices() []*device.Device {
	out := make([]*device.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// DevicesByClass returns devices whose Address().SystemClass matches class,
// sorted by (instance_ordinal, queue_ordinal) for stable diagnostic output.
func (s *System) DevicesByClass(class string) []*device.Device {
	var out []*device.Device
	for _, d := range s.devices {
		if d.Address().SystemClass == class {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Address(), out[j].Address()
		if ai.InstanceOrdinal != aj.InstanceOrdinal {
			return ai.InstanceOrdinal < aj.InstanceOrdinal
		}
		return ai.QueueOrdinal < aj.QueueOrdinal
	})
	return out
}

// Attach marks that a Fiber has bound to this System, for diagnostics only;
// device/driver set is already immutable after Build.
func (s *System) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached++
}

// Close tears down all owned drivers one by one, waiting for each driver's
// Close until ctx is done or a 30s fallback deadline passes. It does not
// wait for in-flight Fiber/Worker activity; callers drain that beforehand.
// Grounded on the teacher's Engine.Wait()/sync.WaitGroup drain pattern and
// Server.Run's signal-driven graceful shutdown.
func (s *System) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	for _, d := range s.drivers {
		done := make(chan error, 1)
		go func(d Driver) { done <- d.Close() }(d)
		select {
		case err := <-done:
			if err != nil {
				s.logger.Error("driver close failed", "driver", d.Name(), "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		case <-ctx.Done():
			s.logger.Warn("driver close timed out", "driver", d.Name())
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		case <-time.After(30 * time.Second):
			s.logger.Warn("driver close exceeded fallback deadline", "driver", d.Name())
		}
	}
	return firstErr
}
