// Package fiber implements spec.md §4.2's Fiber/Scope: a Worker-bound
// window onto an ordered subset of a System's devices, owning the
// per-(device,queue) timeline bookkeeping that ProgramInvocation's fence
// assembly reads and advances. Grounded on the teacher's
// internal/backend.Registry device-name-to-handle indexing, generalized
// from a flat backend registry to an ordered, per-Fiber device scope plus
// queue-timeline state the registry itself never needed.
package fiber

import (
	"fmt"
	"sync"

	"github.com/nod-ai/sharktank/internal/device"
	"github.com/nod-ai/sharktank/internal/hal"
	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/system"
	"github.com/nod-ai/sharktank/internal/worker"
)

// ScopedDevice is the result of Fiber.Device: one or more queues, all on
// devices sharing the same (system_class, instance_ordinal) placement,
// selected for a single ProgramInvocation's device_select.
type ScopedDevice struct {
	affinity device.Affinity
}

// IsEmpty reports whether the ScopedDevice selects no queues.
func (s ScopedDevice) IsEmpty() bool { return s.affinity.IsEmpty() }

// Affinity returns the underlying device.Affinity.
func (s ScopedDevice) Affinity() device.Affinity { return s.affinity }

// Device returns the representative Device backing this selection (shared
// placement with every queue selected).
func (s ScopedDevice) Device() *device.Device { return s.affinity.Device() }

func (s ScopedDevice) String() string {
	if s.IsEmpty() {
		return "<empty scoped device>"
	}
	return fmt.Sprintf("%s#%#x", s.affinity.Device().Name(), s.affinity.QueueMask())
}

type queueKey struct {
	deviceName string
	queue      int
}

// Fiber binds a Worker to an ordered subset of a System's devices under
// caller-chosen logical names, and owns the queue-timeline state
// ProgramInvocation consumes when assembling wait/signal fences.
type Fiber struct {
	w       *worker.Worker
	sys     *system.System
	devices []*device.Device
	byName  map[string]*device.Device

	mu            sync.Mutex
	nextTimepoint map[queueKey]uint64
	lastSignaled  map[queueKey]uint64
	semaphores    map[queueKey]hal.Semaphore
}

// New creates a Fiber bound to w, scoped to devices (in the given order).
// aliases adds extra logical names resolvable via RawDevice beyond each
// device's own device_name; a nil aliases map is accepted. New calls
// sys.Attach() to record the binding.
func New(w *worker.Worker, sys *system.System, devices []*device.Device, aliases map[string]*device.Device) (*Fiber, error) {
	byName := make(map[string]*device.Device, len(devices)+len(aliases))
	for _, d := range devices {
		byName[d.Name()] = d
	}
	for name, d := range aliases {
		byName[name] = d
	}
	sys.Attach()
	return &Fiber{
		w:             w,
		sys:           sys,
		devices:       append([]*device.Device(nil), devices...),
		byName:        byName,
		nextTimepoint: make(map[queueKey]uint64),
		lastSignaled:  make(map[queueKey]uint64),
		semaphores:    make(map[queueKey]hal.Semaphore),
	}, nil
}

// Worker returns the Worker this Fiber is bound to.
func (f *Fiber) Worker() *worker.Worker { return f.w }

// System returns the System this Fiber's devices were drawn from.
func (f *Fiber) System() *system.System { return f.sys }

// DeviceNames returns the Fiber's device list's names, in scope order.
func (f *Fiber) DeviceNames() []string {
	names := make([]string, len(f.devices))
	for i, d := range f.devices {
		names[i] = d.Name()
	}
	return names
}

// Devices returns the Fiber's ordered device list.
func (f *Fiber) Devices() []*device.Device {
	out := make([]*device.Device, len(f.devices))
	copy(out, f.devices)
	return out
}

// RawDevice resolves ref, which must be a device_name (string), a scope
// index (int), or a *device.Device already belonging to this Fiber's scope.
func (f *Fiber) RawDevice(ref any) (*device.Device, error) {
	switch v := ref.(type) {
	case string:
		d, ok := f.byName[v]
		if !ok {
			return nil, rterr.InvalidArg("Fiber.RawDevice", fmt.Sprintf("unknown device name %q", v))
		}
		return d, nil
	case int:
		if v < 0 || v >= len(f.devices) {
			return nil, rterr.InvalidArg("Fiber.RawDevice", fmt.Sprintf("index %d out of range [0,%d)", v, len(f.devices)))
		}
		return f.devices[v], nil
	case *device.Device:
		for _, d := range f.devices {
			if d == v {
				return d, nil
			}
		}
		return nil, rterr.InvalidArg("Fiber.RawDevice", fmt.Sprintf("device %q is not in this Fiber's scope", v.Name()))
	default:
		return nil, rterr.InvalidArg("Fiber.RawDevice", fmt.Sprintf("unsupported device reference type %T", ref))
	}
}

// Device resolves refs and unions their single-queue affinities into one
// ScopedDevice, per spec.md §8 property 3. It is an InvalidArgument for any
// two resolved devices to disagree on (system_class, instance_ordinal):
// unlike the bare device.Affinity.Union algebra, which collapses a mismatch
// to the empty affinity, Fiber.Device treats that collapse as the caller
// error it almost always is.
func (f *Fiber) Device(refs ...any) (ScopedDevice, error) {
	if len(refs) == 0 {
		return ScopedDevice{}, rterr.InvalidArg("Fiber.Device", "at least one device reference is required")
	}
	var acc device.Affinity
	for _, ref := range refs {
		d, err := f.RawDevice(ref)
		if err != nil {
			return ScopedDevice{}, err
		}
		next := device.QueueAffinity(d, d.Address().QueueOrdinal)
		if device.Collapsed(acc, next) {
			return ScopedDevice{}, rterr.InvalidArg("Fiber.Device",
				fmt.Sprintf("device %q is not placement-compatible with the rest of this selection", d.Name()))
		}
		acc = acc.Union(next)
	}
	return ScopedDevice{affinity: acc}, nil
}

// DeviceAtQueue resolves the specific per-queue Device, within this Fiber's
// scope, that shares placement with placement and sits at queueOrdinal.
// ProgramInvocation uses this to turn a ScopedDevice or a Marshalable's
// multi-queue Affinity back into the concrete Devices its fence assembly
// needs one at a time, since device.Affinity itself only retains one
// representative Device pointer alongside its queue mask.
func (f *Fiber) DeviceAtQueue(placement *device.Device, queueOrdinal int) (*device.Device, bool) {
	if placement == nil {
		return nil, false
	}
	addr := placement.Address()
	for _, d := range f.devices {
		a := d.Address()
		if a.SystemClass == addr.SystemClass && a.InstanceOrdinal == addr.InstanceOrdinal && a.QueueOrdinal == queueOrdinal {
			return d, true
		}
	}
	return nil, false
}

func (f *Fiber) key(d *device.Device) queueKey {
	return queueKey{deviceName: d.Name(), queue: d.Address().QueueOrdinal}
}

// semaphoreFor lazily creates (and caches) the timeline semaphore backing
// d's queue, via d's own HAL handle.
func (f *Fiber) semaphoreFor(d *device.Device) (hal.Semaphore, error) {
	k := f.key(d)
	f.mu.Lock()
	defer f.mu.Unlock()
	if sem, ok := f.semaphores[k]; ok {
		return sem, nil
	}
	h, ok := d.Handle().(hal.HAL)
	if !ok {
		return nil, rterr.Logic("Fiber.semaphoreFor", fmt.Sprintf("device %q has no hal.HAL handle", d.Name()))
	}
	sem, err := h.CreateSemaphore(d)
	if err != nil {
		return nil, rterr.Wrap(rterr.RuntimeFailure, "Fiber.semaphoreFor", d.Name(), err)
	}
	f.semaphores[k] = sem
	return sem, nil
}

// SemaphoreFor exposes semaphoreFor to ProgramInvocation's fence assembly.
func (f *Fiber) SemaphoreFor(d *device.Device) (hal.Semaphore, error) { return f.semaphoreFor(d) }

// AllocateSignalTimepoint reserves the next strictly-increasing timepoint on
// d's queue for a ProgramInvocation to signal, and records it as the
// queue's new "last scheduled" timepoint for subsequent invocations' wait
// fences to reference (spec.md §5's per-queue timeline ordering).
func (f *Fiber) AllocateSignalTimepoint(d *device.Device) uint64 {
	k := f.key(d)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTimepoint[k]++
	tp := f.nextTimepoint[k]
	f.lastSignaled[k] = tp
	return tp
}

// LastSignaled returns the most recently allocated timepoint on d's queue,
// or 0 if nothing has been scheduled against it yet. ProgramInvocation's
// wait-fence assembly uses this to wait for every queue its inputs are
// implicated in to reach at least this point.
func (f *Fiber) LastSignaled(d *device.Device) uint64 {
	k := f.key(d)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSignaled[k]
}
