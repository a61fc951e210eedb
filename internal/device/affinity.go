package device

// Affinity is a (Device, queue_mask) pair. The zero value is the empty
// affinity (no device, no queues) and acts as the identity element of Union.
type Affinity struct {
	device    *Device
	queueMask uint64
}

// NewAffinity builds an affinity over dev selecting the queues set in mask.
// Bits beyond MaxQueues-1 are ignored since a Device exposes at most
// MaxQueues queues.
func NewAffinity(dev *Device, mask uint64) Affinity {
	return Affinity{device: dev, queueMask: mask}
}

// QueueAffinity builds a single-queue affinity selecting queueOrdinal.
func QueueAffinity(dev *Device, queueOrdinal int) Affinity {
	if queueOrdinal < 0 || queueOrdinal >= MaxQueues {
		return Affinity{}
	}
	return Affinity{device: dev, queueMask: 1 << uint(queueOrdinal)}
}

// IsEmpty reports whether the affinity selects no device or no queues.
func (a Affinity) IsEmpty() bool { return a.device == nil || a.queueMask == 0 }

// Device returns the affinity's device, or nil if empty.
func (a Affinity) Device() *Device { return a.device }

// QueueMask returns the selected queue bitmask.
func (a Affinity) QueueMask() uint64 { return a.queueMask }

// Union combines a and b. Per spec.md §3/§8.3: the empty affinity is the
// union identity; otherwise the union is non-empty iff both affinities'
// devices share (system_class, instance_ordinal), in which case the queue
// mask is the bitwise OR of the inputs. A placement mismatch collapses the
// result to the empty affinity — callers that must treat this as an error
// (Fiber.device, ProgramInvocation.DeviceSelect) do so themselves, since the
// raw algebra in spec.md §8 property 3 is defined in terms of emptiness, not
// exceptions.
func (a Affinity) Union(b Affinity) Affinity {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	if !a.device.Address().SamePlacement(b.device.Address()) {
		return Affinity{}
	}
	return Affinity{device: a.device, queueMask: a.queueMask | b.queueMask}
}

// Collapsed reports whether unioning a and b would collapse to empty despite
// neither input being empty — i.e. a genuine placement mismatch rather than
// an identity-element union.
func Collapsed(a, b Affinity) bool {
	return !a.IsEmpty() && !b.IsEmpty() && !a.device.Address().SamePlacement(b.device.Address())
}

// HasQueue reports whether queueOrdinal is selected by the affinity.
func (a Affinity) HasQueue(queueOrdinal int) bool {
	if queueOrdinal < 0 || queueOrdinal >= MaxQueues {
		return false
	}
	return a.queueMask&(1<<uint(queueOrdinal)) != 0
}
