// Package device implements the Device and DeviceAffinity data model:
// address-based device identity and the queue-mask affinity algebra used to
// select and combine queues across devices for scheduling.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Address uniquely names a Device within a System. Name() renders the
// device-name grammar from spec.md §6:
// "{system_class}:{instance_ordinal}:{queue_ordinal}@{t0},{t1},...".
type Address struct {
	SystemClass     string
	LogicalClass    string
	DriverPrefix    string
	InstanceOrdinal int
	QueueOrdinal    int
	Topology        []int
}

// Name renders the comma-joined, whitespace-free device-name grammar.
func (a Address) Name() string {
	topo := make([]string, len(a.Topology))
	for i, t := range a.Topology {
		topo[i] = strconv.Itoa(t)
	}
	return fmt.Sprintf("%s:%d:%d@%s", a.SystemClass, a.InstanceOrdinal, a.QueueOrdinal, strings.Join(topo, ","))
}

// SamePlacement reports whether two addresses share the (system_class,
// instance_ordinal) keys that the affinity union algebra keys off of.
func (a Address) SamePlacement(b Address) bool {
	return a.SystemClass == b.SystemClass && a.InstanceOrdinal == b.InstanceOrdinal
}

// Device is a single schedulable unit: one queue-capable endpoint behind an
// opaque HAL handle. MaxQueues is fixed at 64 so a queue selection fits in a
// single uint64 bitmask (see Affinity).
const MaxQueues = 64

// Device is created and exclusively owned by a System; Fibers hold borrowed
// *Device pointers whose lifetime is bounded by the owning System.
type Device struct {
	id         ulid.ULID
	addr       Address
	halHandle  any
	numaNode   int
	nodeLocked bool
}

// New constructs a Device. halHandle is the opaque HAL device/driver handle;
// the core never inspects it beyond passing it back to the HAL.
func New(addr Address, halHandle any, numaNode int, nodeLocked bool) *Device {
	return &Device{
		id:         ulid.Make(),
		addr:       addr,
		halHandle:  halHandle,
		numaNode:   numaNode,
		nodeLocked: nodeLocked,
	}
}

// ID returns a process-lifetime-stable identity token for logging and
// tracing; it is not part of the device-name grammar.
func (d *Device) ID() ulid.ULID { return d.id }

// Name returns the unique device_name per spec.md §3/§6.
func (d *Device) Name() string { return d.addr.Name() }

// Address returns the device's address fields.
func (d *Device) Address() Address { return d.addr }

// Handle returns the opaque HAL handle backing this device.
func (d *Device) Handle() any { return d.halHandle }

// NUMANode reports the device's NUMA node affinity, or -1 if unknown.
func (d *Device) NUMANode() int { return d.numaNode }

// NodeLocked reports whether scheduling onto this device must not migrate
// across NUMA nodes.
func (d *Device) NodeLocked() bool { return d.nodeLocked }

func (d *Device) String() string { return d.Name() }
