package passthrough

import (
	"sync/atomic"

	"github.com/tinyrange/passthrough/internal/devdrv"
	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/iommu"
	"github.com/tinyrange/passthrough/internal/notifier"
)

// State is the lifecycle state of an Instance.
type State int32

const (
	// StateConfigured: probed, IRQ lines claimed, no guest routes or DMA
	// mappings installed yet.
	StateConfigured State = iota
	// StateActive: the guest address space was initialized and routes and
	// mappings are installed.
	StateActive
	// StateRemoved: torn down.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Instance is one guest/device pass-through pairing.
type Instance struct {
	emu   *Emulator
	name  string
	guest hv.Guest

	// Parallel tables: index i is one bridged line. Allocated and freed
	// together, never resized.
	hostIRQs     []uint32
	hostIRQTypes []uint32
	guestIRQs    []uint32

	device *devdrv.Device
	domain iommu.Domain

	subscription *notifier.Block

	state    atomic.Int32
	teardown stages
}

func (inst *Instance) Name() string         { return inst.name }
func (inst *Instance) Guest() hv.Guest      { return inst.guest }
func (inst *Instance) IRQCount() int        { return len(inst.hostIRQs) }
func (inst *Instance) State() State         { return State(inst.state.Load()) }
func (inst *Instance) Domain() iommu.Domain { return inst.domain }

// Device returns the referenced IOMMU device, or nil.
func (inst *Instance) Device() *devdrv.Device { return inst.device }

// Line is one bridged interrupt.
type Line struct {
	HostIRQ  uint32
	HostType hv.IRQType
	GuestIRQ uint32
}

// Lines returns the bridged interrupts in configuration order.
func (inst *Instance) Lines() []Line {
	lines := make([]Line, len(inst.hostIRQs))
	for i := range inst.hostIRQs {
		lines[i] = Line{
			HostIRQ:  inst.hostIRQs[i],
			HostType: hv.IRQType(inst.hostIRQTypes[i]),
			GuestIRQ: inst.guestIRQs[i],
		}
	}
	return lines
}

func (inst *Instance) allocTables(n int) {
	inst.hostIRQs = make([]uint32, n)
	inst.hostIRQTypes = make([]uint32, n)
	inst.guestIRQs = make([]uint32, n)
	inst.emu.tables.Add(1)
}

func (inst *Instance) freeTables() error {
	inst.hostIRQs = nil
	inst.hostIRQTypes = nil
	inst.guestIRQs = nil
	inst.emu.tables.Add(-1)
	return nil
}
