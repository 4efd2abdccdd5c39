// Package passthrough implements the platform pass-through emulator. A
// guest device-tree node of type "pt" compatible with "platform" hands a real
// host device to the guest: its host interrupts are bridged onto guest
// interrupt lines and, when an IOMMU device is named, its DMA is confined to
// the guest's RAM through a dedicated protection domain.
//
// Device-tree properties read from the node:
//
//	host-interrupts = <hostIRQ type> ...   pairs, one per bridged line
//	interrupts      = <guestIRQ> ...       guest line for each pair
//	iommu-device    = "name"               optional platform device owning the IOMMU group
package passthrough

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/passthrough/internal/devdrv"
	"github.com/tinyrange/passthrough/internal/devemu"
	"github.com/tinyrange/passthrough/internal/hostirq"
	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/iommu"
	"github.com/tinyrange/passthrough/internal/notifier"
)

const (
	// EmulatorName is the name the emulator registers under.
	EmulatorName = "platform"

	// HostInterruptsProperty holds (host irq, trigger type) pairs.
	HostInterruptsProperty = "host-interrupts"
	// InterruptsProperty holds the guest irq for each host pair.
	InterruptsProperty = "interrupts"
	// IOMMUDeviceProperty names the host platform device behind the IOMMU.
	IOMMUDeviceProperty = "iommu-device"

	// NameCapacity bounds "<guest>/<node>" including a terminator byte.
	NameCapacity = 64
	// MaxIRQs bounds the number of bridged lines per instance.
	MaxIRQs = 1024

	// AspacePriority is the notifier priority of the address-space subscription.
	AspacePriority = 0
)

// MatchTable is the compatibility descriptor of the emulator.
var MatchTable = []devemu.NodeID{
	{Type: "pt", Compatible: "platform"},
}

// HostIRQ is the host interrupt layer.
type HostIRQ interface {
	SetType(irq, typ uint32) error
	MarkRouted(irq uint32) error
	UnmarkRouted(irq uint32) error
	Register(irq uint32, name string, fn hostirq.Handler, dev any) error
	Unregister(irq uint32, dev any) error
}

// DeviceRegistry resolves host devices by bus and name.
type DeviceRegistry interface {
	FindDevice(bus, name string) (*devdrv.Device, bool)
}

// IOMMU allocates protection domains.
type IOMMU interface {
	AllocDomain(bus string, group *iommu.Group, kind iommu.DomainKind) (iommu.Domain, error)
}

// EventSource delivers guest address-space events.
type EventSource interface {
	Register(b *notifier.Block) error
	Unregister(b *notifier.Block) error
}

// Host bundles the host subsystems the emulator consumes. IOMMU may be nil
// when no node names an iommu-device.
type Host struct {
	IRQ     HostIRQ
	Devices DeviceRegistry
	IOMMU   IOMMU
	Aspace  EventSource
}

// Emulator is the registration record of the platform pass-through emulator.
type Emulator struct {
	host Host

	instances atomic.Int64
	tables    atomic.Int64
}

// New returns an emulator bound to host. It is not registered anywhere yet.
func New(host Host) *Emulator {
	return &Emulator{host: host}
}

// Register creates the emulator and adds it to reg.
func Register(reg *devemu.Registry, host Host) (*Emulator, error) {
	e := New(host)
	if err := reg.Register(e); err != nil {
		return nil, fmt.Errorf("passthrough: register emulator: %w", err)
	}
	return e, nil
}

// Unregister removes e from reg.
func (e *Emulator) Unregister(reg *devemu.Registry) error {
	return reg.Unregister(e)
}

func (e *Emulator) Name() string                { return EmulatorName }
func (e *Emulator) MatchTable() []devemu.NodeID { return MatchTable }

// Probe builds an Instance for edev and attaches it to edev.Priv.
func (e *Emulator) Probe(guest hv.Guest, edev *devemu.Device, _ devemu.NodeID) error {
	inst, err := e.probe(guest, edev)
	if err != nil {
		slog.Warn("passthrough: probe failed", "guest", guest.Name(), "node", edev.Node.Name, "err", err)
		return err
	}
	edev.Priv = inst
	slog.Info("passthrough: probed", "instance", inst.name, "irqs", len(inst.hostIRQs), "iommu", inst.domain != nil)
	return nil
}

// Reset does nothing: the device's state lives in hardware and this layer
// keeps no guest-visible register state.
func (e *Emulator) Reset(edev *devemu.Device) error {
	return nil
}

// Remove tears down the Instance attached to edev. Every teardown step runs
// even when an earlier one fails; the slot is cleared regardless.
func (e *Emulator) Remove(edev *devemu.Device) error {
	inst, ok := FromDevice(edev)
	if !ok {
		return fmt.Errorf("passthrough: remove: %w: no instance attached", hv.ErrFailure)
	}
	err := inst.teardown.rollback()
	inst.state.Store(int32(StateRemoved))
	edev.Priv = nil
	if err != nil {
		return fmt.Errorf("passthrough: remove %s: %w", inst.name, err)
	}
	slog.Info("passthrough: removed", "instance", inst.name)
	return nil
}

// Resident reports how many instances and IRQ tables are currently live.
func (e *Emulator) Resident() (instances, tables int64) {
	return e.instances.Load(), e.tables.Load()
}

// FromDevice returns the Instance attached to edev.
func FromDevice(edev *devemu.Device) (*Instance, bool) {
	if edev == nil {
		return nil, false
	}
	inst, ok := edev.Priv.(*Instance)
	return inst, ok && inst != nil
}

var _ devemu.Emulator = (*Emulator)(nil)
