// Package guest holds guest instances: their memory map, interrupt lines,
// emulated devices and the address-space event chain emulators subscribe to.
package guest

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/passthrough/internal/chipset"
	"github.com/tinyrange/passthrough/internal/devemu"
	"github.com/tinyrange/passthrough/internal/fdt"
	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/notifier"
)

// DefaultIRQLines is the number of guest interrupt lines when Config leaves it unset.
const DefaultIRQLines = 256

// ErrExists is returned by Create for a name already in use.
var ErrExists = errors.New("guest: already exists")

// Config describes a guest to create.
type Config struct {
	Name       string
	IRQLines   uint32
	Regions    []hv.Region
	DeviceTree fdt.Node

	// Sink receives the guest's interrupt line transitions. Nil drops them.
	Sink chipset.InterruptSink
}

// Guest is one virtual machine as seen by device emulators.
type Guest struct {
	name   string
	aspace *hv.AddressSpace
	lines  *chipset.LineSet
	halted atomic.Bool

	devices []*devemu.Device
}

func (g *Guest) Name() string { return g.name }

// EmulateIRQ drives guest line irq; any non-zero level asserts it.
func (g *Guest) EmulateIRQ(irq uint32, level int) error {
	if g.halted.Load() {
		return hv.ErrGuestHalted
	}
	return g.lines.SetLevel(irq, level != 0)
}

func (g *Guest) MapHostIRQ(guestIRQ, hostIRQ uint32) error {
	return g.lines.RouteHost(guestIRQ, hostIRQ)
}

func (g *Guest) Halt() error {
	if g.halted.Swap(true) {
		return nil
	}
	slog.Warn("guest: halted", "guest", g.name)
	return nil
}

func (g *Guest) IterateRegions(flags hv.RegionFlags, fn func(hv.Region)) {
	g.aspace.Iterate(flags, fn)
}

// Halted reports whether the guest has been halted.
func (g *Guest) Halted() bool { return g.halted.Load() }

// AddressSpace returns the guest memory map.
func (g *Guest) AddressSpace() *hv.AddressSpace { return g.aspace }

// Lines returns the guest interrupt lines.
func (g *Guest) Lines() *chipset.LineSet { return g.lines }

// Devices returns the guest's emulated devices in probe order.
func (g *Guest) Devices() []*devemu.Device {
	return append([]*devemu.Device(nil), g.devices...)
}

var _ hv.Guest = (*Guest)(nil)

// Manager creates and destroys guests and broadcasts their address-space events.
type Manager struct {
	emus   *devemu.Registry
	aspace notifier.Chain

	mu     sync.Mutex
	guests map[string]*Guest
}

// NewManager returns a manager that probes guest devices with emus.
func NewManager(emus *devemu.Registry) *Manager {
	return &Manager{emus: emus, guests: make(map[string]*Guest)}
}

// AspaceEvents is the chain notified with hv.AspaceEventKind events and
// *hv.AspaceEvent payloads.
func (m *Manager) AspaceEvents() *notifier.Chain { return &m.aspace }

// Create builds a guest, populates its memory map and probes every device
// node an emulator matches.
func (m *Manager) Create(cfg Config) (*Guest, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("guest: empty name")
	}
	nlines := cfg.IRQLines
	if nlines == 0 {
		nlines = DefaultIRQLines
	}

	g := &Guest{
		name:   cfg.Name,
		aspace: hv.NewAddressSpace(),
		lines:  chipset.NewLineSet(nlines, cfg.Sink),
	}
	for _, r := range cfg.Regions {
		if err := g.aspace.AddRegion(r); err != nil {
			return nil, fmt.Errorf("guest %s: %w", cfg.Name, err)
		}
	}

	m.mu.Lock()
	if _, ok := m.guests[cfg.Name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, cfg.Name)
	}
	m.guests[cfg.Name] = g
	m.mu.Unlock()

	devices, err := m.emus.ProbeAll(g, cfg.DeviceTree)
	if err != nil {
		m.mu.Lock()
		delete(m.guests, cfg.Name)
		m.mu.Unlock()
		return nil, fmt.Errorf("guest %s: %w", cfg.Name, err)
	}
	g.devices = devices
	return g, nil
}

// Lookup returns the guest with the given name.
func (m *Manager) Lookup(name string) (*Guest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guests[name]
	return g, ok
}

// InitAddressSpace freezes the guest's memory map and notifies subscribers.
// It happens exactly once per guest.
func (m *Manager) InitAddressSpace(g *Guest) error {
	if err := g.aspace.Finalize(); err != nil {
		return fmt.Errorf("guest %s: %w", g.name, err)
	}
	m.aspace.Notify(uint64(hv.AspaceEventInit), &hv.AspaceEvent{Guest: g})
	return nil
}

// Reset resets every emulated device of g and notifies subscribers.
func (m *Manager) Reset(g *Guest) error {
	var errs []error
	for _, edev := range g.devices {
		if err := m.emus.Reset(edev); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", edev.Path, err))
		}
	}
	m.aspace.Notify(uint64(hv.AspaceEventReset), &hv.AspaceEvent{Guest: g})
	return errors.Join(errs...)
}

// Destroy removes every emulated device of g in reverse probe order and
// forgets the guest. Every device is removed even if an earlier one fails.
func (m *Manager) Destroy(g *Guest) error {
	var errs []error
	for i := len(g.devices) - 1; i >= 0; i-- {
		if err := m.emus.Remove(g.devices[i]); err != nil {
			errs = append(errs, err)
		}
	}
	g.devices = nil
	g.lines.ClearRoutes()

	m.mu.Lock()
	delete(m.guests, g.name)
	m.mu.Unlock()
	return errors.Join(errs...)
}
