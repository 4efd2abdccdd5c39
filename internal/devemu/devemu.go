// Package devemu is the device-emulation registry. Emulators register a
// match table; guest device-tree nodes that match are probed, reset and
// removed through the emulator's entry points.
package devemu

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/passthrough/internal/fdt"
	"github.com/tinyrange/passthrough/internal/hv"
)

const (
	// TypeProperty holds the node's emulation type, e.g. "pt".
	TypeProperty = "device_type"
	// CompatibleProperty lists compatible strings, most specific first.
	CompatibleProperty = "compatible"
)

var (
	ErrExists      = errors.New("devemu: emulator already registered")
	ErrNotFound    = errors.New("devemu: emulator not registered")
	ErrNoEmulator  = errors.New("devemu: no emulator matches node")
	ErrNotAttached = errors.New("devemu: device not attached")
)

// NodeID is one entry of an emulator's match table.
type NodeID struct {
	Type       string
	Compatible string
}

// Match reports whether n carries the id's type and lists its compatible string.
func (id NodeID) Match(n fdt.Node) bool {
	typ, err := n.ReadString(TypeProperty)
	if err != nil || typ != id.Type {
		return false
	}
	p, ok := n.Property(CompatibleProperty)
	if !ok {
		return false
	}
	return slices.Contains(p.Strings, id.Compatible)
}

func (id NodeID) String() string {
	return id.Type + "," + id.Compatible
}

// Device is one emulated device of a guest. Priv is the emulator's
// per-device slot: set by a successful Probe, cleared by Remove.
type Device struct {
	Path     string
	Node     fdt.Node
	Guest    hv.Guest
	Emulator Emulator
	Priv     any
}

// Emulator is implemented by every device emulator.
type Emulator interface {
	Name() string
	MatchTable() []NodeID

	Probe(guest hv.Guest, edev *Device, id NodeID) error
	Reset(edev *Device) error
	Remove(edev *Device) error
}

// Registry holds registered emulators in registration order.
type Registry struct {
	mu        sync.RWMutex
	emulators []Emulator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds e.
func (r *Registry) Register(e Emulator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.emulators {
		if existing.Name() == e.Name() {
			return fmt.Errorf("%w: %s", ErrExists, e.Name())
		}
	}
	r.emulators = append(r.emulators, e)
	slog.Debug("devemu: emulator registered", "name", e.Name())
	return nil
}

// Unregister removes e.
func (r *Registry) Unregister(e Emulator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.emulators {
		if existing == e {
			r.emulators = append(r.emulators[:i], r.emulators[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, e.Name())
}

// Find returns the first emulator whose match table accepts n.
func (r *Registry) Find(n fdt.Node) (Emulator, NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.emulators {
		for _, id := range e.MatchTable() {
			if id.Match(n) {
				return e, id, true
			}
		}
	}
	return nil, NodeID{}, false
}

// Probe creates and probes the emulated device for node n of guest.
func (r *Registry) Probe(guest hv.Guest, path string, n fdt.Node) (*Device, error) {
	e, id, ok := r.Find(n)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEmulator, path)
	}
	edev := &Device{Path: path, Node: n, Guest: guest, Emulator: e}
	if err := e.Probe(guest, edev, id); err != nil {
		return nil, fmt.Errorf("devemu: probe %s with %s: %w", path, e.Name(), err)
	}
	slog.Info("devemu: probed", "guest", guest.Name(), "path", path, "emulator", e.Name())
	return edev, nil
}

// ProbeAll probes every node under root that some emulator matches. If any
// probe fails the devices probed so far are removed in reverse order.
func (r *Registry) ProbeAll(guest hv.Guest, root fdt.Node) ([]*Device, error) {
	var devices []*Device
	err := root.Walk(func(path string, n fdt.Node) error {
		if _, _, ok := r.Find(n); !ok {
			return nil
		}
		edev, err := r.Probe(guest, path, n)
		if err != nil {
			return err
		}
		devices = append(devices, edev)
		return nil
	})
	if err != nil {
		for i := len(devices) - 1; i >= 0; i-- {
			if rerr := r.Remove(devices[i]); rerr != nil {
				slog.Warn("devemu: rollback remove failed", "path", devices[i].Path, "err", rerr)
			}
		}
		return nil, err
	}
	return devices, nil
}

// Reset resets edev.
func (r *Registry) Reset(edev *Device) error {
	if edev == nil || edev.Emulator == nil {
		return ErrNotAttached
	}
	return edev.Emulator.Reset(edev)
}

// Remove removes edev.
func (r *Registry) Remove(edev *Device) error {
	if edev == nil || edev.Emulator == nil {
		return ErrNotAttached
	}
	if err := edev.Emulator.Remove(edev); err != nil {
		return fmt.Errorf("devemu: remove %s: %w", edev.Path, err)
	}
	return nil
}
