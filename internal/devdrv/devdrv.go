// Package devdrv is the host device registry: devices grouped by bus,
// looked up by name and kept alive by explicit references.
package devdrv

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/passthrough/internal/iommu"
)

const PlatformBus = "platform"

var (
	ErrExists = errors.New("devdrv: device already registered")
	ErrNoDev  = errors.New("devdrv: no such device")
	ErrInUse  = errors.New("devdrv: device still referenced")
)

// Device is a host device handle. Holders that keep the handle beyond a
// lookup must take a reference with Ref and drop it with Unref.
type Device struct {
	name  string
	bus   string
	group *iommu.Group

	refs atomic.Int64
}

func (d *Device) Name() string { return d.name }
func (d *Device) Bus() string  { return d.bus }

// IOMMUGroup returns the device's IOMMU group or nil when the device sits
// behind no IOMMU.
func (d *Device) IOMMUGroup() *iommu.Group { return d.group }

// Ref takes a reference.
func (d *Device) Ref() {
	d.refs.Add(1)
}

// Unref drops a reference taken with Ref.
func (d *Device) Unref() {
	if n := d.refs.Add(-1); n < 0 {
		d.refs.Add(1)
		slog.Error("devdrv: unbalanced unref", "bus", d.bus, "device", d.name)
	}
}

// Refs returns the number of outstanding references.
func (d *Device) Refs() int64 {
	return d.refs.Load()
}

// Registry holds every known host device.
type Registry struct {
	mu    sync.RWMutex
	buses map[string]map[string]*Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{buses: make(map[string]map[string]*Device)}
}

// AddDevice registers a device on bus. group may be nil.
func (r *Registry) AddDevice(bus, name string, group *iommu.Group) (*Device, error) {
	if bus == "" || name == "" {
		return nil, fmt.Errorf("devdrv: empty bus or device name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	devs := r.buses[bus]
	if devs == nil {
		devs = make(map[string]*Device)
		r.buses[bus] = devs
	}
	if _, ok := devs[name]; ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrExists, bus, name)
	}
	d := &Device{name: name, bus: bus, group: group}
	devs[name] = d
	return d, nil
}

// RemoveDevice unregisters a device that nobody references.
func (r *Registry) RemoveDevice(bus, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.buses[bus][name]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoDev, bus, name)
	}
	if n := d.Refs(); n > 0 {
		return fmt.Errorf("%w: %s/%s has %d references", ErrInUse, bus, name, n)
	}
	delete(r.buses[bus], name)
	return nil
}

// FindDevice looks up a device by bus and name. It does not take a reference.
func (r *Registry) FindDevice(bus, name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.buses[bus][name]
	return d, ok
}

// Devices returns the devices on bus ordered by name.
func (r *Registry) Devices(bus string) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.buses[bus]))
	for _, d := range r.buses[bus] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
