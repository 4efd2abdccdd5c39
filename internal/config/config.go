// Package config loads YAML descriptions of a pass-through host and the
// guests that run on it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/passthrough/internal/devdrv"
	"github.com/tinyrange/passthrough/internal/fdt"
	"github.com/tinyrange/passthrough/internal/guest"
	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/iommu"
	"gopkg.in/yaml.v3"
)

const (
	// MaxFileSize bounds the size of a description file.
	MaxFileSize = 1024 * 1024

	IOMMUSoftware = "software"
	IOMMUVFIO     = "vfio"

	DefaultHostIRQLines = 1024
)

var ErrInvalid = errors.New("config: invalid description")

// File is the top-level description.
type File struct {
	Host   HostSpec    `yaml:"host"`
	Guests []GuestSpec `yaml:"guests"`
}

// HostSpec describes the host side: its interrupt controller, the platform
// devices guests may reference and the IOMMU backend.
type HostSpec struct {
	IRQLines uint32       `yaml:"irq_lines,omitempty"`
	IOMMU    string       `yaml:"iommu,omitempty"` // "software" (default) or "vfio"
	Devices  []DeviceSpec `yaml:"devices,omitempty"`
}

// DeviceSpec is one host device.
type DeviceSpec struct {
	Name       string `yaml:"name"`
	Bus        string `yaml:"bus,omitempty"`
	IOMMUGroup *int   `yaml:"iommu_group,omitempty"` // nil: device has no IOMMU group

	// VFIODevice is the device name inside its VFIO group, for example
	// "fff51000.ethernet". Only used with the vfio backend.
	VFIODevice string    `yaml:"vfio_device,omitempty"`
	VFIOIRQs   []IRQSpec `yaml:"vfio_irqs,omitempty"`
}

// IRQSpec forwards VFIO interrupt index Index to host line HostIRQ.
type IRQSpec struct {
	Index   uint32 `yaml:"index"`
	HostIRQ uint32 `yaml:"host_irq"`
}

// GuestSpec describes a guest: its memory map and its device tree.
type GuestSpec struct {
	Name     string       `yaml:"name"`
	IRQLines uint32       `yaml:"irq_lines,omitempty"`
	Regions  []RegionSpec `yaml:"regions,omitempty"`
	Devices  []fdt.Node   `yaml:"devices,omitempty"`
}

// RegionSpec is one guest physical region. Flags use the names printed by
// hv.RegionFlags.
type RegionSpec struct {
	Name  string   `yaml:"name"`
	Flags []string `yaml:"flags"`
	GPhys uint64   `yaml:"gphys"`
	HPhys uint64   `yaml:"hphys,omitempty"`
	Size  uint64   `yaml:"size"`
}

// Load reads and validates the description at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("%w: %s larger than %d bytes", ErrInvalid, path, MaxFileSize)
	}

	file, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("config: loaded", "path", path, "guests", len(file.Guests), "devices", len(file.Host.Devices))
	return file, nil
}

// Parse decodes and validates a description. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	file.applyDefaults()
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *File) applyDefaults() {
	if f.Host.IRQLines == 0 {
		f.Host.IRQLines = DefaultHostIRQLines
	}
	if f.Host.IOMMU == "" {
		f.Host.IOMMU = IOMMUSoftware
	}
	for i := range f.Host.Devices {
		if f.Host.Devices[i].Bus == "" {
			f.Host.Devices[i].Bus = devdrv.PlatformBus
		}
	}
}

// Validate checks names for uniqueness, region flags and device-tree
// property values.
func (f *File) Validate() error {
	switch f.Host.IOMMU {
	case IOMMUSoftware, IOMMUVFIO:
	default:
		return fmt.Errorf("%w: unknown iommu backend %q", ErrInvalid, f.Host.IOMMU)
	}

	seen := make(map[string]bool)
	for _, d := range f.Host.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: host device without name", ErrInvalid)
		}
		key := d.Bus + "/" + d.Name
		if seen[key] {
			return fmt.Errorf("%w: duplicate host device %s", ErrInvalid, key)
		}
		seen[key] = true
		if d.IOMMUGroup != nil && *d.IOMMUGroup < 0 {
			return fmt.Errorf("%w: device %s: negative iommu group", ErrInvalid, d.Name)
		}
		if len(d.VFIOIRQs) > 0 && (d.IOMMUGroup == nil || d.VFIODevice == "") {
			return fmt.Errorf("%w: device %s: vfio_irqs need iommu_group and vfio_device", ErrInvalid, d.Name)
		}
		for _, irq := range d.VFIOIRQs {
			if irq.HostIRQ >= f.Host.IRQLines {
				return fmt.Errorf("%w: device %s: host irq %d beyond %d lines", ErrInvalid, d.Name, irq.HostIRQ, f.Host.IRQLines)
			}
		}
	}

	guests := make(map[string]bool)
	for _, g := range f.Guests {
		if g.Name == "" {
			return fmt.Errorf("%w: guest without name", ErrInvalid)
		}
		if guests[g.Name] {
			return fmt.Errorf("%w: duplicate guest %s", ErrInvalid, g.Name)
		}
		guests[g.Name] = true

		if _, err := g.regions(); err != nil {
			return fmt.Errorf("guest %s: %w", g.Name, err)
		}
		for _, n := range g.Devices {
			if err := validateNode(n); err != nil {
				return fmt.Errorf("guest %s: %w", g.Name, err)
			}
		}
	}
	return nil
}

func validateNode(n fdt.Node) error {
	return n.Walk(func(path string, node fdt.Node) error {
		if node.Name == "" {
			return fmt.Errorf("%w: unnamed device-tree node under %q", ErrInvalid, path)
		}
		for name, p := range node.Properties {
			if p.DefinedCount() > 1 {
				return fmt.Errorf("%w: %s/%s sets more than one value kind", ErrInvalid, path, name)
			}
		}
		return nil
	})
}

func (g GuestSpec) regions() ([]hv.Region, error) {
	regions := make([]hv.Region, 0, len(g.Regions))
	for _, r := range g.Regions {
		flags, err := hv.ParseRegionFlags(r.Flags)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", r.Name, err)
		}
		regions = append(regions, hv.Region{
			Name:      r.Name,
			Flags:     flags,
			GPhysAddr: r.GPhys,
			HPhysAddr: r.HPhys,
			Size:      r.Size,
		})
	}
	return regions, nil
}

// GuestConfig converts the description into a guest.Config. The device
// nodes become children of an unnamed root.
func (g GuestSpec) GuestConfig() (guest.Config, error) {
	regions, err := g.regions()
	if err != nil {
		return guest.Config{}, fmt.Errorf("guest %s: %w", g.Name, err)
	}
	return guest.Config{
		Name:       g.Name,
		IRQLines:   g.IRQLines,
		Regions:    regions,
		DeviceTree: fdt.Node{Children: g.Devices},
	}, nil
}

// Group returns the IOMMU group of the device, or nil.
func (d DeviceSpec) Group() *iommu.Group {
	if d.IOMMUGroup == nil {
		return nil
	}
	return &iommu.Group{ID: *d.IOMMUGroup, Name: d.Name}
}

// Register adds every host device to reg. Devices that share an
// iommu_group share one *iommu.Group.
func (h HostSpec) Register(reg *devdrv.Registry) error {
	groups := make(map[int]*iommu.Group)
	for _, d := range h.Devices {
		group := d.Group()
		if group != nil {
			if g, ok := groups[group.ID]; ok {
				group = g
			} else {
				groups[group.ID] = group
			}
		}
		if _, err := reg.AddDevice(d.Bus, d.Name, group); err != nil {
			return fmt.Errorf("config: host device %s: %w", d.Name, err)
		}
	}
	return nil
}
