package hv

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by emulators and the subsystems they consume.
var (
	ErrOutOfMemory   = errors.New("out of memory")
	ErrOverflow      = errors.New("overflow")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrFailure       = errors.New("failure")
	ErrGuestHalted   = errors.New("guest halted")
)

// IRQReturn is the disposition a host interrupt handler reports.
type IRQReturn int

const (
	IRQNone IRQReturn = iota
	IRQHandled
)

func (r IRQReturn) String() string {
	if r == IRQHandled {
		return "handled"
	}
	return "none"
}

// IRQType is a host interrupt trigger type as encoded in device-tree
// interrupt specifiers.
type IRQType uint32

const (
	IRQTypeNone        IRQType = 0x0
	IRQTypeEdgeRising  IRQType = 0x1
	IRQTypeEdgeFalling IRQType = 0x2
	IRQTypeEdgeBoth    IRQType = IRQTypeEdgeRising | IRQTypeEdgeFalling
	IRQTypeLevelHigh   IRQType = 0x4
	IRQTypeLevelLow    IRQType = 0x8

	irqTypeSenseMask = 0xf
)

// Valid reports whether t names a single sense mode.
func (t IRQType) Valid() bool {
	switch t {
	case IRQTypeNone, IRQTypeEdgeRising, IRQTypeEdgeFalling, IRQTypeEdgeBoth,
		IRQTypeLevelHigh, IRQTypeLevelLow:
		return true
	}
	return false
}

// Level reports whether t is level triggered.
func (t IRQType) Level() bool {
	return t&(IRQTypeLevelHigh|IRQTypeLevelLow) != 0
}

func (t IRQType) String() string {
	switch t & irqTypeSenseMask {
	case IRQTypeNone:
		return "none"
	case IRQTypeEdgeRising:
		return "edge-rising"
	case IRQTypeEdgeFalling:
		return "edge-falling"
	case IRQTypeEdgeBoth:
		return "edge-both"
	case IRQTypeLevelHigh:
		return "level-high"
	case IRQTypeLevelLow:
		return "level-low"
	}
	return fmt.Sprintf("0x%x", uint32(t))
}

// RegionFlags classify a guest physical region.
type RegionFlags uint32

const (
	RegionReal RegionFlags = 1 << iota
	RegionVirtual
	RegionMemory
	RegionIO
	RegionIsRAM
	RegionIsROM
	RegionIsDevice
	RegionIsHostRAM
	RegionIsAlias
)

var regionFlagNames = []string{
	"real", "virtual", "memory", "io", "ram", "rom", "device", "hostram", "alias",
}

// Has reports whether every bit of want is set in f.
func (f RegionFlags) Has(want RegionFlags) bool {
	return f&want == want
}

func (f RegionFlags) String() string {
	var parts []string
	for i, name := range regionFlagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseRegionFlags converts names produced by RegionFlags.String back into flags.
func ParseRegionFlags(names []string) (RegionFlags, error) {
	var f RegionFlags
outer:
	for _, name := range names {
		for i, known := range regionFlagNames {
			if name == known {
				f |= 1 << i
				continue outer
			}
		}
		return 0, fmt.Errorf("%w: unknown region flag %q", ErrInvalidConfig, name)
	}
	return f, nil
}

// Region is one entry of a guest's physical memory map.
type Region struct {
	Name      string
	Flags     RegionFlags
	GPhysAddr uint64
	HPhysAddr uint64
	Size      uint64
}

func (r Region) GPhysStart() uint64 { return r.GPhysAddr }
func (r Region) GPhysEnd() uint64   { return r.GPhysAddr + r.Size }
func (r Region) HPhysStart() uint64 { return r.HPhysAddr }

// Guest is the view of a guest an emulator needs: interrupt injection,
// host-to-guest IRQ routing, halting and its memory map.
type Guest interface {
	Name() string

	// EmulateIRQ drives the guest interrupt line to level.
	EmulateIRQ(irq uint32, level int) error
	// MapHostIRQ records that guestIRQ is backed by hostIRQ.
	MapHostIRQ(guestIRQ, hostIRQ uint32) error
	Halt() error

	// IterateRegions calls fn for every region carrying all of flags.
	IterateRegions(flags RegionFlags, fn func(Region))
}

// AspaceEventKind identifies a guest address-space notification.
type AspaceEventKind uint64

const (
	AspaceEventInit AspaceEventKind = iota + 1
	AspaceEventReset
)

func (k AspaceEventKind) String() string {
	switch k {
	case AspaceEventInit:
		return "init"
	case AspaceEventReset:
		return "reset"
	}
	return fmt.Sprintf("aspace-event(%d)", uint64(k))
}

// AspaceEvent is the payload delivered with every address-space notification.
type AspaceEvent struct {
	Guest Guest
}
