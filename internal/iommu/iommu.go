// Package iommu defines IOMMU protection domains and provides a software
// implementation that enforces mappings and reports faults.
package iommu

import (
	"errors"
	"fmt"
)

var (
	ErrBusy     = errors.New("iommu: group already attached to a domain")
	ErrNoGroup  = errors.New("iommu: no group")
	ErrKind     = errors.New("iommu: unsupported domain kind")
	ErrExists   = errors.New("iommu: range already mapped")
	ErrAlign    = errors.New("iommu: range not page aligned")
	ErrFreed    = errors.New("iommu: domain freed")
	ErrFault    = errors.New("iommu: translation fault")
	ErrNotFound = errors.New("iommu: range not mapped")
)

const PageSize = 0x1000

// Prot is the access permission of a mapping.
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtCache
)

func (p Prot) String() string {
	s := []byte("--")
	if p&ProtRead != 0 {
		s[0] = 'r'
	}
	if p&ProtWrite != 0 {
		s[1] = 'w'
	}
	return string(s)
}

// DomainKind selects how a domain is managed.
type DomainKind int

const (
	DomainBlocked DomainKind = iota
	DomainIdentity
	// DomainUnmanaged domains are populated explicitly by their owner.
	DomainUnmanaged
	DomainDMA
)

func (k DomainKind) String() string {
	switch k {
	case DomainBlocked:
		return "blocked"
	case DomainIdentity:
		return "identity"
	case DomainUnmanaged:
		return "unmanaged"
	case DomainDMA:
		return "dma"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FaultFlags describe the access that faulted.
type FaultFlags uint32

const (
	FaultRead  FaultFlags = 0x0
	FaultWrite FaultFlags = 0x1
)

// Group is a set of devices that share one translation context.
type Group struct {
	ID   int
	Name string
}

func (g *Group) String() string {
	if g == nil {
		return "<nil>"
	}
	if g.Name != "" {
		return fmt.Sprintf("%d(%s)", g.ID, g.Name)
	}
	return fmt.Sprintf("%d", g.ID)
}

// FaultHandler is called when a device access falls outside the domain's
// mappings or lacks permission. priv is the value given to SetFaultHandler.
type FaultHandler func(dom Domain, iova uint64, flags FaultFlags, priv any) error

// Domain is one protection domain bound to a group.
type Domain interface {
	Kind() DomainKind
	Group() *Group

	// Map installs [iova, iova+size) -> [paddr, paddr+size) with prot.
	Map(iova, paddr, size uint64, prot Prot) error
	// Unmap removes mappings fully inside [iova, iova+size) and returns
	// the number of bytes unmapped.
	Unmap(iova, size uint64) (uint64, error)

	SetFaultHandler(fn FaultHandler, priv any)

	// Free detaches the domain from its group and drops every mapping.
	Free() error
}

// Mapping is one installed translation.
type Mapping struct {
	IOVA  uint64
	PAddr uint64
	Size  uint64
	Prot  Prot
}

func (m Mapping) End() uint64 { return m.IOVA + m.Size }

func aligned(v uint64) bool { return v&(PageSize-1) == 0 }
