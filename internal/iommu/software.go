package iommu

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Software is an IOMMU subsystem that keeps translations in memory. It is
// used where no hardware IOMMU is reachable and to check DMA accesses made
// by simulated devices.
type Software struct {
	mu sync.Mutex
	// keyed by group ID; devices of one group may hold distinct *Group values
	attached map[int]*SoftDomain
}

// NewSoftware returns an empty software IOMMU.
func NewSoftware() *Software {
	return &Software{attached: make(map[int]*SoftDomain)}
}

// AllocDomain creates a domain of the given kind attached to group. Only
// one domain may be attached to a group at a time.
func (s *Software) AllocDomain(bus string, group *Group, kind DomainKind) (Domain, error) {
	if group == nil {
		return nil, ErrNoGroup
	}
	if kind != DomainUnmanaged && kind != DomainIdentity && kind != DomainBlocked {
		return nil, fmt.Errorf("%w: %s", ErrKind, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attached[group.ID]; ok {
		return nil, fmt.Errorf("%w: group %s", ErrBusy, group)
	}
	d := &SoftDomain{owner: s, bus: bus, group: group, kind: kind}
	s.attached[group.ID] = d
	slog.Debug("iommu: domain allocated", "bus", bus, "group", group.String(), "kind", kind.String())
	return d, nil
}

// Attached returns the domain attached to group, if any.
func (s *Software) Attached(group *Group) (*SoftDomain, bool) {
	if group == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.attached[group.ID]
	return d, ok
}

// NumDomains returns the number of live domains.
func (s *Software) NumDomains() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

func (s *Software) detach(d *SoftDomain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached[d.group.ID] == d {
		delete(s.attached, d.group.ID)
	}
}

// SoftDomain is a Domain whose page tables are a sorted range list.
type SoftDomain struct {
	owner *Software
	bus   string
	group *Group
	kind  DomainKind

	mu       sync.Mutex
	maps     []Mapping
	freed    bool
	fault    FaultHandler
	faultCtx any
}

func (d *SoftDomain) Kind() DomainKind { return d.kind }
func (d *SoftDomain) Group() *Group    { return d.group }

func (d *SoftDomain) Map(iova, paddr, size uint64, prot Prot) error {
	if size == 0 || !aligned(iova) || !aligned(paddr) || !aligned(size) {
		return fmt.Errorf("%w: iova 0x%x paddr 0x%x size 0x%x", ErrAlign, iova, paddr, size)
	}
	if iova+size < iova {
		return fmt.Errorf("%w: iova 0x%x size 0x%x wraps", ErrAlign, iova, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.freed {
		return ErrFreed
	}
	if d.kind != DomainUnmanaged {
		return fmt.Errorf("%w: map on %s domain", ErrKind, d.kind)
	}
	for _, m := range d.maps {
		if iova < m.End() && m.IOVA < iova+size {
			return fmt.Errorf("%w: [0x%x-0x%x) overlaps [0x%x-0x%x)", ErrExists, iova, iova+size, m.IOVA, m.End())
		}
	}
	d.maps = append(d.maps, Mapping{IOVA: iova, PAddr: paddr, Size: size, Prot: prot})
	sort.Slice(d.maps, func(i, j int) bool { return d.maps[i].IOVA < d.maps[j].IOVA })
	return nil
}

func (d *SoftDomain) Unmap(iova, size uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.freed {
		return 0, ErrFreed
	}
	var unmapped uint64
	kept := d.maps[:0]
	for _, m := range d.maps {
		if m.IOVA >= iova && m.End() <= iova+size {
			unmapped += m.Size
			continue
		}
		kept = append(kept, m)
	}
	d.maps = kept
	if unmapped == 0 {
		return 0, fmt.Errorf("%w: [0x%x-0x%x)", ErrNotFound, iova, iova+size)
	}
	return unmapped, nil
}

func (d *SoftDomain) SetFaultHandler(fn FaultHandler, priv any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = fn
	d.faultCtx = priv
}

func (d *SoftDomain) Free() error {
	d.mu.Lock()
	if d.freed {
		d.mu.Unlock()
		return ErrFreed
	}
	d.freed = true
	d.maps = nil
	d.fault = nil
	d.faultCtx = nil
	d.mu.Unlock()

	d.owner.detach(d)
	return nil
}

// Mappings returns a copy of the installed translations ordered by IOVA.
func (d *SoftDomain) Mappings() []Mapping {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Mapping(nil), d.maps...)
}

// Access translates a device access at iova. An access outside every
// mapping, or without the needed permission, is reported to the fault
// handler and returns ErrFault.
func (d *SoftDomain) Access(iova uint64, write bool) (uint64, error) {
	d.mu.Lock()
	if d.freed {
		d.mu.Unlock()
		return 0, ErrFreed
	}
	need := ProtRead
	flags := FaultRead
	if write {
		need = ProtWrite
		flags = FaultWrite
	}
	if d.kind == DomainIdentity {
		d.mu.Unlock()
		return iova, nil
	}
	for _, m := range d.maps {
		if iova >= m.IOVA && iova < m.End() && m.Prot&need != 0 {
			d.mu.Unlock()
			return m.PAddr + (iova - m.IOVA), nil
		}
	}
	fn, priv := d.fault, d.faultCtx
	d.mu.Unlock()

	if fn != nil {
		if err := fn(d, iova, flags, priv); err != nil {
			slog.Warn("iommu: fault handler failed", "iova", fmt.Sprintf("0x%x", iova), "err", err)
		}
	} else {
		slog.Error("iommu: unhandled fault", "group", d.group.String(), "iova", fmt.Sprintf("0x%x", iova), "flags", flags)
	}
	return 0, fmt.Errorf("%w: iova 0x%x", ErrFault, iova)
}

var _ Domain = (*SoftDomain)(nil)
