package hv

import (
	"fmt"
	"sort"
	"sync"
)

const PageSize = 0x1000

// AddressSpace manages the guest physical memory map of one guest.
// Regions are added while the guest is being configured; once Finalize is
// called the layout is frozen and emulators may install physical mappings
// for it.
type AddressSpace struct {
	mu sync.Mutex

	// regions is kept sorted by guest physical address.
	regions   []Region
	finalized bool
}

// NewAddressSpace creates an empty guest address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// AddRegion inserts a region into the map.
// Returns error if the region is empty, wraps, overlaps another region or
// the layout is already final. Host RAM backed regions must be page aligned.
func (a *AddressSpace) AddRegion(r Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return fmt.Errorf("address_space: cannot add region %s after finalize", r.Name)
	}
	if r.Size == 0 {
		return fmt.Errorf("address_space: cannot add zero-size region %s", r.Name)
	}
	if r.GPhysEnd() < r.GPhysAddr || r.HPhysAddr+r.Size < r.HPhysAddr {
		return fmt.Errorf("address_space: region %s at 0x%x with size 0x%x overflows", r.Name, r.GPhysAddr, r.Size)
	}
	if r.Flags.Has(RegionIsHostRAM) {
		if r.GPhysAddr != alignUp(r.GPhysAddr, PageSize) ||
			r.HPhysAddr != alignUp(r.HPhysAddr, PageSize) ||
			r.Size != alignUp(r.Size, PageSize) {
			return fmt.Errorf("address_space: host RAM region %s is not page aligned", r.Name)
		}
	}

	for _, existing := range a.regions {
		if r.GPhysAddr < existing.GPhysEnd() && existing.GPhysAddr < r.GPhysEnd() {
			return fmt.Errorf("address_space: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				r.Name, r.GPhysAddr, r.GPhysEnd(), existing.Name, existing.GPhysAddr, existing.GPhysEnd())
		}
	}

	a.regions = append(a.regions, r)
	sort.Slice(a.regions, func(i, j int) bool {
		return a.regions[i].GPhysAddr < a.regions[j].GPhysAddr
	})
	return nil
}

// Finalize freezes the layout.
func (a *AddressSpace) Finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return fmt.Errorf("address_space: already finalized")
	}
	a.finalized = true
	return nil
}

// Finalized reports whether the layout is frozen.
func (a *AddressSpace) Finalized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized
}

// Regions returns a copy of all regions ordered by guest physical address.
func (a *AddressSpace) Regions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.regions))
	copy(result, a.regions)
	return result
}

// Iterate calls fn for every region carrying all of flags, in address order.
// fn runs without the lock held.
func (a *AddressSpace) Iterate(flags RegionFlags, fn func(Region)) {
	for _, r := range a.Regions() {
		if r.Flags.Has(flags) {
			fn(r)
		}
	}
}

// Find returns the region containing gphys.
func (a *AddressSpace) Find(gphys uint64) (Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].GPhysEnd() > gphys
	})
	if i < len(a.regions) && a.regions[i].GPhysAddr <= gphys {
		return a.regions[i], true
	}
	return Region{}, false
}

// Translate converts a guest physical address inside a real region to the
// backing host physical address.
func (a *AddressSpace) Translate(gphys uint64) (uint64, error) {
	r, ok := a.Find(gphys)
	if !ok {
		return 0, fmt.Errorf("address_space: no region at 0x%x", gphys)
	}
	if !r.Flags.Has(RegionReal) {
		return 0, fmt.Errorf("address_space: region %s at 0x%x is not real", r.Name, gphys)
	}
	return r.HPhysAddr + (gphys - r.GPhysAddr), nil
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
