package iommu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSoftwareDomainLifecycle(t *testing.T) {
	sw := NewSoftware()
	group := &Group{ID: 7, Name: "eth0"}

	dom, err := sw.AllocDomain("platform", group, DomainUnmanaged)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sw.AllocDomain("platform", group, DomainUnmanaged); !errors.Is(err, ErrBusy) {
		t.Fatalf("second AllocDomain = %v", err)
	}
	if _, err := sw.AllocDomain("platform", nil, DomainUnmanaged); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("AllocDomain(nil group) = %v", err)
	}

	if err := dom.Map(0x80000000, 0x200000000, 0x10000, ProtRead|ProtWrite); err != nil {
		t.Fatal(err)
	}
	if err := dom.Map(0x40000000, 0x300000000, 0x1000, ProtRead); err != nil {
		t.Fatal(err)
	}
	if err := dom.Map(0x80008000, 0x0, 0x1000, ProtRead); !errors.Is(err, ErrExists) {
		t.Fatalf("overlapping Map = %v", err)
	}
	if err := dom.Map(0x123, 0x0, 0x1000, ProtRead); !errors.Is(err, ErrAlign) {
		t.Fatalf("unaligned Map = %v", err)
	}

	sd := dom.(*SoftDomain)
	want := []Mapping{
		{IOVA: 0x40000000, PAddr: 0x300000000, Size: 0x1000, Prot: ProtRead},
		{IOVA: 0x80000000, PAddr: 0x200000000, Size: 0x10000, Prot: ProtRead | ProtWrite},
	}
	if diff := cmp.Diff(want, sd.Mappings()); diff != "" {
		t.Fatalf("mappings (-want +got):\n%s", diff)
	}

	n, err := dom.Unmap(0x40000000, 0x1000)
	if err != nil || n != 0x1000 {
		t.Fatalf("Unmap = 0x%x, %v", n, err)
	}
	if _, err := dom.Unmap(0x40000000, 0x1000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Unmap = %v", err)
	}

	if err := dom.Free(); err != nil {
		t.Fatal(err)
	}
	if err := dom.Free(); !errors.Is(err, ErrFreed) {
		t.Fatalf("second Free = %v", err)
	}
	if sw.NumDomains() != 0 {
		t.Fatalf("NumDomains = %d after Free", sw.NumDomains())
	}
	if err := dom.Map(0, 0, 0x1000, ProtRead); !errors.Is(err, ErrFreed) {
		t.Fatalf("Map after Free = %v", err)
	}
	// group can be reused once freed
	if _, err := sw.AllocDomain("platform", group, DomainUnmanaged); err != nil {
		t.Fatal(err)
	}
}

func TestSoftwareDomainFaults(t *testing.T) {
	sw := NewSoftware()
	dom, _ := sw.AllocDomain("platform", &Group{ID: 1}, DomainUnmanaged)
	_ = dom.Map(0x1000, 0x9000, 0x1000, ProtRead)

	type fault struct {
		iova  uint64
		flags FaultFlags
		priv  any
	}
	var faults []fault
	dom.SetFaultHandler(func(d Domain, iova uint64, flags FaultFlags, priv any) error {
		if d != dom {
			t.Errorf("fault on wrong domain")
		}
		faults = append(faults, fault{iova, flags, priv})
		return nil
	}, "ctx")

	sd := dom.(*SoftDomain)
	pa, err := sd.Access(0x1010, false)
	if err != nil || pa != 0x9010 {
		t.Fatalf("Access read = 0x%x, %v", pa, err)
	}
	if _, err := sd.Access(0x1010, true); !errors.Is(err, ErrFault) {
		t.Fatalf("write to read-only = %v", err)
	}
	if _, err := sd.Access(0x5000, false); !errors.Is(err, ErrFault) {
		t.Fatalf("unmapped read = %v", err)
	}

	want := []fault{{0x1010, FaultWrite, "ctx"}, {0x5000, FaultRead, "ctx"}}
	if diff := cmp.Diff(want, faults, cmp.AllowUnexported(fault{})); diff != "" {
		t.Fatalf("faults (-want +got):\n%s", diff)
	}
}

func TestProtString(t *testing.T) {
	if (ProtRead | ProtWrite).String() != "rw" || ProtRead.String() != "r-" {
		t.Fatalf("Prot strings: %q %q", (ProtRead|ProtWrite).String(), ProtRead.String())
	}
}

func TestSoftwareOneDomainPerGroupID(t *testing.T) {
	sw := NewSoftware()
	eth0 := &Group{ID: 5, Name: "eth0"}
	eth1 := &Group{ID: 5, Name: "eth1"}

	dom, err := sw.AllocDomain("platform", eth0, DomainUnmanaged)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sw.AllocDomain("platform", eth1, DomainUnmanaged); !errors.Is(err, ErrBusy) {
		t.Fatalf("AllocDomain for sibling device = %v, want busy", err)
	}
	if got, ok := sw.Attached(eth1); !ok || got != dom {
		t.Fatalf("Attached(sibling) = %v, %v", got, ok)
	}
	if sw.NumDomains() != 1 {
		t.Fatalf("NumDomains = %d, want 1", sw.NumDomains())
	}

	if err := dom.Free(); err != nil {
		t.Fatal(err)
	}
	if _, err := sw.AllocDomain("platform", eth1, DomainUnmanaged); err != nil {
		t.Fatalf("AllocDomain after free = %v", err)
	}
}
