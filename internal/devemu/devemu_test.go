package devemu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/passthrough/internal/fdt"
	"github.com/tinyrange/passthrough/internal/hv"
)

type testGuest struct{ name string }

func (g *testGuest) Name() string                                   { return g.name }
func (g *testGuest) EmulateIRQ(uint32, int) error                   { return nil }
func (g *testGuest) MapHostIRQ(uint32, uint32) error                { return nil }
func (g *testGuest) Halt() error                                    { return nil }
func (g *testGuest) IterateRegions(hv.RegionFlags, func(hv.Region)) {}

// testEmulator records lifecycle calls and fails probes of named nodes.
type testEmulator struct {
	name    string
	ids     []NodeID
	failOn  string
	calls   []string
	removed []string
}

func (e *testEmulator) Name() string         { return e.name }
func (e *testEmulator) MatchTable() []NodeID { return e.ids }

func (e *testEmulator) Probe(g hv.Guest, edev *Device, id NodeID) error {
	e.calls = append(e.calls, "probe "+edev.Node.Name)
	if edev.Node.Name == e.failOn {
		return hv.ErrFailure
	}
	edev.Priv = edev.Node.Name
	return nil
}

func (e *testEmulator) Reset(edev *Device) error {
	e.calls = append(e.calls, "reset "+edev.Node.Name)
	return nil
}

func (e *testEmulator) Remove(edev *Device) error {
	if edev.Priv == nil {
		return hv.ErrFailure
	}
	e.calls = append(e.calls, "remove "+edev.Node.Name)
	edev.Priv = nil
	return nil
}

func ptNode(name string) fdt.Node {
	return fdt.Node{Name: name, Properties: map[string]fdt.Property{
		TypeProperty:       {Strings: []string{"pt"}},
		CompatibleProperty: {Strings: []string{"vendor,thing", "platform"}},
	}}
}

func TestNodeIDMatch(t *testing.T) {
	id := NodeID{Type: "pt", Compatible: "platform"}
	if !id.Match(ptNode("eth0")) {
		t.Fatal("pt node did not match")
	}
	other := ptNode("uart")
	other.Properties[TypeProperty] = fdt.Property{Strings: []string{"serial"}}
	if id.Match(other) {
		t.Fatal("serial node matched pt id")
	}
	if id.Match(fdt.Node{Name: "bare"}) {
		t.Fatal("bare node matched")
	}
}

func TestRegistryProbeAllRollsBack(t *testing.T) {
	r := NewRegistry()
	emu := &testEmulator{name: "platform", ids: []NodeID{{"pt", "platform"}}, failOn: "c"}
	if err := r.Register(emu); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&testEmulator{name: "platform"}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Register = %v", err)
	}

	root := fdt.Node{Name: "", Children: []fdt.Node{
		ptNode("a"), {Name: "unmatched"}, ptNode("b"), ptNode("c"),
	}}
	g := &testGuest{"g0"}

	if _, err := r.ProbeAll(g, root); !errors.Is(err, hv.ErrFailure) {
		t.Fatalf("ProbeAll = %v", err)
	}
	want := []string{"probe a", "probe b", "probe c", "remove b", "remove a"}
	if diff := cmp.Diff(want, emu.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}

	emu.calls = nil
	emu.failOn = ""
	devs, err := r.ProbeAll(g, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 3 || devs[1].Path != "/b" {
		t.Fatalf("devices = %+v", devs)
	}
	if err := r.Reset(devs[0]); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(devs[0]); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(devs[0]); !errors.Is(err, hv.ErrFailure) {
		t.Fatalf("double Remove = %v", err)
	}

	if err := r.Unregister(emu); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Probe(g, "/a", ptNode("a")); !errors.Is(err, ErrNoEmulator) {
		t.Fatalf("Probe after Unregister = %v", err)
	}
}
