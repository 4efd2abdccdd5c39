package passthrough

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/passthrough/internal/devdrv"
	"github.com/tinyrange/passthrough/internal/devemu"
	"github.com/tinyrange/passthrough/internal/fdt"
	"github.com/tinyrange/passthrough/internal/hostirq"
	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/iommu"
	"github.com/tinyrange/passthrough/internal/notifier"
)

// irqCall is one recorded call into the host IRQ layer.
type irqCall struct {
	Op  string
	IRQ uint32
}

// recordingIRQ wraps a real controller, records every call and fails the
// configured operation on the configured line.
type recordingIRQ struct {
	*hostirq.Controller

	mu     sync.Mutex
	calls  []irqCall
	failOp string
	failOn uint32
	failOk bool
}

func newRecordingIRQ() *recordingIRQ {
	return &recordingIRQ{Controller: hostirq.NewController(256)}
}

var errInjected = errors.New("injected failure")

func (r *recordingIRQ) failAt(op string, irq uint32) {
	r.failOp, r.failOn, r.failOk = op, irq, true
}

func (r *recordingIRQ) record(op string, irq uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, irqCall{op, irq})
	if r.failOk && r.failOp == op && r.failOn == irq {
		return errInjected
	}
	return nil
}

func (r *recordingIRQ) log() []irqCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]irqCall(nil), r.calls...)
}

func (r *recordingIRQ) SetType(irq, typ uint32) error {
	if err := r.record("settype", irq); err != nil {
		return err
	}
	return r.Controller.SetType(irq, typ)
}

func (r *recordingIRQ) MarkRouted(irq uint32) error {
	if err := r.record("mark", irq); err != nil {
		return err
	}
	return r.Controller.MarkRouted(irq)
}

// UnmarkRouted and Unregister always release the line so an injected
// failure only changes the returned error.
func (r *recordingIRQ) UnmarkRouted(irq uint32) error {
	err := r.record("unmark", irq)
	if uerr := r.Controller.UnmarkRouted(irq); uerr != nil {
		return uerr
	}
	return err
}

func (r *recordingIRQ) Register(irq uint32, name string, fn hostirq.Handler, dev any) error {
	if err := r.record("register", irq); err != nil {
		return err
	}
	return r.Controller.Register(irq, name, fn, dev)
}

func (r *recordingIRQ) Unregister(irq uint32, dev any) error {
	err := r.record("unregister", irq)
	if uerr := r.Controller.Unregister(irq, dev); uerr != nil {
		return uerr
	}
	return err
}

// levelCall is one EmulateIRQ call seen by the guest.
type levelCall struct {
	IRQ   uint32
	Level int
}

type routeCall struct {
	GuestIRQ uint32
	HostIRQ  uint32
}

// testGuest records everything the emulator asks of a guest.
type testGuest struct {
	name    string
	regions []hv.Region

	mu        sync.Mutex
	levels    []levelCall
	routes    []routeCall
	halts     int
	emulateFn func(irq uint32, level int) error
	routeFn   func(guestIRQ, hostIRQ uint32) error
}

func (g *testGuest) Name() string { return g.name }

func (g *testGuest) EmulateIRQ(irq uint32, level int) error {
	g.mu.Lock()
	g.levels = append(g.levels, levelCall{irq, level})
	fn := g.emulateFn
	g.mu.Unlock()
	if fn != nil {
		return fn(irq, level)
	}
	return nil
}

func (g *testGuest) MapHostIRQ(guestIRQ, hostIRQ uint32) error {
	g.mu.Lock()
	g.routes = append(g.routes, routeCall{guestIRQ, hostIRQ})
	fn := g.routeFn
	g.mu.Unlock()
	if fn != nil {
		return fn(guestIRQ, hostIRQ)
	}
	return nil
}

func (g *testGuest) Halt() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halts++
	return nil
}

func (g *testGuest) IterateRegions(flags hv.RegionFlags, fn func(hv.Region)) {
	for _, r := range g.regions {
		if r.Flags.Has(flags) {
			fn(r)
		}
	}
}

func (g *testGuest) levelLog() []levelCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]levelCall(nil), g.levels...)
}

func (g *testGuest) routeLog() []routeCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]routeCall(nil), g.routes...)
}

// failingIOMMU fails every allocation.
type failingIOMMU struct{}

func (failingIOMMU) AllocDomain(string, *iommu.Group, iommu.DomainKind) (iommu.Domain, error) {
	return nil, errInjected
}

// failingEvents refuses subscriptions.
type failingEvents struct{}

func (failingEvents) Register(*notifier.Block) error   { return errInjected }
func (failingEvents) Unregister(*notifier.Block) error { return nil }

// testHost is a complete host for one test.
type testHost struct {
	irq     *recordingIRQ
	devices *devdrv.Registry
	sw      *iommu.Software
	events  *notifier.Chain
	emu     *Emulator
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	h := &testHost{
		irq:     newRecordingIRQ(),
		devices: devdrv.NewRegistry(),
		sw:      iommu.NewSoftware(),
		events:  &notifier.Chain{},
	}
	h.emu = New(h.host())
	return h
}

func (h *testHost) host() Host {
	return Host{IRQ: h.irq, Devices: h.devices, IOMMU: h.sw, Aspace: h.events}
}

// addIOMMUDevice registers a platform device behind IOMMU group id.
func (h *testHost) addIOMMUDevice(t *testing.T, name string, id int) *devdrv.Device {
	t.Helper()
	dev, err := h.devices.AddDevice(devdrv.PlatformBus, name, &iommu.Group{ID: id, Name: name})
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

// assertClean checks that nothing the emulator can own is still held.
func (h *testHost) assertClean(t *testing.T) {
	t.Helper()
	if active := h.irq.Active(); len(active) != 0 {
		t.Errorf("host irq lines still claimed: %+v", active)
	}
	if inst, tables := h.emu.Resident(); inst != 0 || tables != 0 {
		t.Errorf("resident instances=%d tables=%d, want 0/0", inst, tables)
	}
	if n := h.sw.NumDomains(); n != 0 {
		t.Errorf("%d iommu domains still allocated", n)
	}
	if n := h.events.Len(); n != 0 {
		t.Errorf("%d aspace subscriptions still registered", n)
	}
	for _, d := range h.devices.Devices(devdrv.PlatformBus) {
		if d.Refs() != 0 {
			t.Errorf("device %s still has %d references", d.Name(), d.Refs())
		}
	}
}

// ptNode builds a pass-through node with the given (host, type, guest) triples.
func ptNode(name string, triples [][3]uint32, iommuDevice string) fdt.Node {
	var host, guest []uint32
	for _, tr := range triples {
		host = append(host, tr[0], tr[1])
		guest = append(guest, tr[2])
	}
	props := map[string]fdt.Property{
		devemu.TypeProperty:       {Strings: []string{"pt"}},
		devemu.CompatibleProperty: {Strings: []string{"platform"}},
	}
	if len(host) > 0 {
		props[HostInterruptsProperty] = fdt.Property{U32: host}
		props[InterruptsProperty] = fdt.Property{U32: guest}
	}
	if iommuDevice != "" {
		props[IOMMUDeviceProperty] = fdt.Property{Strings: []string{iommuDevice}}
	}
	return fdt.Node{Name: name, Properties: props}
}

func probeNode(t *testing.T, h *testHost, g hv.Guest, node fdt.Node) (*devemu.Device, error) {
	t.Helper()
	edev := &devemu.Device{Path: "/" + node.Name, Node: node, Guest: g, Emulator: h.emu}
	err := h.emu.Probe(g, edev, MatchTable[0])
	return edev, err
}

var threeLines = [][3]uint32{
	{40, uint32(hv.IRQTypeLevelHigh), 72},
	{41, uint32(hv.IRQTypeEdgeRising), 73},
	{42, uint32(hv.IRQTypeLevelHigh), 74},
}
