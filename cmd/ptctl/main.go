// Command ptctl builds a pass-through host from a YAML description, creates
// the guests it lists, probes their pass-through devices and reports the
// resulting interrupt routes and DMA windows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/passthrough/internal/config"
	"github.com/tinyrange/passthrough/internal/devdrv"
	"github.com/tinyrange/passthrough/internal/devemu"
	"github.com/tinyrange/passthrough/internal/devices/passthrough"
	"github.com/tinyrange/passthrough/internal/fdt"
	"github.com/tinyrange/passthrough/internal/guest"
	"github.com/tinyrange/passthrough/internal/hostirq"
	"github.com/tinyrange/passthrough/internal/iommu"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ptctl: %v\n", err)
		os.Exit(1)
	}
}

type dmaAccess struct {
	guest string
	iova  uint64
	write bool
}

type dmaWindow struct {
	guest string
	iova  uint64
	size  uint64
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ptctl", flag.ContinueOnError)
	configPath := fs.String("config", "", "Host and guest description (YAML)")
	verbose := fs.Bool("v", false, "Enable debug logging")
	useVFIO := fs.Bool("vfio", false, "Back IOMMU domains and device interrupts with Linux VFIO")
	vfioRoot := fs.String("vfio-root", "/dev/vfio", "VFIO device directory")
	irqList := fs.String("irq", "", "Comma separated host IRQs to raise after address-space init")
	dtbDir := fs.String("dtb", "", "Write each guest's device tree blob to this directory")
	reset := fs.Bool("reset", false, "Reset every guest after raising interrupts")
	wait := fs.Duration("wait", 0, "Keep forwarding VFIO interrupts for this long (0: until interrupted with -vfio, else none)")
	var dmas []dmaAccess
	fs.Func("dma", "Simulate a device access guest:iova[:w] through the software IOMMU (repeatable)", func(s string) error {
		a, err := parseDMA(s)
		if err != nil {
			return err
		}
		dmas = append(dmas, a)
		return nil
	})
	var unmaps []dmaWindow
	fs.Func("unmap", "Revoke a DMA window guest:iova:size before simulating accesses (repeatable)", func(s string) error {
		w, err := parseWindow(s)
		if err != nil {
			return err
		}
		unmaps = append(unmaps, w)
		return nil
	})
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: ptctl -config host.yaml [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		if fs.NArg() != 1 {
			fs.Usage()
			return fmt.Errorf("description file required")
		}
		*configPath = fs.Arg(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	irqs, err := parseIRQList(*irqList)
	if err != nil {
		return err
	}

	file, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if file.Host.IOMMU == config.IOMMUVFIO {
		*useVFIO = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	h, err := newHost(file, *useVFIO, *vfioRoot)
	if err != nil {
		return err
	}
	defer h.close()

	var guests []*guest.Guest
	for _, spec := range file.Guests {
		cfg, err := spec.GuestConfig()
		if err != nil {
			return err
		}
		cfg.Sink = h.edgesFor(spec.Name)
		if h.vfio {
			release, err := backRAM(&cfg)
			if err != nil {
				return fmt.Errorf("guest %s: %w", spec.Name, err)
			}
			h.cleanup = append(h.cleanup, release)
		}
		g, err := h.guests.Create(cfg)
		if err != nil {
			return err
		}
		h.created = append(h.created, g)
		guests = append(guests, g)

		if *dtbDir != "" {
			if err := writeDTB(*dtbDir, spec.Name, cfg.DeviceTree); err != nil {
				return err
			}
		}
	}

	for _, g := range guests {
		if err := h.guests.InitAddressSpace(g); err != nil {
			return err
		}
	}

	if h.vfio {
		closers, err := startForwarding(ctx, h.iommu, file.Host.Devices, h.irqs)
		if err != nil {
			return err
		}
		h.closers = append(h.closers, closers...)
		waitForwarding(ctx, *wait)
	}

	for _, irq := range irqs {
		ret := h.irqs.Fire(irq)
		slog.Info("ptctl: raised host irq", "irq", irq, "result", ret)
	}
	for _, w := range unmaps {
		if err := h.unmapDMA(w); err != nil {
			return err
		}
	}
	for _, a := range dmas {
		h.simulateDMA(a)
	}
	if *reset {
		for _, g := range guests {
			if err := h.guests.Reset(g); err != nil {
				slog.Warn("ptctl: reset failed", "guest", g.Name(), "err", err)
			}
		}
	}

	printReport(stdout, h, guests)
	return nil
}

func waitForwarding(ctx context.Context, d time.Duration) {
	if d <= 0 {
		slog.Info("ptctl: forwarding interrupts, interrupt to stop")
		<-ctx.Done()
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func parseIRQList(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var out []uint32
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad irq %q: %w", f, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func parseDMA(s string) (dmaAccess, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return dmaAccess{}, fmt.Errorf("bad dma access %q, want guest:iova[:w]", s)
	}
	iova, err := strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		return dmaAccess{}, fmt.Errorf("bad dma address %q: %w", parts[1], err)
	}
	a := dmaAccess{guest: parts[0], iova: iova}
	if len(parts) == 3 {
		switch parts[2] {
		case "w":
			a.write = true
		case "r":
		default:
			return dmaAccess{}, fmt.Errorf("bad dma direction %q", parts[2])
		}
	}
	return a, nil
}

func parseWindow(s string) (dmaWindow, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" {
		return dmaWindow{}, fmt.Errorf("bad dma window %q, want guest:iova:size", s)
	}
	iova, err := strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		return dmaWindow{}, fmt.Errorf("bad dma address %q: %w", parts[1], err)
	}
	size, err := strconv.ParseUint(parts[2], 0, 64)
	if err != nil || size == 0 {
		return dmaWindow{}, fmt.Errorf("bad dma size %q", parts[2])
	}
	return dmaWindow{guest: parts[0], iova: iova, size: size}, nil
}

func writeDTB(dir, name string, root fdt.Node) error {
	blob, err := fdt.Build(root)
	if err != nil {
		return fmt.Errorf("guest %s: build device tree: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name+".dtb")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return err
	}
	slog.Info("ptctl: wrote device tree", "guest", name, "path", path, "size", len(blob))
	return nil
}

// host is everything ptctl builds: the host subsystems, the emulator
// registry with the pass-through emulator and the guest manager.
type host struct {
	irqs    *hostirq.Controller
	devices *devdrv.Registry
	iommu   passthrough.IOMMU
	vfio    bool
	emus    *devemu.Registry
	guests  *guest.Manager
	pt      *passthrough.Emulator
	edges   map[string]*edgeCounter

	created []*guest.Guest
	closers []io.Closer
	cleanup []func()
}

func newHost(file *config.File, useVFIO bool, vfioRoot string) (*host, error) {
	h := &host{
		irqs:    hostirq.NewController(file.Host.IRQLines),
		devices: devdrv.NewRegistry(),
		emus:    devemu.NewRegistry(),
		vfio:    useVFIO,
		edges:   make(map[string]*edgeCounter),
	}
	if useVFIO {
		backend, err := openVFIO(vfioRoot)
		if err != nil {
			return nil, err
		}
		h.iommu = backend
	} else {
		h.iommu = iommu.NewSoftware()
	}
	if err := file.Host.Register(h.devices); err != nil {
		return nil, err
	}

	h.guests = guest.NewManager(h.emus)
	pt, err := passthrough.Register(h.emus, passthrough.Host{
		IRQ:     h.irqs,
		Devices: h.devices,
		IOMMU:   h.iommu,
		Aspace:  h.guests.AspaceEvents(),
	})
	if err != nil {
		return nil, err
	}
	h.pt = pt
	return h, nil
}

func (h *host) edgesFor(guest string) *edgeCounter {
	c := &edgeCounter{}
	h.edges[guest] = c
	return c
}

// domainOf returns the first pass-through instance of g with an IOMMU domain.
func domainOf(g *guest.Guest) (*passthrough.Instance, bool) {
	for _, edev := range g.Devices() {
		if inst, ok := passthrough.FromDevice(edev); ok && inst.Domain() != nil {
			return inst, true
		}
	}
	return nil, false
}

// unmapDMA removes a window from the guest's pass-through domain.
func (h *host) unmapDMA(w dmaWindow) error {
	g, ok := h.guests.Lookup(w.guest)
	if !ok {
		return fmt.Errorf("unmap: unknown guest %s", w.guest)
	}
	inst, ok := domainOf(g)
	if !ok {
		return fmt.Errorf("unmap: guest %s has no pass-through device with an IOMMU domain", w.guest)
	}
	n, err := inst.Domain().Unmap(w.iova, w.size)
	if err != nil {
		return fmt.Errorf("unmap %s [0x%x-0x%x): %w", inst.Name(), w.iova, w.iova+w.size, err)
	}
	slog.Info("ptctl: dma window revoked", "instance", inst.Name(),
		"iova", fmt.Sprintf("0x%x", w.iova), "unmapped", fmt.Sprintf("0x%x", n))
	return nil
}

// simulateDMA replays a device access through the software IOMMU domain of
// the guest's first pass-through device that has one.
func (h *host) simulateDMA(a dmaAccess) {
	g, ok := h.guests.Lookup(a.guest)
	if !ok {
		slog.Warn("ptctl: dma for unknown guest", "guest", a.guest)
		return
	}
	type accessor interface {
		Access(iova uint64, write bool) (uint64, error)
	}
	inst, ok := domainOf(g)
	if !ok {
		slog.Warn("ptctl: guest has no pass-through device with an IOMMU domain", "guest", a.guest)
		return
	}
	dom, ok := inst.Domain().(accessor)
	if !ok {
		slog.Warn("ptctl: domain cannot simulate accesses", "instance", inst.Name())
		return
	}
	pa, err := dom.Access(a.iova, a.write)
	if err != nil {
		slog.Warn("ptctl: dma rejected", "instance", inst.Name(), "iova", fmt.Sprintf("0x%x", a.iova), "err", err)
		return
	}
	// IOVAs are guest physical addresses, so the domain must agree with the
	// guest memory map.
	if want, err := g.AddressSpace().Translate(a.iova); err != nil || want != pa {
		slog.Warn("ptctl: dma translation disagrees with guest memory map", "instance", inst.Name(),
			"iova", fmt.Sprintf("0x%x", a.iova), "host", fmt.Sprintf("0x%x", pa), "err", err)
		return
	}
	slog.Info("ptctl: dma translated", "instance", inst.Name(),
		"iova", fmt.Sprintf("0x%x", a.iova), "host", fmt.Sprintf("0x%x", pa))
}

func (h *host) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			slog.Warn("ptctl: close failed", "err", err)
		}
	}
	for i := len(h.created) - 1; i >= 0; i-- {
		if err := h.guests.Destroy(h.created[i]); err != nil {
			slog.Warn("ptctl: destroy failed", "guest", h.created[i].Name(), "err", err)
		}
	}
	if h.pt != nil {
		if err := h.pt.Unregister(h.emus); err != nil && !errors.Is(err, devemu.ErrNotFound) {
			slog.Warn("ptctl: unregister emulator failed", "err", err)
		}
	}
	for i := len(h.cleanup) - 1; i >= 0; i-- {
		h.cleanup[i]()
	}
}
