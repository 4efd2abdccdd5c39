//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"unsafe"

	"github.com/tinyrange/passthrough/internal/config"
	"github.com/tinyrange/passthrough/internal/devices/passthrough"
	"github.com/tinyrange/passthrough/internal/guest"
	"github.com/tinyrange/passthrough/internal/hostirq"
	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/vfio"
	"golang.org/x/sys/unix"
)

func openVFIO(root string) (passthrough.IOMMU, error) {
	m, err := vfio.Open(root)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// startForwarding opens every host device that lists VFIO interrupts and
// whose group a guest claimed, and forwards those interrupts to irqs.
func startForwarding(ctx context.Context, backend passthrough.IOMMU, devices []config.DeviceSpec, irqs *hostirq.Controller) ([]io.Closer, error) {
	m, ok := backend.(*vfio.IOMMU)
	if !ok {
		return nil, fmt.Errorf("iommu backend is not vfio")
	}

	var closers []io.Closer
	fail := func(err error) ([]io.Closer, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
		return nil, err
	}
	for _, d := range devices {
		if len(d.VFIOIRQs) == 0 {
			continue
		}
		dom, ok := m.Attached(*d.IOMMUGroup)
		if !ok {
			slog.Info("ptctl: no guest uses device, not forwarding", "device", d.Name)
			continue
		}
		dev, err := dom.OpenDevice(d.VFIODevice)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, dev)

		lines := make([]vfio.Line, 0, len(d.VFIOIRQs))
		for _, irq := range d.VFIOIRQs {
			lines = append(lines, vfio.Line{Index: irq.Index, HostIRQ: irq.HostIRQ})
		}
		fwd, err := vfio.NewForwarder(dev, irqs, lines)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, fwd)
		fwd.Start(ctx)
		slog.Info("ptctl: forwarding interrupts", "device", d.Name, "lines", len(lines))
	}
	return closers, nil
}

// backRAM replaces the host address of every host-RAM region with an
// anonymous mapping of this process, which is what VFIO maps for DMA.
func backRAM(cfg *guest.Config) (func(), error) {
	var mems [][]byte
	release := func() {
		for _, mem := range mems {
			unix.Munmap(mem)
		}
	}
	for i, r := range cfg.Regions {
		if !r.Flags.Has(hv.RegionIsHostRAM) {
			continue
		}
		mem, err := unix.Mmap(-1, 0, int(r.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			release()
			return nil, fmt.Errorf("back region %s: %w", r.Name, err)
		}
		mems = append(mems, mem)
		cfg.Regions[i].HPhysAddr = uint64(uintptr(unsafe.Pointer(&mem[0])))
	}
	return release, nil
}
