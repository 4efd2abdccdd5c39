package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/tinyrange/passthrough/internal/devices/passthrough"
	"github.com/tinyrange/passthrough/internal/guest"
	"github.com/tinyrange/passthrough/internal/iommu"
)

func printReport(w io.Writer, h *host, guests []*guest.Guest) {
	for _, g := range guests {
		fmt.Fprintf(w, "guest %s halted=%v\n", g.Name(), g.Halted())
		for _, r := range g.Lines().Routes() {
			fmt.Fprintf(w, "  route guest %d <- host %d (asserts %d)\n", r.GuestIRQ, r.HostIRQ, g.Lines().Asserts(r.GuestIRQ))
		}
		if c := h.edges[g.Name()]; c != nil {
			for _, e := range c.snapshot() {
				fmt.Fprintf(w, "  irq %d raised %d lowered %d\n", e.line, e.raised, e.lowered)
			}
		}
		for _, edev := range g.Devices() {
			inst, ok := passthrough.FromDevice(edev)
			if !ok {
				fmt.Fprintf(w, "  device %s (%s)\n", edev.Path, edev.Emulator.Name())
				continue
			}
			fmt.Fprintf(w, "  device %s instance %s state %s\n", edev.Path, inst.Name(), inst.State())
			for _, l := range inst.Lines() {
				fmt.Fprintf(w, "    line host %d (%s) -> guest %d\n", l.HostIRQ, l.HostType, l.GuestIRQ)
			}
			printDomain(w, inst)
		}
	}

	for _, st := range h.irqs.Active() {
		fmt.Fprintf(w, "host irq %d %s routed=%v handlers=[%s] count=%d unhandled=%d\n",
			st.IRQ, st.Type, st.Routed, strings.Join(st.Handlers, ","), st.Count, st.Unhandled)
	}
	instances, tables := h.pt.Resident()
	fmt.Fprintf(w, "resident instances=%d tables=%d\n", instances, tables)
}

func printDomain(w io.Writer, inst *passthrough.Instance) {
	dom := inst.Domain()
	if dom == nil {
		return
	}
	fmt.Fprintf(w, "    iommu group %s domain %s\n", dom.Group(), dom.Kind())
	lister, ok := dom.(interface{ Mappings() []iommu.Mapping })
	if !ok {
		return
	}
	for _, m := range lister.Mappings() {
		fmt.Fprintf(w, "    map iova 0x%x -> 0x%x size 0x%x %s\n", m.IOVA, m.PAddr, m.Size, m.Prot)
	}
}

// edgeCounter is the interrupt sink ptctl gives each guest. It counts the
// transitions of every line.
type edgeCounter struct {
	mu    sync.Mutex
	lines map[uint32]*lineEdges
}

type lineEdges struct {
	line            uint32
	raised, lowered uint64
}

func (c *edgeCounter) SetIRQ(line uint32, level bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lines == nil {
		c.lines = make(map[uint32]*lineEdges)
	}
	e := c.lines[line]
	if e == nil {
		e = &lineEdges{line: line}
		c.lines[line] = e
	}
	if level {
		e.raised++
	} else {
		e.lowered++
	}
}

func (c *edgeCounter) snapshot() []lineEdges {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]lineEdges, 0, len(c.lines))
	for _, e := range c.lines {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].line < out[j].line })
	return out
}
