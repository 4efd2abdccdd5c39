// Package chipset models a guest's interrupt lines as seen by emulators.
package chipset

import (
	"fmt"
	"sort"
	"sync"
)

// InterruptSink is the guest interrupt controller input. It sees every
// level transition of every line.
type InterruptSink interface {
	SetIRQ(line uint32, level bool)
}

// LineSet manages the guest interrupt lines of one guest and the table of
// guest lines that are backed by host interrupts.
type LineSet struct {
	mu sync.Mutex

	sink   InterruptSink
	nlines uint32

	lines  map[uint32]*lineState
	routes map[uint32]uint32
}

// NewLineSet builds a LineSet of nlines lines that forwards level changes to
// the provided sink.
func NewLineSet(nlines uint32, sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:   sink,
		nlines: nlines,
		lines:  make(map[uint32]*lineState),
		routes: make(map[uint32]uint32),
	}
}

// NumLines returns the number of lines in the set.
func (l *LineSet) NumLines() uint32 { return l.nlines }

// SetLevel drives irq to the given level. The sink only sees transitions.
func (l *LineSet) SetLevel(irq uint32, high bool) error {
	if irq >= l.nlines {
		return fmt.Errorf("chipset: irq %d out of range (%d lines)", irq, l.nlines)
	}

	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	if changed && high {
		state.asserts++
	}
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
	return nil
}

// Level reports the current level of irq.
func (l *LineSet) Level(irq uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.lines[irq]; state != nil {
		return state.level
	}
	return false
}

// Asserts returns how many low-to-high transitions irq has seen.
func (l *LineSet) Asserts(irq uint32) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.lines[irq]; state != nil {
		return state.asserts
	}
	return 0
}

// RouteHost records that guest line guestIRQ is fed by host line hostIRQ.
// A guest line has at most one host source.
func (l *LineSet) RouteHost(guestIRQ, hostIRQ uint32) error {
	if guestIRQ >= l.nlines {
		return fmt.Errorf("chipset: irq %d out of range (%d lines)", guestIRQ, l.nlines)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.routes[guestIRQ]; ok && existing != hostIRQ {
		return fmt.Errorf("chipset: guest irq %d already routed from host irq %d", guestIRQ, existing)
	}
	l.routes[guestIRQ] = hostIRQ
	return nil
}

// HostRoute returns the host line routed to guestIRQ.
func (l *LineSet) HostRoute(guestIRQ uint32) (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	host, ok := l.routes[guestIRQ]
	return host, ok
}

// Route is one guest line with its host source.
type Route struct {
	GuestIRQ uint32
	HostIRQ  uint32
}

// Routes returns the routing table ordered by guest line.
func (l *LineSet) Routes() []Route {
	l.mu.Lock()
	defer l.mu.Unlock()
	routes := make([]Route, 0, len(l.routes))
	for g, h := range l.routes {
		routes = append(routes, Route{GuestIRQ: g, HostIRQ: h})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].GuestIRQ < routes[j].GuestIRQ })
	return routes
}

// ClearRoutes drops every host route.
func (l *LineSet) ClearRoutes() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.routes)
}

type lineState struct {
	level   bool
	asserts uint64
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
