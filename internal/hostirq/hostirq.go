// Package hostirq is the host interrupt layer: per-line trigger types,
// routed (guest-owned) claims and handler dispatch.
package hostirq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/passthrough/internal/hv"
)

var (
	ErrInvalidIRQ    = errors.New("hostirq: invalid irq")
	ErrInvalidType   = errors.New("hostirq: invalid trigger type")
	ErrBusy          = errors.New("hostirq: irq busy")
	ErrNotRegistered = errors.New("hostirq: handler not registered")
)

// Handler services one host interrupt. dev is the context given at
// registration. Handlers run with the controller's dispatch lock held and
// must not block or call back into the controller.
type Handler func(irq uint32, dev any) hv.IRQReturn

type action struct {
	name string
	fn   Handler
	dev  any
}

type line struct {
	typ     hv.IRQType
	routed  bool
	actions []action

	count     atomic.Uint64
	unhandled atomic.Uint64
}

// Controller owns a fixed number of host interrupt lines.
type Controller struct {
	mu    sync.RWMutex
	lines []*line
}

// NewController creates a controller for lines [0, nr).
func NewController(nr uint32) *Controller {
	c := &Controller{lines: make([]*line, nr)}
	for i := range c.lines {
		c.lines[i] = &line{}
	}
	return c
}

// NumLines returns the number of host lines.
func (c *Controller) NumLines() uint32 { return uint32(len(c.lines)) }

func (c *Controller) line(irq uint32) (*line, error) {
	if int(irq) >= len(c.lines) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIRQ, irq)
	}
	return c.lines[irq], nil
}

// SetType sets the trigger type of irq.
func (c *Controller) SetType(irq, typ uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.line(irq)
	if err != nil {
		return err
	}
	t := hv.IRQType(typ)
	if !t.Valid() {
		return fmt.Errorf("%w: 0x%x for irq %d", ErrInvalidType, typ, irq)
	}
	l.typ = t
	return nil
}

// MarkRouted claims irq for delivery to a guest. A line that already has
// ordinary host handlers, or is already routed, cannot be claimed.
func (c *Controller) MarkRouted(irq uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.line(irq)
	if err != nil {
		return err
	}
	if l.routed {
		return fmt.Errorf("%w: irq %d already routed", ErrBusy, irq)
	}
	if len(l.actions) > 0 {
		return fmt.Errorf("%w: irq %d has %d host handlers", ErrBusy, irq, len(l.actions))
	}
	l.routed = true
	return nil
}

// UnmarkRouted releases a routed claim. Releasing an unclaimed line is a no-op.
func (c *Controller) UnmarkRouted(irq uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.line(irq)
	if err != nil {
		return err
	}
	l.routed = false
	return nil
}

// Register installs fn on irq keyed by dev.
func (c *Controller) Register(irq uint32, name string, fn Handler, dev any) error {
	if fn == nil {
		return fmt.Errorf("hostirq: nil handler for irq %d", irq)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.line(irq)
	if err != nil {
		return err
	}
	for _, a := range l.actions {
		if a.dev == dev {
			return fmt.Errorf("%w: irq %d already has a handler for %s", ErrBusy, irq, a.name)
		}
	}
	l.actions = append(l.actions, action{name: name, fn: fn, dev: dev})
	return nil
}

// Unregister removes the handler registered on irq for dev. It waits for
// any in-flight dispatch on the controller to finish before returning.
func (c *Controller) Unregister(irq uint32, dev any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.line(irq)
	if err != nil {
		return err
	}
	for i, a := range l.actions {
		if a.dev == dev {
			l.actions = append(l.actions[:i], l.actions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: irq %d", ErrNotRegistered, irq)
}

// Fire dispatches irq to its handlers as if the hardware had raised it.
func (c *Controller) Fire(irq uint32) hv.IRQReturn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, err := c.line(irq)
	if err != nil {
		slog.Warn("hostirq: spurious interrupt", "irq", irq)
		return hv.IRQNone
	}
	l.count.Add(1)

	ret := hv.IRQNone
	for _, a := range l.actions {
		if a.fn(irq, a.dev) == hv.IRQHandled {
			ret = hv.IRQHandled
		}
	}
	if ret != hv.IRQHandled {
		l.unhandled.Add(1)
	}
	return ret
}

// LineState is a point-in-time view of one host line.
type LineState struct {
	IRQ       uint32
	Type      hv.IRQType
	Routed    bool
	Handlers  []string
	Count     uint64
	Unhandled uint64
}

// State returns the state of irq.
func (c *Controller) State(irq uint32) (LineState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, err := c.line(irq)
	if err != nil {
		return LineState{}, err
	}
	return stateOf(irq, l), nil
}

// Active returns every line that is routed or has handlers.
func (c *Controller) Active() []LineState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []LineState
	for i, l := range c.lines {
		if l.routed || len(l.actions) > 0 {
			out = append(out, stateOf(uint32(i), l))
		}
	}
	return out
}

func stateOf(irq uint32, l *line) LineState {
	s := LineState{
		IRQ:       irq,
		Type:      l.typ,
		Routed:    l.routed,
		Count:     l.count.Load(),
		Unhandled: l.unhandled.Load(),
	}
	for _, a := range l.actions {
		s.Handlers = append(s.Handlers, a.name)
	}
	return s
}
