package passthrough

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/passthrough/internal/hv"
)

// registerIRQ claims hostIRQ for the guest and installs the routed handler.
// On failure whatever already succeeded is undone.
func (inst *Instance) registerIRQ(hostIRQ, hostType uint32) error {
	irq := inst.emu.host.IRQ

	if err := irq.SetType(hostIRQ, hostType); err != nil {
		return fmt.Errorf("set type of host irq %d: %w", hostIRQ, err)
	}
	if err := irq.MarkRouted(hostIRQ); err != nil {
		return fmt.Errorf("mark host irq %d routed: %w", hostIRQ, err)
	}
	if err := irq.Register(hostIRQ, inst.name, inst.routedIRQ, inst); err != nil {
		if uerr := irq.UnmarkRouted(hostIRQ); uerr != nil {
			slog.Warn("passthrough: unmark routed failed", "instance", inst.name, "irq", hostIRQ, "err", uerr)
		}
		return fmt.Errorf("register host irq %d: %w", hostIRQ, err)
	}
	return nil
}

// unregisterIRQ removes the handler and then releases the routed claim.
// Both steps are attempted.
func (inst *Instance) unregisterIRQ(hostIRQ uint32) error {
	irq := inst.emu.host.IRQ

	var first error
	if err := irq.Unregister(hostIRQ, inst); err != nil {
		first = fmt.Errorf("unregister host irq %d: %w", hostIRQ, err)
	}
	if err := irq.UnmarkRouted(hostIRQ); err != nil && first == nil {
		first = fmt.Errorf("unmark host irq %d routed: %w", hostIRQ, err)
	}
	return first
}

// routedIRQ runs in host interrupt context. The guest line is driven low
// then high so the guest sees a fresh edge even if the line is still
// asserted from a previous interrupt. Delivery failures are logged only.
func (inst *Instance) routedIRQ(hostIRQ uint32, _ any) hv.IRQReturn {
	for i, h := range inst.hostIRQs {
		if h != hostIRQ {
			continue
		}
		guestIRQ := inst.guestIRQs[i]
		if err := inst.guest.EmulateIRQ(guestIRQ, 0); err != nil {
			slog.Warn("passthrough: emulate guest irq failed",
				"guest", inst.guest.Name(), "irq", guestIRQ, "level", 0, "err", err)
		}
		if err := inst.guest.EmulateIRQ(guestIRQ, 1); err != nil {
			slog.Warn("passthrough: emulate guest irq failed",
				"guest", inst.guest.Name(), "irq", guestIRQ, "level", 1, "err", err)
		}
		break
	}
	return hv.IRQHandled
}
