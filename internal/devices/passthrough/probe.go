package passthrough

import (
	"errors"
	"fmt"

	"github.com/tinyrange/passthrough/internal/devemu"
	"github.com/tinyrange/passthrough/internal/fdt"
	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/notifier"
)

// probe builds an Instance stage by stage. If a stage fails, the undo
// actions of every completed stage run in reverse and nothing stays behind.
func (e *Emulator) probe(guest hv.Guest, edev *devemu.Device) (*Instance, error) {
	node := edev.Node
	name := guest.Name() + "/" + node.Name
	if len(name) >= NameCapacity {
		return nil, fmt.Errorf("passthrough: name %q: %w", name, hv.ErrOverflow)
	}

	inst := &Instance{emu: e, name: name, guest: guest}
	inst.teardown.owner = name
	e.instances.Add(1)
	inst.teardown.push("instance", func() error {
		e.instances.Add(-1)
		return nil
	})

	s := &inst.teardown
	err := s.run("read interrupts", func() error { return inst.readInterrupts(node) }, inst.freeTables)
	if err == nil {
		err = inst.registerIRQs(s)
	}
	if err == nil {
		err = inst.configureIOMMU(s, node)
	}
	if err == nil {
		err = s.run("subscribe aspace events", inst.subscribe, inst.unsubscribe)
	}
	if err != nil {
		if rerr := s.rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, fmt.Errorf("passthrough: %s: %w", name, err)
	}

	inst.state.Store(int32(StateConfigured))
	return inst, nil
}

// readInterrupts allocates the line tables and fills them from the node.
// On a read error the tables are released before returning.
func (inst *Instance) readInterrupts(node fdt.Node) error {
	n := node.AttrLen(HostInterruptsProperty) / 8
	if n > MaxIRQs {
		return fmt.Errorf("%d host interrupts: %w", n, hv.ErrOutOfMemory)
	}
	inst.allocTables(n)

	for i := 0; i < n; i++ {
		if err := inst.readLine(node, i); err != nil {
			_ = inst.freeTables()
			return err
		}
	}
	return nil
}

func (inst *Instance) readLine(node fdt.Node, i int) error {
	var err error
	if inst.hostIRQs[i], err = node.ReadU32At(HostInterruptsProperty, i*2); err != nil {
		return err
	}
	if inst.hostIRQTypes[i], err = node.ReadU32At(HostInterruptsProperty, i*2+1); err != nil {
		return err
	}
	inst.guestIRQs[i], err = node.ReadU32At(InterruptsProperty, i)
	return err
}

// registerIRQs claims every host line in order. Each claimed line gets its
// own undo action, so a failure at index k releases exactly [0, k).
func (inst *Instance) registerIRQs(s *stages) error {
	for i := range inst.hostIRQs {
		hostIRQ := inst.hostIRQs[i]
		err := s.run(fmt.Sprintf("host irq %d", hostIRQ),
			func() error { return inst.registerIRQ(hostIRQ, inst.hostIRQTypes[i]) },
			func() error { return inst.unregisterIRQ(hostIRQ) })
		if err != nil {
			return err
		}
	}
	return nil
}

// configureIOMMU attaches a domain when the node names an iommu-device.
func (inst *Instance) configureIOMMU(s *stages, node fdt.Node) error {
	name, err := node.ReadString(IOMMUDeviceProperty)
	if errors.Is(err, fdt.ErrNoProperty) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", IOMMUDeviceProperty, errors.Join(hv.ErrInvalidConfig, err))
	}
	if err := inst.attachIOMMU(s, name); err != nil {
		return fmt.Errorf("iommu: %w", err)
	}
	return nil
}

func (inst *Instance) subscribe() error {
	b := &notifier.Block{Call: inst.aspaceNotify, Priority: AspacePriority}
	if err := inst.emu.host.Aspace.Register(b); err != nil {
		return err
	}
	inst.subscription = b
	return nil
}

func (inst *Instance) unsubscribe() error {
	b := inst.subscription
	inst.subscription = nil
	if b == nil {
		return nil
	}
	return inst.emu.host.Aspace.Unregister(b)
}
