package passthrough

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/notifier"
)

// RAMRegionFlags selects the guest regions that form the device's DMA window.
const RAMRegionFlags = hv.RegionReal | hv.RegionMemory | hv.RegionIsRAM | hv.RegionIsHostRAM

// ErrNotConfigured is returned by Activate on an instance that already left
// the configured state.
var ErrNotConfigured = errors.New("passthrough: instance not in configured state")

// aspaceNotify receives every address-space event of every guest and acts
// only on the init event of this instance's guest.
func (inst *Instance) aspaceNotify(event uint64, data any) notifier.Disposition {
	if hv.AspaceEventKind(event) != hv.AspaceEventInit {
		return notifier.Done
	}
	ev, ok := data.(*hv.AspaceEvent)
	if !ok || ev == nil || ev.Guest != inst.guest {
		return notifier.Done
	}

	if err := inst.Activate(); err != nil {
		slog.Warn("passthrough: activate failed", "instance", inst.name, "err", err)
		return notifier.Done
	}
	return notifier.OK
}

// Activate moves the instance from configured to active: every guest line
// is routed from its host line and, with a domain, every host-RAM backed
// guest region is mapped. Individual routing or mapping failures are logged
// and skipped.
func (inst *Instance) Activate() error {
	if !inst.state.CompareAndSwap(int32(StateConfigured), int32(StateActive)) {
		return fmt.Errorf("%w: %s is %s", ErrNotConfigured, inst.name, inst.State())
	}

	for i := range inst.hostIRQs {
		if err := inst.guest.MapHostIRQ(inst.guestIRQs[i], inst.hostIRQs[i]); err != nil {
			slog.Warn("passthrough: map host irq failed",
				"instance", inst.name, "guest_irq", inst.guestIRQs[i], "host_irq", inst.hostIRQs[i], "err", err)
		}
	}

	if inst.domain == nil {
		return nil
	}
	inst.guest.IterateRegions(RAMRegionFlags, func(r hv.Region) {
		if err := inst.mapRegion(r.GPhysStart(), r.HPhysStart(), r.GPhysEnd()-r.GPhysStart()); err != nil {
			slog.Warn("passthrough: iommu map failed",
				"instance", inst.name, "region", r.Name,
				"gphys", fmt.Sprintf("0x%x", r.GPhysStart()), "err", err)
		}
	})
	return nil
}
