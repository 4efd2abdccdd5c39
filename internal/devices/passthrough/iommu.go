package passthrough

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/passthrough/internal/devdrv"
	"github.com/tinyrange/passthrough/internal/hv"
	"github.com/tinyrange/passthrough/internal/iommu"
)

// attachIOMMU resolves the named device, references it, allocates an
// unmanaged domain for its group and installs the fault handler. Every
// completed step is recorded on s so a later failure releases it.
func (inst *Instance) attachIOMMU(s *stages, name string) error {
	host := inst.emu.host
	if host.Devices == nil || host.IOMMU == nil {
		return fmt.Errorf("%w: iommu-device %q but host has no IOMMU", hv.ErrInvalidConfig, name)
	}

	dev, ok := host.Devices.FindDevice(devdrv.PlatformBus, name)
	if !ok {
		return fmt.Errorf("%w: iommu-device %q not found", hv.ErrInvalidConfig, name)
	}
	group := dev.IOMMUGroup()
	if group == nil {
		return fmt.Errorf("%w: iommu-device %q has no IOMMU group", hv.ErrInvalidConfig, name)
	}

	dev.Ref()
	inst.device = dev
	s.push("device ref", func() error {
		inst.device.Unref()
		inst.device = nil
		return nil
	})

	dom, err := host.IOMMU.AllocDomain(devdrv.PlatformBus, group, iommu.DomainUnmanaged)
	if err != nil {
		return fmt.Errorf("alloc domain for group %s: %w", group, err)
	}
	if dom == nil {
		return fmt.Errorf("alloc domain for group %s: %w", group, hv.ErrFailure)
	}
	inst.domain = dom
	s.push("iommu domain", func() error {
		err := inst.domain.Free()
		inst.domain = nil
		if errors.Is(err, iommu.ErrFreed) {
			return nil
		}
		return err
	})

	dom.SetFaultHandler(inst.iommuFault, inst)
	return nil
}

// iommuFault runs when the device DMAs outside the guest's mapped RAM. The
// guest is halted; the host is unaffected.
func (inst *Instance) iommuFault(_ iommu.Domain, iova uint64, flags iommu.FaultFlags, _ any) error {
	slog.Error("passthrough: iommu fault",
		"instance", inst.name,
		"flags", fmt.Sprintf("0x%x", uint32(flags)),
		"iova", fmt.Sprintf("0x%x", iova))

	if err := inst.guest.Halt(); err != nil {
		return fmt.Errorf("halt guest %s: %w", inst.guest.Name(), err)
	}
	return nil
}

// mapRegion maps [iova, iova+length) onto hostPhys read/write.
func (inst *Instance) mapRegion(iova, hostPhys, length uint64) error {
	return inst.domain.Map(iova, hostPhys, length, iommu.ProtRead|iommu.ProtWrite)
}
