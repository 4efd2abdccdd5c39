//go:build linux

// Package vfio backs IOMMU domains and host interrupts with the Linux VFIO
// type1 driver. Each domain owns a container with exactly one group, so
// guests never share an I/O address space.
//
// Host addresses given to Domain.Map are process virtual addresses of the
// memory backing guest RAM; VFIO pins and translates them itself.
package vfio

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"unsafe"

	"github.com/tinyrange/passthrough/internal/iommu"
	"golang.org/x/sys/unix"
)

const DefaultRoot = "/dev/vfio"

var (
	ErrNotViable  = errors.New("vfio: group not viable")
	ErrAPIVersion = errors.New("vfio: unsupported API version")
	ErrNoType1    = errors.New("vfio: type1 IOMMU not supported")
)

func ioctl(fd int, request uintptr, arg uintptr) (uintptr, error) {
	for {
		v, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return v, nil
	}
}

// IOMMU allocates VFIO-backed domains. Group IDs are the numbers under Root.
type IOMMU struct {
	Root string

	mu       sync.Mutex
	attached map[int]*Domain
}

// Open checks that the VFIO container device is usable and returns an
// allocator rooted at root (DefaultRoot if empty).
func Open(root string) (*IOMMU, error) {
	if root == "" {
		root = DefaultRoot
	}
	fd, err := openContainer(root)
	if err != nil {
		return nil, err
	}
	unix.Close(fd)
	return &IOMMU{Root: root, attached: make(map[int]*Domain)}, nil
}

func openContainer(root string) (int, error) {
	fd, err := unix.Open(filepath.Join(root, "vfio"), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("vfio: open container: %w", err)
	}
	v, err := ioctl(fd, vfioGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("vfio: get API version: %w", err)
	}
	if v != vfioAPIVersion {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: %d", ErrAPIVersion, v)
	}
	return fd, nil
}

// AllocDomain opens the group, places it in a fresh container and enables
// the type1 IOMMU on it. Only unmanaged domains are supported.
func (m *IOMMU) AllocDomain(bus string, group *iommu.Group, kind iommu.DomainKind) (iommu.Domain, error) {
	if group == nil {
		return nil, iommu.ErrNoGroup
	}
	if kind != iommu.DomainUnmanaged {
		return nil, fmt.Errorf("%w: %s", iommu.ErrKind, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attached[group.ID]; ok {
		return nil, fmt.Errorf("%w: group %s", iommu.ErrBusy, group)
	}

	d, err := m.openDomain(group)
	if err != nil {
		return nil, err
	}
	d.owner = m
	d.bus = bus
	m.attached[group.ID] = d
	slog.Info("vfio: domain allocated", "bus", bus, "group", group.String())
	return d, nil
}

func (m *IOMMU) openDomain(group *iommu.Group) (*Domain, error) {
	container, err := openContainer(m.Root)
	if err != nil {
		return nil, err
	}
	groupFd, err := unix.Open(filepath.Join(m.Root, fmt.Sprint(group.ID)), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(container)
		return nil, fmt.Errorf("vfio: open group %d: %w", group.ID, err)
	}
	d := &Domain{container: container, groupFd: groupFd, group: group}

	if err := d.attach(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// Attached returns the domain holding group id, if any.
func (m *IOMMU) Attached(id int) (*Domain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.attached[id]
	return d, ok
}

// NumDomains returns the number of live domains.
func (m *IOMMU) NumDomains() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attached)
}

func (m *IOMMU) detach(d *Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached[d.group.ID] == d {
		delete(m.attached, d.group.ID)
	}
}

// Domain is one VFIO container holding one group.
type Domain struct {
	owner     *IOMMU
	bus       string
	group     *iommu.Group
	container int
	groupFd   int

	mu       sync.Mutex
	maps     []iommu.Mapping
	freed    bool
	fault    iommu.FaultHandler
	faultCtx any
}

func (d *Domain) attach() error {
	status := groupStatus{Argsz: sizeOf[groupStatus]()}
	if _, err := ioctl(d.groupFd, vfioGroupGetStatus, uintptr(unsafe.Pointer(&status))); err != nil {
		return fmt.Errorf("vfio: group %d status: %w", d.group.ID, err)
	}
	if status.Flags&groupFlagsViable == 0 {
		return fmt.Errorf("%w: group %d has devices not bound to vfio", ErrNotViable, d.group.ID)
	}
	if status.Flags&groupFlagsContainerSet != 0 {
		return fmt.Errorf("%w: group %d already in a container", iommu.ErrBusy, d.group.ID)
	}

	fd := int32(d.container)
	if _, err := ioctl(d.groupFd, vfioGroupSetContainer, uintptr(unsafe.Pointer(&fd))); err != nil {
		return fmt.Errorf("vfio: group %d set container: %w", d.group.ID, err)
	}

	typ := uintptr(vfioType1v2IOMMU)
	if ok, _ := ioctl(d.container, vfioCheckExtension, typ); ok == 0 {
		typ = vfioType1IOMMU
		if ok, _ := ioctl(d.container, vfioCheckExtension, typ); ok == 0 {
			return ErrNoType1
		}
	}
	if _, err := ioctl(d.container, vfioSetIOMMU, typ); err != nil {
		return fmt.Errorf("vfio: set iommu type %d: %w", typ, err)
	}
	return nil
}

func (d *Domain) close() {
	unix.Close(d.groupFd)
	unix.Close(d.container)
}

func (d *Domain) Kind() iommu.DomainKind { return iommu.DomainUnmanaged }
func (d *Domain) Group() *iommu.Group    { return d.group }

// Map installs iova -> vaddr for size bytes.
func (d *Domain) Map(iova, vaddr, size uint64, prot iommu.Prot) error {
	if size == 0 || iova&(iommu.PageSize-1) != 0 || vaddr&(iommu.PageSize-1) != 0 || size&(iommu.PageSize-1) != 0 {
		return fmt.Errorf("%w: iova 0x%x vaddr 0x%x size 0x%x", iommu.ErrAlign, iova, vaddr, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freed {
		return iommu.ErrFreed
	}

	req := dmaMap{
		Argsz: sizeOf[dmaMap](),
		Flags: dmaFlags(prot),
		Vaddr: vaddr,
		IOVA:  iova,
		Size:  size,
	}
	if _, err := ioctl(d.container, vfioIOMMUMapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("%w: iova 0x%x", iommu.ErrExists, iova)
		}
		return fmt.Errorf("vfio: map dma iova 0x%x: %w", iova, err)
	}

	d.maps = append(d.maps, iommu.Mapping{IOVA: iova, PAddr: vaddr, Size: size, Prot: prot})
	sort.Slice(d.maps, func(i, j int) bool { return d.maps[i].IOVA < d.maps[j].IOVA })
	slog.Debug("vfio: mapped", "group", d.group.String(), "iova", fmt.Sprintf("0x%x", iova), "size", size)
	return nil
}

// Unmap removes translations in [iova, iova+size) and returns the number of
// bytes the kernel unmapped.
func (d *Domain) Unmap(iova, size uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freed {
		return 0, iommu.ErrFreed
	}

	req := dmaUnmap{Argsz: sizeOf[dmaUnmap](), IOVA: iova, Size: size}
	if _, err := ioctl(d.container, vfioIOMMUUnmapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, fmt.Errorf("vfio: unmap dma iova 0x%x: %w", iova, err)
	}

	end := iova + size
	kept := d.maps[:0]
	for _, m := range d.maps {
		if m.IOVA >= iova && m.End() <= end {
			continue
		}
		kept = append(kept, m)
	}
	d.maps = kept
	return req.Size, nil
}

// SetFaultHandler records fn. The type1 driver resolves faults in the
// kernel, so fn is only invoked by Fault.
func (d *Domain) SetFaultHandler(fn iommu.FaultHandler, priv any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = fn
	d.faultCtx = priv
}

// Fault reports a device access fault observed out of band (for example
// from an error interrupt of the device) to the installed handler.
func (d *Domain) Fault(iova uint64, flags iommu.FaultFlags) error {
	d.mu.Lock()
	fn, priv := d.fault, d.faultCtx
	d.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("%w: iova 0x%x with no handler", iommu.ErrFault, iova)
	}
	return fn(d, iova, flags, priv)
}

// Free unmaps everything, releases the group and closes the container.
func (d *Domain) Free() error {
	d.mu.Lock()
	if d.freed {
		d.mu.Unlock()
		return iommu.ErrFreed
	}
	d.freed = true

	var errs []error
	for _, m := range d.maps {
		req := dmaUnmap{Argsz: sizeOf[dmaUnmap](), IOVA: m.IOVA, Size: m.Size}
		if _, err := ioctl(d.container, vfioIOMMUUnmapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
			errs = append(errs, fmt.Errorf("vfio: unmap iova 0x%x: %w", m.IOVA, err))
		}
	}
	d.maps = nil
	d.fault = nil
	d.faultCtx = nil

	fd := int32(d.container)
	if _, err := ioctl(d.groupFd, vfioGroupUnsetContainer, uintptr(unsafe.Pointer(&fd))); err != nil {
		errs = append(errs, fmt.Errorf("vfio: unset container: %w", err))
	}
	d.close()
	d.mu.Unlock()

	if d.owner != nil {
		d.owner.detach(d)
	}
	slog.Info("vfio: domain freed", "group", d.group.String())
	return errors.Join(errs...)
}

// Mappings returns the installed translations ordered by IOVA.
func (d *Domain) Mappings() []iommu.Mapping {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]iommu.Mapping(nil), d.maps...)
}

// OpenDevice returns the named device of the domain's group.
func (d *Domain) OpenDevice(name string) (*Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freed {
		return nil, iommu.ErrFreed
	}

	cname, err := unix.BytePtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("vfio: device name %q: %w", name, err)
	}
	fd, err := ioctl(d.groupFd, vfioGroupGetDeviceFD, uintptr(unsafe.Pointer(cname)))
	if err != nil {
		return nil, fmt.Errorf("vfio: get device fd %s: %w", name, err)
	}
	dev := &Device{name: name, fd: int(fd)}

	info := deviceInfo{Argsz: sizeOf[deviceInfo]()}
	if _, err := ioctl(dev.fd, vfioDeviceGetInfo, uintptr(unsafe.Pointer(&info))); err != nil {
		unix.Close(dev.fd)
		return nil, fmt.Errorf("vfio: device info %s: %w", name, err)
	}
	dev.flags = info.Flags
	dev.numIRQs = info.NumIRQs
	if info.Flags&deviceFlagsPlatform == 0 {
		slog.Warn("vfio: device is not a platform device", "device", name, "flags", fmt.Sprintf("0x%x", info.Flags))
	}
	return dev, nil
}

// Device is an open VFIO device.
type Device struct {
	name    string
	fd      int
	flags   uint32
	numIRQs uint32
}

func (dev *Device) Name() string    { return dev.name }
func (dev *Device) NumIRQs() uint32 { return dev.numIRQs }

// Reset resets the device if it supports reset.
func (dev *Device) Reset() error {
	if dev.flags&deviceFlagsReset == 0 {
		return nil
	}
	if _, err := ioctl(dev.fd, vfioDeviceReset, 0); err != nil {
		return fmt.Errorf("vfio: reset %s: %w", dev.name, err)
	}
	return nil
}

func (dev *Device) irqInfo(index uint32) (irqInfo, error) {
	info := irqInfo{Argsz: sizeOf[irqInfo](), Index: index}
	if _, err := ioctl(dev.fd, vfioDeviceGetIRQInfo, uintptr(unsafe.Pointer(&info))); err != nil {
		return info, fmt.Errorf("vfio: irq info %s[%d]: %w", dev.name, index, err)
	}
	return info, nil
}

func (dev *Device) setIRQs(action, index, count uint32, fds []int32) error {
	buf := encodeIRQSet(action, index, 0, count, fds)
	if _, err := ioctl(dev.fd, vfioDeviceSetIRQs, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("vfio: set irqs %s[%d]: %w", dev.name, index, err)
	}
	return nil
}

// Close closes the device.
func (dev *Device) Close() error {
	return unix.Close(dev.fd)
}

var _ iommu.Domain = (*Domain)(nil)
