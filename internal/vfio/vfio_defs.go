//go:build linux

package vfio

import (
	"encoding/binary"
	"unsafe"

	"github.com/tinyrange/passthrough/internal/iommu"
)

// ioctl numbers from include/uapi/linux/vfio.h. Every VFIO ioctl is _IO
// with the argument size carried in the argsz field of the payload.
const (
	vfioType = ';'
	vfioBase = 100

	vfioAPIVersion = 0

	vfioType1IOMMU   = 1
	vfioType1v2IOMMU = 3
)

func ioc(nr uintptr) uintptr { return vfioType<<8 | (vfioBase + nr) }

var (
	vfioGetAPIVersion       = ioc(0)
	vfioCheckExtension      = ioc(1)
	vfioSetIOMMU            = ioc(2)
	vfioGroupGetStatus      = ioc(3)
	vfioGroupSetContainer   = ioc(4)
	vfioGroupUnsetContainer = ioc(5)
	vfioGroupGetDeviceFD    = ioc(6)
	vfioDeviceGetInfo       = ioc(7)
	vfioDeviceGetRegionInfo = ioc(8)
	vfioDeviceGetIRQInfo    = ioc(9)
	vfioDeviceSetIRQs       = ioc(10)
	vfioDeviceReset         = ioc(11)
	vfioIOMMUGetInfo        = ioc(12)
	vfioIOMMUMapDMA         = ioc(13)
	vfioIOMMUUnmapDMA       = ioc(14)
)

const (
	groupFlagsViable       = 1 << 0
	groupFlagsContainerSet = 1 << 1

	deviceFlagsReset    = 1 << 0
	deviceFlagsPlatform = 1 << 2

	dmaMapFlagRead  = 1 << 0
	dmaMapFlagWrite = 1 << 1

	irqInfoEventfd    = 1 << 0
	irqInfoMaskable   = 1 << 1
	irqInfoAutomasked = 1 << 2

	irqSetDataNone      = 1 << 0
	irqSetDataBool      = 1 << 1
	irqSetDataEventfd   = 1 << 2
	irqSetActionMask    = 1 << 3
	irqSetActionUnmask  = 1 << 4
	irqSetActionTrigger = 1 << 5
)

type groupStatus struct {
	Argsz uint32
	Flags uint32
}

type deviceInfo struct {
	Argsz      uint32
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
	CapOffset  uint32
	_          uint32
}

type irqInfo struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Count uint32
}

type dmaMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

type dmaUnmap struct {
	Argsz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

// irqSetHeaderSize is sizeof(struct vfio_irq_set) without its data array.
const irqSetHeaderSize = 20

// encodeIRQSet lays out a vfio_irq_set followed by one int32 per eventfd.
// With no fds the data-none form is produced; count 0 then disables action.
func encodeIRQSet(action, index, start, count uint32, fds []int32) []byte {
	flags := action
	if len(fds) == 0 {
		flags |= irqSetDataNone
	} else {
		flags |= irqSetDataEventfd
	}
	buf := make([]byte, irqSetHeaderSize+4*len(fds))
	binary.NativeEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.NativeEndian.PutUint32(buf[4:], flags)
	binary.NativeEndian.PutUint32(buf[8:], index)
	binary.NativeEndian.PutUint32(buf[12:], start)
	binary.NativeEndian.PutUint32(buf[16:], count)
	for i, fd := range fds {
		binary.NativeEndian.PutUint32(buf[irqSetHeaderSize+4*i:], uint32(fd))
	}
	return buf
}

func dmaFlags(prot iommu.Prot) uint32 {
	var f uint32
	if prot&iommu.ProtRead != 0 {
		f |= dmaMapFlagRead
	}
	if prot&iommu.ProtWrite != 0 {
		f |= dmaMapFlagWrite
	}
	return f
}

func sizeOf[T any]() uint32 {
	var v T
	return uint32(unsafe.Sizeof(v))
}
