package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmIO = 0xAE

	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmInterrupt           = 0x86

	// APIVersion is the only stable KVM API version.
	APIVersion = 12

	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000
)

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmIO<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IIO encodes an ioctl number without a payload.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

// IIOR encodes an ioctl number that reads size bytes from the kernel.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOW encodes an ioctl number that writes size bytes to the kernel.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

// IIOWR encodes an ioctl number that both writes and reads size bytes.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues op on fd, retrying while the call is interrupted.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) && op != IIO(kvmRun) {
			continue
		}

		return res, errno
	}
}

// GetAPIVersion returns the KVM API version of the kvm device fd.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a virtual machine and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number id and returns its fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size of the shared RunData mapping.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// SetTSSAddr places the three pages KVM needs for real-mode emulation on Intel hosts.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

// SetIdentityMapAddr places the identity map page KVM needs on Intel hosts.
func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = identityMapAddr

	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&mapAddr)))

	return err
}

// UserspaceMemoryRegion maps host memory into guest physical address space.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemReadonly marks the region read only for the guest.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs region into the VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// Interrupt queues an external interrupt vector on the vCPU.
// It is only valid when the VM has no in-kernel interrupt controller.
func Interrupt(vcpuFd uintptr, vector uint32) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmInterrupt, 4), uintptr(unsafe.Pointer(&vector)))

	return err
}
