package kvm

import (
	"fmt"
	"unsafe"
)

const (
	numInterrupts = 0x100

	eferLMA = 1 << 10
	cr0PG   = 1 << 31
)

// Regs are the general purpose registers of a vCPU.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Sregs are the special registers of a vCPU.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// Segment is the cached, decoded form of a segment register.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

func (s Segment) String() string {
	if s.Unusable != 0 {
		return fmt.Sprintf("sel=0x%x unusable", s.Selector)
	}

	return fmt.Sprintf("sel=0x%x base=0x%x limit=0x%x type=0x%x dpl=%d l=%d db=%d",
		s.Selector, s.Base, s.Limit, s.Typ, s.DPL, s.L, s.DB)
}

// LongMode reports whether the vCPU executes 64-bit code: paging on, EFER.LMA
// set and a long code segment in CS.
func (s *Sregs) LongMode() bool {
	return s.CR0&cr0PG != 0 && s.EFER&eferLMA != 0 && s.CS.L == 1
}

func (r *Regs) String() string {
	return fmt.Sprintf("RIP=0x%x RSP=0x%x RFLAGS=0x%x\n"+
		"RAX=0x%x RBX=0x%x RCX=0x%x RDX=0x%x\n"+
		"RSI=0x%x RDI=0x%x RBP=0x%x",
		r.RIP, r.RSP, r.RFLAGS, r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RBP)
}

// Descriptor is a descriptor table register (GDTR or IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// GetRegs gets the general purpose registers for a vcpu.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs sets the general purpose registers for a vcpu.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return err
}

// GetSregs gets the special registers for a vcpu.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs sets the special registers for a vcpu.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return err
}
