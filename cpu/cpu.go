// Package cpu is the narrow interface between kernel bring-up code and the
// processor it runs on: port I/O, descriptor table loads, interrupt flag
// control and halting.
package cpu

import (
	"errors"
	"fmt"
)

// Selector is a segment selector: table index, table indicator and RPL.
type Selector uint16

// Index returns the descriptor table index of the selector.
func (s Selector) Index() int {
	return int(s >> 3)
}

// RPL returns the requested privilege level.
func (s Selector) RPL() uint8 {
	return uint8(s & 3)
}

// TablePointer is the operand of lgdt and lidt.
type TablePointer struct {
	Base  uint64
	Limit uint16
}

// Frame is the interrupt stack frame the processor pushes on delivery.
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	RIP       uint64
	CS        uint64
	RFLAGS    uint64
	RSP       uint64
	SS        uint64
}

func (f *Frame) String() string {
	return fmt.Sprintf("RIP=0x%x CS=0x%x RFLAGS=0x%x RSP=0x%x SS=0x%x", f.RIP, f.CS, f.RFLAGS, f.RSP, f.SS)
}

// TrapHandler receives every vector delivered through the loaded IDT.
type TrapHandler func(f *Frame)

// Hardware is implemented by anything the kernel can run on.
type Hardware interface {
	ReadPort(port uint16) uint8
	WritePort(port uint16, v uint8)

	// LoadGDT is lgdt. ReloadSegments must follow before anything else
	// depends on segmentation.
	LoadGDT(p TablePointer) error
	ReloadSegments(code, data Selector) error
	LoadTSS(sel Selector) error
	LoadIDT(p TablePointer) error

	// SetTrapHandler installs the function vectors are dispatched to and
	// Stub returns the code address an IDT gate must point at for vector.
	SetTrapHandler(h TrapHandler)
	Stub(vector uint8) uint64

	EnableInterrupts()
	DisableInterrupts()
	InterruptsEnabled() bool

	// Halt stops the processor. It does not return.
	Halt()
}

// RFLAGS bits.
const (
	FlagReserved  = 1 << 1
	FlagInterrupt = 1 << 9
)

// Exception vectors that push an error code.
var errorCodeVectors = map[uint8]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true, 21: true, 29: true, 30: true,
}

// HasErrorCode reports whether the processor pushes an error code for vector.
func HasErrorCode(vector uint8) bool {
	return errorCodeVectors[vector]
}

// ErrHalted reports that the processor stopped in a halt loop.
var ErrHalted = errors.New("processor halted")

type halt struct{}

// Stop unwinds the caller up to the nearest Recover.
// Hardware implementations use it to make Halt non-returning.
func Stop() {
	panic(halt{})
}

// Recover turns an unwinding Stop into ErrHalted. It must be deferred
// directly.
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}

	if _, ok := r.(halt); !ok {
		panic(r)
	}

	*err = ErrHalted
}

// HaltLoop disables interrupts and halts forever.
func HaltLoop(hw Hardware) {
	for {
		hw.DisableInterrupts()
		hw.Halt()
	}
}

// Guard saves the interrupt flag and disables interrupts until Unlock.
type Guard struct {
	hw      Hardware
	enabled bool
}

// Lock disables interrupts and returns a guard restoring the previous state.
func Lock(hw Hardware) Guard {
	g := Guard{hw: hw, enabled: hw.InterruptsEnabled()}
	if g.enabled {
		hw.DisableInterrupts()
	}

	return g
}

// Unlock restores the interrupt flag saved by Lock.
func (g Guard) Unlock() {
	if g.enabled {
		g.hw.EnableInterrupts()
	}
}
