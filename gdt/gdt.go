// Package gdt builds the long mode global descriptor table and the task
// state segment referenced from it.
package gdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/polished-os/polished/cpu"
)

// Selectors of the table built by New.
const (
	KernelCode cpu.Selector = 0x08
	KernelData cpu.Selector = 0x10
	UserCode   cpu.Selector = 0x18 | 3
	UserData   cpu.Selector = 0x20 | 3
	TSS        cpu.Selector = 0x28
)

// Access and flag words for Entry, in the layout
// flags(4 bits) << 12 | access byte. The flags nibble is G, D/B, L, AVL.
const (
	FlagsKernelCode = 0xa09b
	FlagsKernelData = 0xc093
	FlagsUserCode   = 0xa0fb
	FlagsUserData   = 0xc0f3
	FlagsTSS        = 0x0089
)

// Size is the size of the encoded table: five descriptors and a
// two-slot system descriptor.
const Size = 7 * 8

var errISTSlot = errors.New("ist slot out of range")

// Entry encodes a segment descriptor.
func Entry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<(56-24) |
		(uint64(flags)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<(48-16) |
		(uint64(base)&0x00ffffff)<<16 |
		(uint64(limit) & 0x0000ffff)
}

// Descriptor is a decoded segment descriptor.
type Descriptor struct {
	Base   uint64
	Limit  uint32
	Access uint8
	Flags  uint8
}

// Decode unpacks a segment descriptor. For system descriptors hi carries
// bits 32-63 of the base; pass zero for code and data.
func Decode(lo, hi uint64) Descriptor {
	return Descriptor{
		Base:   (lo>>16)&0xffffff | (lo>>56)<<24 | hi<<32,
		Limit:  uint32(lo&0xffff | (lo>>48&0xf)<<16),
		Access: uint8(lo >> 40),
		Flags:  uint8(lo>>52) & 0xf,
	}
}

// Present reports the P bit.
func (d Descriptor) Present() bool { return d.Access&0x80 != 0 }

// Code reports whether the descriptor is an executable segment.
func (d Descriptor) Code() bool { return d.Access&0x18 == 0x18 }

// DPL returns the descriptor privilege level.
func (d Descriptor) DPL() uint8 { return d.Access >> 5 & 3 }

// Long reports the L flag.
func (d Descriptor) Long() bool { return d.Flags&0x2 != 0 }

// TaskState is the 64-bit task state segment.
type TaskState struct {
	_         uint32
	RSP       [3]uint64
	_         uint64
	IST       [7]uint64
	_         uint64
	_         uint16
	IOMapBase uint16
}

// TSSSize is the size of an encoded TaskState.
const TSSSize = 104

// NewTaskState returns a TSS with no I/O permission bitmap.
func NewTaskState() *TaskState {
	return &TaskState{IOMapBase: TSSSize}
}

// SetIST records the top of interrupt stack n (1-7).
func (t *TaskState) SetIST(n int, top uint64) error {
	if n < 1 || n > len(t.IST) {
		return fmt.Errorf("%w: %d", errISTSlot, n)
	}

	t.IST[n-1] = top

	return nil
}

// Bytes returns the TSS as the processor reads it.
func (t *TaskState) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, t); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Table is the descriptor table: null, kernel code and data, user code and
// data, and the TSS descriptor.
type Table struct {
	Base    uint64
	Entries [Size / 8]uint64
	TSS     *TaskState
	TSSBase uint64
}

// New builds the table to live at base with its TSS at tssBase.
func New(base, tssBase uint64) *Table {
	t := &Table{Base: base, TSS: NewTaskState(), TSSBase: tssBase}

	t.Entries[KernelCode.Index()] = Entry(FlagsKernelCode, 0, 0xfffff)
	t.Entries[KernelData.Index()] = Entry(FlagsKernelData, 0, 0xfffff)
	t.Entries[UserCode.Index()] = Entry(FlagsUserCode, 0, 0xfffff)
	t.Entries[UserData.Index()] = Entry(FlagsUserData, 0, 0xfffff)
	t.Entries[TSS.Index()] = Entry(FlagsTSS, uint32(tssBase), TSSSize-1)
	t.Entries[TSS.Index()+1] = tssBase >> 32

	return t
}

// Pointer returns the operand for lgdt.
func (t *Table) Pointer() cpu.TablePointer {
	return cpu.TablePointer{Base: t.Base, Limit: Size - 1}
}

// Bytes returns the encoded table.
func (t *Table) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, t.Entries); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Descriptor decodes the descriptor sel refers to.
func (t *Table) Descriptor(sel cpu.Selector) Descriptor {
	i := sel.Index()
	if sel == TSS {
		return Decode(t.Entries[i], t.Entries[i+1])
	}

	return Decode(t.Entries[i], 0)
}
