// Package idt builds the interrupt descriptor table and dispatches the
// vectors it routes to Go handlers.
package idt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/gdt"
)

const (
	// Entries is the number of vectors.
	Entries = 256
	// GateSize is the size of one long mode gate.
	GateSize = 16
	// Size is the size of the encoded table.
	Size = Entries * GateSize

	// InterruptGate is a present, DPL 0, 64-bit interrupt gate.
	InterruptGate = 0x8e
)

var (
	errNilHandler = errors.New("nil handler")
	errISTIndex   = errors.New("ist index out of range")
)

// Logger is the diagnostic channel handlers report to.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Suggestf(format string, args ...any)
	Printf(format string, args ...any)
}

// Handler services one vector.
type Handler func(f *cpu.Frame)

// Gate is a decoded IDT entry.
type Gate struct {
	Offset     uint64
	Selector   cpu.Selector
	IST        uint8
	Attributes uint8
}

// Present reports the P bit.
func (g Gate) Present() bool {
	return g.Attributes&0x80 != 0
}

// Encode returns the two words of the gate.
func (g Gate) Encode() (uint64, uint64) {
	lo := g.Offset&0xffff |
		uint64(g.Selector)<<16 |
		uint64(g.IST&7)<<32 |
		uint64(g.Attributes)<<40 |
		(g.Offset>>16&0xffff)<<48

	return lo, g.Offset >> 32
}

// DecodeGate unpacks a gate.
func DecodeGate(lo, hi uint64) Gate {
	return Gate{
		Offset:     lo&0xffff | (lo>>48)<<16 | hi<<32,
		Selector:   cpu.Selector(lo >> 16),
		IST:        uint8(lo>>32) & 7,
		Attributes: uint8(lo >> 40),
	}
}

// Table is the vector table. Vectors without a handler get a not present
// gate.
type Table struct {
	Base     uint64
	hw       cpu.Hardware
	handlers [Entries]Handler
	ist      [Entries]uint8
}

// New returns an empty table to live at base.
func New(hw cpu.Hardware, base uint64) *Table {
	return &Table{Base: base, hw: hw}
}

// Register installs h for vector.
func (t *Table) Register(vector uint8, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: vector %d", errNilHandler, vector)
	}

	t.handlers[vector] = h

	return nil
}

// SetStack makes vector switch to interrupt stack ist (1-7) on delivery.
func (t *Table) SetStack(vector, ist uint8) error {
	if ist < 1 || ist > 7 {
		return fmt.Errorf("%w: %d", errISTIndex, ist)
	}

	t.ist[vector] = ist

	return nil
}

// Handler returns the handler for vector, or nil.
func (t *Table) Handler(vector uint8) Handler {
	return t.handlers[vector]
}

// Gate returns the gate for vector as it will be encoded.
func (t *Table) Gate(vector uint8) Gate {
	if t.handlers[vector] == nil {
		return Gate{}
	}

	return Gate{
		Offset:     t.hw.Stub(vector),
		Selector:   gdt.KernelCode,
		IST:        t.ist[vector],
		Attributes: InterruptGate,
	}
}

// Bytes returns the encoded table.
func (t *Table) Bytes() ([]byte, error) {
	words := make([]uint64, 0, Entries*2)

	for v := 0; v < Entries; v++ {
		lo, hi := t.Gate(uint8(v)).Encode()
		words = append(words, lo, hi)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, words); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Pointer returns the operand for lidt.
func (t *Table) Pointer() cpu.TablePointer {
	return cpu.TablePointer{Base: t.Base, Limit: Size - 1}
}

// Load writes the table to mem, routes traps to Dispatch and executes lidt.
func (t *Table) Load(mem io.WriterAt) error {
	b, err := t.Bytes()
	if err != nil {
		return err
	}

	if _, err := mem.WriteAt(b, int64(t.Base)); err != nil {
		return fmt.Errorf("writing idt at 0x%x: %w", t.Base, err)
	}

	t.hw.SetTrapHandler(t.Dispatch)

	return t.hw.LoadIDT(t.Pointer())
}

// Dispatch runs the handler registered for f.Vector.
func (t *Table) Dispatch(f *cpu.Frame) {
	if h := t.handlers[f.Vector]; h != nil {
		h(f)
	}
}
