// Package cputest provides a fake processor implementing cpu.Hardware.
//
// The fake keeps its descriptor table registers in guest memory the same
// way a real processor does: vectors raised with Raise are looked up in the
// IDT, stack switches are resolved through the TSS named by TR, and a
// missing gate escalates to #GP, #DF and finally a triple fault.
package cputest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/device"
	"github.com/polished-os/polished/memory"
)

const (
	// StubBase is the address of the first trap stub.
	StubBase = 0x8000
	// StubSize is the distance between trap stubs.
	StubSize = 32

	com1 = 0x3f8

	vectorGP = 13
	vectorDF = 8

	// StackTop is the stack pointer of interrupted code.
	StackTop = 0x7fff0
)

// ErrBadSelector reports a selector naming an unusable descriptor.
var ErrBadSelector = errors.New("bad selector")

// PortWrite is one recorded out instruction.
type PortWrite struct {
	Port  uint16
	Value uint8
}

// Delivery records one vector reaching a handler.
type Delivery struct {
	Vector    uint8
	ErrorCode uint64
	Stack     uint64
}

// CPU is a fake single core processor.
type CPU struct {
	mem *memory.Memory

	gdtr, idtr cpu.TablePointer
	cs, ds, tr cpu.Selector

	interrupts bool
	handler    cpu.TrapHandler
	halted     bool
	shutdown   bool

	bus    device.Bus
	inputs map[uint16][]uint8
	writes []PortWrite
	serial bytes.Buffer
	lcr    uint8

	delivered []Delivery

	GDTLoads, IDTLoads, TSSLoads int
}

var _ cpu.Hardware = (*CPU)(nil)

// New returns a fake processor over mem with interrupts disabled.
func New(mem *memory.Memory) *CPU {
	return &CPU{mem: mem, inputs: map[uint16][]uint8{}}
}

// Attach routes the devices' port ranges to them.
func (c *CPU) Attach(devs ...device.IODevice) error {
	return c.bus.Add(devs...)
}

// Queue makes successive reads of port return vals, then the last one forever.
func (c *CPU) Queue(port uint16, vals ...uint8) {
	c.inputs[port] = append(c.inputs[port], vals...)
}

func (c *CPU) device(port uint16) device.IODevice {
	return c.bus.Find(uint64(port))
}

func (c *CPU) ReadPort(port uint16) uint8 {
	if d := c.device(port); d != nil {
		b := []byte{0}
		_ = d.Read(uint64(port), b)

		return b[0]
	}

	if q := c.inputs[port]; len(q) > 0 {
		v := q[0]
		if len(q) > 1 {
			c.inputs[port] = q[1:]
		}

		return v
	}

	if port == com1+5 {
		return 0x60
	}

	return 0
}

func (c *CPU) WritePort(port uint16, v uint8) {
	c.writes = append(c.writes, PortWrite{Port: port, Value: v})

	if d := c.device(port); d != nil {
		_ = d.Write(uint64(port), []byte{v})

		return
	}

	switch port {
	case com1 + 3:
		c.lcr = v
	case com1:
		if c.lcr&0x80 == 0 {
			c.serial.WriteByte(v)
		}
	}
}

// Writes returns every port write so far.
func (c *CPU) Writes() []PortWrite {
	return c.writes
}

// WritesTo returns the values written to port, in order.
func (c *CPU) WritesTo(port uint16) []uint8 {
	var out []uint8

	for _, w := range c.writes {
		if w.Port == port {
			out = append(out, w.Value)
		}
	}

	return out
}

// Serial returns the text transmitted on COM1.
func (c *CPU) Serial() string {
	return c.serial.String()
}

func (c *CPU) LoadGDT(p cpu.TablePointer) error {
	c.gdtr = p
	c.GDTLoads++

	return nil
}

// GDT returns the loaded GDTR.
func (c *CPU) GDT() cpu.TablePointer {
	return c.gdtr
}

func (c *CPU) descriptor(sel cpu.Selector) (uint64, error) {
	off := uint64(sel.Index()) * 8
	if sel.Index() == 0 || off+7 > uint64(c.gdtr.Limit) {
		return 0, fmt.Errorf("%w: 0x%x", ErrBadSelector, sel)
	}

	d, err := c.mem.Uint64(c.gdtr.Base + off)
	if err != nil {
		return 0, err
	}

	if d&(1<<47) == 0 {
		return 0, fmt.Errorf("%w: 0x%x not present", ErrBadSelector, sel)
	}

	return d, nil
}

func (c *CPU) ReloadSegments(code, data cpu.Selector) error {
	cd, err := c.descriptor(code)
	if err != nil {
		return err
	}

	if cd&(1<<43) == 0 {
		return fmt.Errorf("%w: 0x%x is not a code segment", ErrBadSelector, code)
	}

	dd, err := c.descriptor(data)
	if err != nil {
		return err
	}

	if dd&(1<<43) != 0 {
		return fmt.Errorf("%w: 0x%x is not a data segment", ErrBadSelector, data)
	}

	c.cs, c.ds = code, data

	return nil
}

// Segments returns the current code and data selectors.
func (c *CPU) Segments() (cpu.Selector, cpu.Selector) {
	return c.cs, c.ds
}

func (c *CPU) LoadTSS(sel cpu.Selector) error {
	d, err := c.descriptor(sel)
	if err != nil {
		return err
	}

	if typ := (d >> 40) & 0x1f; typ != 0x09 {
		return fmt.Errorf("%w: 0x%x has type 0x%x", ErrBadSelector, sel, typ)
	}

	if err := c.mem.PutUint64(c.gdtr.Base+uint64(sel.Index())*8, d|1<<41); err != nil {
		return err
	}

	c.tr = sel
	c.TSSLoads++

	return nil
}

// TSSBase returns the base address of the loaded task state segment.
func (c *CPU) TSSBase() (uint64, error) {
	off := c.gdtr.Base + uint64(c.tr.Index())*8

	lo, err := c.mem.Uint64(off)
	if err != nil {
		return 0, err
	}

	hi, err := c.mem.Uint64(off + 8)
	if err != nil {
		return 0, err
	}

	return (lo>>16)&0xffffff | (lo>>56)<<24 | hi<<32, nil
}

func (c *CPU) LoadIDT(p cpu.TablePointer) error {
	c.idtr = p
	c.IDTLoads++

	return nil
}

func (c *CPU) SetTrapHandler(h cpu.TrapHandler) {
	c.handler = h
}

func (c *CPU) Stub(vector uint8) uint64 {
	return StubBase + uint64(vector)*StubSize
}

func (c *CPU) EnableInterrupts()       { c.interrupts = true }
func (c *CPU) DisableInterrupts()      { c.interrupts = false }
func (c *CPU) InterruptsEnabled() bool { return c.interrupts }

func (c *CPU) Halt() {
	c.halted = true
	cpu.Stop()
}

// Halted reports whether the processor executed a halt.
func (c *CPU) Halted() bool {
	return c.halted
}

// Shutdown reports whether the processor triple faulted.
func (c *CPU) Shutdown() bool {
	return c.shutdown
}

// Delivered returns the vectors that reached a handler, in order.
func (c *CPU) Delivered() []Delivery {
	return c.delivered
}

// Run executes f as kernel code; a halt inside f ends it with cpu.ErrHalted.
func (c *CPU) Run(f func()) (err error) {
	defer cpu.Recover(&err)

	f()

	return nil
}

// Raise delivers an exception or software interrupt without an error code.
func (c *CPU) Raise(vector uint8) {
	c.deliver(vector, 0, 0)
}

// RaiseError delivers an exception with an error code.
func (c *CPU) RaiseError(vector uint8, code uint64) {
	c.deliver(vector, code, 0)
}

// Interrupt delivers an external interrupt if interrupts are enabled and
// reports whether it was taken.
func (c *CPU) Interrupt(vector uint8) bool {
	if !c.interrupts || c.halted {
		return false
	}

	c.deliver(vector, 0, 0)

	return true
}

type gate struct {
	offset uint64
	ist    uint8
}

func (c *CPU) gate(vector uint8) (gate, bool) {
	off := uint64(vector) * 16
	if c.idtr.Limit == 0 || off+15 > uint64(c.idtr.Limit) {
		return gate{}, false
	}

	lo, err := c.mem.Uint64(c.idtr.Base + off)
	if err != nil {
		return gate{}, false
	}

	hi, err := c.mem.Uint64(c.idtr.Base + off + 8)
	if err != nil {
		return gate{}, false
	}

	if lo&(1<<47) == 0 {
		return gate{}, false
	}

	return gate{
		offset: lo&0xffff | (lo>>48)<<16 | hi<<32,
		ist:    uint8(lo>>32) & 7,
	}, true
}

func (c *CPU) istStack(n uint8) (uint64, error) {
	base, err := c.TSSBase()
	if err != nil {
		return 0, err
	}

	b := make([]byte, 8)
	if _, err := c.mem.ReadAt(b, int64(base+36+uint64(n-1)*8)); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// deliver follows the processor's escalation: a vector that cannot be
// delivered raises #GP, a failing #GP raises #DF and a failing #DF shuts
// the processor down.
func (c *CPU) deliver(vector uint8, code uint64, depth int) {
	if c.halted || c.shutdown {
		return
	}

	g, ok := c.gate(vector)
	if ok && g.offset != c.Stub(vector) {
		ok = false
	}

	stack := uint64(StackTop)

	if ok && g.ist != 0 {
		s, err := c.istStack(g.ist)
		if err != nil || s == 0 {
			ok = false
		}

		stack = s
	}

	if !ok || c.handler == nil {
		switch {
		case vector == vectorDF || depth >= 2:
			c.shutdown = true
		case depth == 1:
			c.deliver(vectorDF, 0, depth+1)
		default:
			c.deliver(vectorGP, uint64(vector)<<3|2, depth+1)
		}

		return
	}

	c.delivered = append(c.delivered, Delivery{Vector: vector, ErrorCode: code, Stack: stack})

	f := &cpu.Frame{
		Vector:    vector,
		ErrorCode: code,
		RIP:       0x100000,
		CS:        uint64(c.cs),
		RFLAGS:    cpu.FlagReserved,
		RSP:       StackTop,
		SS:        uint64(c.ds),
	}
	if c.interrupts {
		f.RFLAGS |= cpu.FlagInterrupt
	}

	saved := c.interrupts
	c.interrupts = false

	if err := c.Run(func() { c.handler(f) }); err != nil {
		return
	}

	c.interrupts = saved
}
