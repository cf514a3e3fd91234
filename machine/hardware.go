package machine

import (
	"errors"
	"fmt"

	"github.com/polished-os/polished/boot"
	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/gdt"
	"github.com/polished-os/polished/kvm"
)

var errSelector = errors.New("bad selector")

var (
	_ cpu.Hardware    = (*Machine)(nil)
	_ boot.Transferer = (*Machine)(nil)
)

// The methods below implement cpu.Hardware. They act on the vCPU state
// the guest resumes with.

func (m *Machine) ReadPort(port uint16) uint8 {
	b := []byte{0xff}

	if d := m.device(uint64(port)); d != nil {
		m.fail(d.Read(uint64(port), b))
	}

	return b[0]
}

func (m *Machine) WritePort(port uint16, v uint8) {
	if d := m.device(uint64(port)); d != nil {
		m.fail(d.Write(uint64(port), []byte{v}))
	}
}

func (m *Machine) LoadGDT(p cpu.TablePointer) error {
	if err := m.load(); err != nil {
		return err
	}

	m.sregs.GDT = kvm.Descriptor{Base: p.Base, Limit: p.Limit}
	m.dirty = true

	return nil
}

func (m *Machine) LoadIDT(p cpu.TablePointer) error {
	if err := m.load(); err != nil {
		return err
	}

	m.sregs.IDT = kvm.Descriptor{Base: p.Base, Limit: p.Limit}
	m.dirty = true

	return nil
}

// descriptor reads the entry sel refers to from the loaded GDT. System
// descriptors take two slots.
func (m *Machine) descriptor(sel cpu.Selector, system bool) (gdt.Descriptor, uint64, error) {
	off := uint64(sel.Index()) * 8

	size := uint64(8)
	if system {
		size = 16
	}

	if sel.Index() == 0 || off+size-1 > uint64(m.sregs.GDT.Limit) {
		return gdt.Descriptor{}, 0, fmt.Errorf("%w: 0x%x", errSelector, uint16(sel))
	}

	addr := m.sregs.GDT.Base + off

	lo, err := m.mem.Uint64(addr)
	if err != nil {
		return gdt.Descriptor{}, 0, err
	}

	var hi uint64
	if system {
		if hi, err = m.mem.Uint64(addr + 8); err != nil {
			return gdt.Descriptor{}, 0, err
		}
	}

	d := gdt.Decode(lo, hi)
	if !d.Present() {
		return gdt.Descriptor{}, 0, fmt.Errorf("%w: 0x%x not present", errSelector, uint16(sel))
	}

	return d, addr, nil
}

func segment(sel cpu.Selector, d gdt.Descriptor) kvm.Segment {
	s := kvm.Segment{
		Base:     d.Base,
		Limit:    d.Limit,
		Selector: uint16(sel),
		Typ:      d.Access & 0xf,
		Present:  1,
		DPL:      d.DPL(),
		S:        d.Access >> 4 & 1,
		AVL:      d.Flags & 1,
		L:        d.Flags >> 1 & 1,
		DB:       d.Flags >> 2 & 1,
		G:        d.Flags >> 3 & 1,
	}

	if s.G != 0 {
		s.Limit = s.Limit<<12 | 0xfff
	}

	return s
}

func (m *Machine) ReloadSegments(code, data cpu.Selector) error {
	if err := m.load(); err != nil {
		return err
	}

	c, _, err := m.descriptor(code, false)
	if err != nil {
		return err
	}

	if !c.Code() || !c.Long() {
		return fmt.Errorf("%w: 0x%x is not a long mode code segment", errSelector, uint16(code))
	}

	d, _, err := m.descriptor(data, false)
	if err != nil {
		return err
	}

	if d.Code() {
		return fmt.Errorf("%w: 0x%x is not a data segment", errSelector, uint16(data))
	}

	ds := segment(data, d)

	m.sregs.CS = segment(code, c)
	m.sregs.DS, m.sregs.ES, m.sregs.FS, m.sregs.GS, m.sregs.SS = ds, ds, ds, ds, ds
	m.dirty = true

	return nil
}

func (m *Machine) LoadTSS(sel cpu.Selector) error {
	if err := m.load(); err != nil {
		return err
	}

	d, addr, err := m.descriptor(sel, true)
	if err != nil {
		return err
	}

	// available 64-bit TSS
	if d.Access&0x1f != 0x09 {
		return fmt.Errorf("%w: 0x%x is not an available TSS", errSelector, uint16(sel))
	}

	lo, err := m.mem.Uint64(addr)
	if err != nil {
		return err
	}

	// ltr marks the descriptor busy
	if err := m.mem.PutUint64(addr, lo|1<<41); err != nil {
		return err
	}

	m.sregs.TR = segment(sel, d)
	m.sregs.TR.Typ = 0xb
	m.dirty = true

	return nil
}

func (m *Machine) SetTrapHandler(h cpu.TrapHandler) {
	m.trap = h
}

func (m *Machine) Stub(vector uint8) uint64 {
	return StubBase + uint64(vector)*StubSize
}

func (m *Machine) setInterruptFlag(on bool) {
	if err := m.load(); err != nil {
		m.fail(err)

		return
	}

	if on {
		m.regs.RFLAGS |= rflagsIF
	} else {
		m.regs.RFLAGS &^= rflagsIF
	}

	m.dirty = true
}

func (m *Machine) EnableInterrupts() {
	m.setInterruptFlag(true)
}

func (m *Machine) DisableInterrupts() {
	m.setInterruptFlag(false)
}

func (m *Machine) InterruptsEnabled() bool {
	if err := m.load(); err != nil {
		m.fail(err)

		return false
	}

	return m.regs.RFLAGS&rflagsIF != 0
}

// Halt stops the vCPU. The run loop reports cpu.ErrHalted.
func (m *Machine) Halt() {
	cpu.Stop()
}
