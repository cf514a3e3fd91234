// Package pic drives the cascaded 8259 interrupt controllers.
package pic

import "github.com/polished-os/polished/cpu"

const (
	masterCmd  = 0x20
	masterData = 0x21
	slaveCmd   = 0xa0
	slaveData  = 0xa1

	// unused port written to let the controller settle
	waitPort = 0x80

	icw1Init = 0x11
	icw4x86  = 0x01
	eoi      = 0x20

	// Offset1 and Offset2 are the vector bases used after Remap.
	Offset1 = 0x20
	Offset2 = 0x28

	// CascadeLine connects the slave to the master.
	CascadeLine = 2
)

// PIC is the guest side driver for the controller pair.
type PIC struct {
	hw               cpu.Hardware
	offset1, offset2 uint8
}

// New returns a driver assuming the reset offsets.
func New(hw cpu.Hardware) *PIC {
	return &PIC{hw: hw, offset1: 0x08, offset2: 0x70}
}

func (p *PIC) wait() {
	p.hw.WritePort(waitPort, 0)
}

// Remap moves the master and slave vector bases to off1 and off2 and
// masks every line.
func (p *PIC) Remap(off1, off2 uint8) {
	p.hw.WritePort(masterCmd, icw1Init)
	p.wait()
	p.hw.WritePort(slaveCmd, icw1Init)
	p.wait()
	p.hw.WritePort(masterData, off1)
	p.wait()
	p.hw.WritePort(slaveData, off2)
	p.wait()
	p.hw.WritePort(masterData, 1<<CascadeLine)
	p.wait()
	p.hw.WritePort(slaveData, CascadeLine)
	p.wait()
	p.hw.WritePort(masterData, icw4x86)
	p.wait()
	p.hw.WritePort(slaveData, icw4x86)
	p.wait()

	p.SetMasks(0xff, 0xff)

	p.offset1, p.offset2 = off1, off2
}

// SetMasks writes both interrupt mask registers.
func (p *PIC) SetMasks(master, slave uint8) {
	p.hw.WritePort(masterData, master)
	p.hw.WritePort(slaveData, slave)
}

// Masks reads both interrupt mask registers.
func (p *PIC) Masks() (uint8, uint8) {
	return p.hw.ReadPort(masterData), p.hw.ReadPort(slaveData)
}

// Unmask enables line (0-15). Slave lines also open the cascade.
func (p *PIC) Unmask(line uint8) {
	if line >= 8 {
		p.hw.WritePort(slaveData, p.hw.ReadPort(slaveData)&^(1<<(line-8)))
		line = CascadeLine
	}

	p.hw.WritePort(masterData, p.hw.ReadPort(masterData)&^(1<<line))
}

// Mask disables line (0-15).
func (p *PIC) Mask(line uint8) {
	if line >= 8 {
		p.hw.WritePort(slaveData, p.hw.ReadPort(slaveData)|1<<(line-8))

		return
	}

	p.hw.WritePort(masterData, p.hw.ReadPort(masterData)|1<<line)
}

// Line maps a vector back to its interrupt line.
func (p *PIC) Line(vector uint8) (uint8, bool) {
	switch {
	case vector >= p.offset1 && vector < p.offset1+8:
		return vector - p.offset1, true
	case vector >= p.offset2 && vector < p.offset2+8:
		return vector - p.offset2 + 8, true
	}

	return 0, false
}

// Vector maps an interrupt line to its vector.
func (p *PIC) Vector(line uint8) uint8 {
	if line >= 8 {
		return p.offset2 + line - 8
	}

	return p.offset1 + line
}

// EOI acknowledges line. Slave lines need both controllers acknowledged.
func (p *PIC) EOI(line uint8) {
	if line >= 8 {
		p.hw.WritePort(slaveCmd, eoi)
	}

	p.hw.WritePort(masterCmd, eoi)
}
