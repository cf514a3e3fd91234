package device

import "sync"

const (
	// MasterPICPort is the command port of the master 8259.
	MasterPICPort = 0x20
	// SlavePICPort is the command port of the slave 8259.
	SlavePICPort = 0xa0

	cascadeLine = 2

	icw1Init = 0x10
	icw1IC4  = 0x01
	icw4AEOI = 0x02

	ocw2EOI      = 0x20
	ocw2Specific = 0x40
	ocw3         = 0x08
	ocw3RR       = 0x02
	ocw3RIS      = 0x01
)

// chip is one 8259A.
type chip struct {
	offset uint8
	imr    uint8
	irr    uint8
	isr    uint8

	// initialisation word expected next, 0 when operational
	icw     int
	wantIC4 bool
	single  bool
	aeoi    bool
	readISR bool
}

func (c *chip) command(v uint8) {
	switch {
	case v&icw1Init != 0:
		c.icw = 2
		c.wantIC4 = v&icw1IC4 != 0
		c.single = v&0x02 != 0
		c.imr, c.isr, c.irr = 0, 0, 0
		c.readISR = false
	case v&ocw3 != 0:
		if v&ocw3RR != 0 {
			c.readISR = v&ocw3RIS != 0
		}
	case v&ocw2EOI != 0:
		if v&ocw2Specific != 0 {
			c.isr &^= 1 << (v & 7)

			return
		}

		for i := uint8(0); i < 8; i++ {
			if c.isr&(1<<i) != 0 {
				c.isr &^= 1 << i

				return
			}
		}
	}
}

func (c *chip) data(v uint8) {
	switch c.icw {
	case 2:
		c.offset = v &^ 7
		c.icw = 3

		if c.single {
			c.icw = 4
			if !c.wantIC4 {
				c.icw = 0
			}
		}
	case 3:
		c.icw = 4
		if !c.wantIC4 {
			c.icw = 0
		}
	case 4:
		c.aeoi = v&icw4AEOI != 0
		c.icw = 0
	default:
		c.imr = v
	}
}

func (c *chip) read(cmd bool) uint8 {
	if !cmd {
		return c.imr
	}

	if c.readISR {
		return c.isr
	}

	return c.irr
}

// pending returns the highest priority unmasked request that outranks
// everything in service.
func (c *chip) pending() (int, bool) {
	req := c.irr &^ c.imr

	for i := 0; i < 8; i++ {
		if c.isr&(1<<i) != 0 {
			return 0, false
		}

		if req&(1<<i) != 0 {
			return i, true
		}
	}

	return 0, false
}

func (c *chip) ack(line int) {
	c.irr &^= 1 << line
	if !c.aeoi {
		c.isr |= 1 << line
	}
}

// PIC is a cascaded pair of 8259A interrupt controllers.
type PIC struct {
	mu            sync.Mutex
	master, slave chip
	notify        func()
}

// NewPIC returns a pair with the BIOS default offsets 0x08 and 0x70.
// notify is called without the lock held whenever a line is raised.
func NewPIC(notify func()) *PIC {
	p := &PIC{notify: notify}
	p.master.offset = 0x08
	p.slave.offset = 0x70

	return p
}

// Raise latches an edge on irq 0-15.
func (p *PIC) Raise(irq int) {
	p.mu.Lock()

	if irq >= 8 {
		p.slave.irr |= 1 << (irq - 8)
	} else {
		p.master.irr |= 1 << irq
	}

	p.mu.Unlock()

	if p.notify != nil {
		p.notify()
	}
}

func (p *PIC) cascade() {
	if _, ok := p.slave.pending(); ok {
		p.master.irr |= 1 << cascadeLine
	} else {
		p.master.irr &^= 1 << cascadeLine
	}
}

// Pending reports whether an interrupt would be delivered now.
func (p *PIC) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cascade()
	_, ok := p.master.pending()

	return ok
}

// Acknowledge is the processor's INTA cycle: it returns the vector of
// the highest priority request and moves it in service.
func (p *PIC) Acknowledge() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cascade()

	line, ok := p.master.pending()
	if !ok {
		return 0, false
	}

	p.master.ack(line)

	if line != cascadeLine {
		return p.master.offset + uint8(line), true
	}

	sl, ok := p.slave.pending()
	if !ok {
		return p.master.offset + 7, true
	}

	p.slave.ack(sl)

	return p.slave.offset + uint8(sl), true
}

// Offsets returns the vector bases of the master and slave.
func (p *PIC) Offsets() (uint8, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.master.offset, p.slave.offset
}

// Masks returns the interrupt mask registers of the master and slave.
func (p *PIC) Masks() (uint8, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.master.imr, p.slave.imr
}

// InService returns the in-service registers of the master and slave.
func (p *PIC) InService() (uint8, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.master.isr, p.slave.isr
}

// Master returns the IO view of the master controller.
func (p *PIC) Master() IODevice {
	return &picPort{pic: p, c: &p.master, port: MasterPICPort}
}

// Slave returns the IO view of the slave controller.
func (p *PIC) Slave() IODevice {
	return &picPort{pic: p, c: &p.slave, port: SlavePICPort}
}

type picPort struct {
	pic  *PIC
	c    *chip
	port uint64
}

func (pp *picPort) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	pp.pic.mu.Lock()
	defer pp.pic.mu.Unlock()

	data[0] = pp.c.read(port == pp.port)

	return nil
}

func (pp *picPort) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	pp.pic.mu.Lock()

	if port == pp.port {
		pp.c.command(data[0])
	} else {
		pp.c.data(data[0])
	}

	pp.pic.mu.Unlock()

	// an EOI or unmask may expose a request that was held back
	if pp.pic.notify != nil {
		pp.pic.notify()
	}

	return nil
}

func (pp *picPort) IOPort() uint64 {
	return pp.port
}

func (pp *picPort) Size() uint64 {
	return 2
}
