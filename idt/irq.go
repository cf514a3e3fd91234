package idt

import (
	"sync"
	"sync/atomic"

	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/pic"
	"github.com/polished-os/polished/ps2"
)

// Device vectors after the controllers are remapped.
const (
	Timer    = pic.Offset1 + 0
	Keyboard = pic.Offset1 + 1
	Network  = pic.Offset2 + 3
	Mouse    = pic.Offset2 + 4
	Disk     = pic.Offset2 + 6
	Other    = pic.Offset2 + 7
	USB      = 0x37

	dataPort = 0x60
)

// Devices holds the state of the device interrupt handlers.
type Devices struct {
	hw  cpu.Hardware
	pic *pic.PIC
	log Logger

	ticks atomic.Uint64

	mu   sync.Mutex
	keys []byte
}

// NewDevices returns handlers acknowledging through p.
func NewDevices(hw cpu.Hardware, p *pic.PIC, log Logger) *Devices {
	return &Devices{hw: hw, pic: p, log: log}
}

// Ticks returns the number of timer interrupts taken.
func (d *Devices) Ticks() uint64 {
	return d.ticks.Load()
}

// Keys returns the characters typed so far.
func (d *Devices) Keys() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]byte(nil), d.keys...)
}

func (d *Devices) timer(*cpu.Frame) {
	d.ticks.Add(1)
	d.pic.EOI(0)
}

func (d *Devices) keyboard(*cpu.Frame) {
	sc := d.hw.ReadPort(dataPort)

	switch {
	case sc == ps2.Ack:
		d.log.Infof("Keyboard ACK received")
	case ps2.IsRelease(sc):
	default:
		if c, ok := ps2.ToASCII(sc); ok {
			d.mu.Lock()
			d.keys = append(d.keys, c)
			d.mu.Unlock()

			d.log.Infof("Key pressed: %q", c)

			break
		}

		d.log.Infof("Key pressed: %s (scancode 0x%x)", ps2.ToKeysym(sc), sc)
	}

	d.pic.EOI(1)
}

func (d *Devices) placeholder(name string) Handler {
	return func(f *cpu.Frame) {
		d.log.Infof("%s interrupt", name)

		if line, ok := d.pic.Line(f.Vector); ok {
			d.pic.EOI(line)
		}
	}
}

// InstallIRQs registers the device handlers on t.
func InstallIRQs(t *Table, d *Devices) error {
	handlers := []struct {
		vector uint8
		h      Handler
	}{
		{Timer, d.timer},
		{Keyboard, d.keyboard},
		{Mouse, d.placeholder("Mouse")},
		{Disk, d.placeholder("Disk")},
		{Network, d.placeholder("Network")},
		{USB, d.placeholder("USB")},
		{Other, d.placeholder("Other")},
	}

	for _, e := range handlers {
		if err := t.Register(e.vector, e.h); err != nil {
			return err
		}
	}

	return nil
}
