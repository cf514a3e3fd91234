// Package device models the legacy port devices of a PC.
package device

import (
	"errors"
	"fmt"
)

var (
	errDataLenInvalid = errors.New("invalid data size on port")

	// ErrPortConflict reports a device whose range overlaps one already on
	// the bus.
	ErrPortConflict = errors.New("port range already claimed")
)

// IODevice describes the interface an IO-Port device must implement.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}

// IRQFunc raises an interrupt line on the interrupt controller.
type IRQFunc func(irq int)

func claims(d IODevice, port uint64) bool {
	return d.IOPort() <= port && port < d.IOPort()+d.Size()
}

// Bus routes port accesses to the device claiming the port.
type Bus struct {
	devices []IODevice
}

// Add attaches devices in order. A range overlapping an attached device is
// rejected and nothing after it is attached.
func (b *Bus) Add(devs ...IODevice) error {
	for _, d := range devs {
		for _, o := range b.devices {
			if d.IOPort() < o.IOPort()+o.Size() && o.IOPort() < d.IOPort()+d.Size() {
				return fmt.Errorf("%w: 0x%x-0x%x overlaps 0x%x-0x%x", ErrPortConflict,
					d.IOPort(), d.IOPort()+d.Size()-1, o.IOPort(), o.IOPort()+o.Size()-1)
			}
		}

		b.devices = append(b.devices, d)
	}

	return nil
}

// Find returns the device claiming port, or nil.
func (b *Bus) Find(port uint64) IODevice {
	for _, d := range b.devices {
		if claims(d, port) {
			return d
		}
	}

	return nil
}
