// Package serial emulates the transmit side of a 16550 UART on COM1.
package serial

import (
	"errors"
	"io"
	"sync"

	"github.com/polished-os/polished/device"
)

const (
	COM1Addr = 0x03f8

	// IRQ is the interrupt line of COM1.
	IRQ = 4

	ierTHRE  = 0x02
	lcrDLAB  = 0x80
	lsrTHRE  = 0x20
	lsrTEMT  = 0x40
	iirNone  = 0x01
	iirTHRE  = 0x02
	divisor  = 0x0c // 9600 baud
	numPorts = 8
)

var errDataLen = errors.New("serial: invalid data size")

// Serial writes transmitted bytes to an io.Writer.
type Serial struct {
	mu sync.Mutex

	IER byte
	LCR byte
	MCR byte
	SCR byte
	DLL byte
	DLM byte

	thre bool // transmitter empty interrupt pending

	out io.Writer
	irq device.IRQFunc
}

// New returns COM1 writing to out. irq may be nil.
func New(out io.Writer, irq device.IRQFunc) *Serial {
	return &Serial{DLL: divisor, out: out, irq: irq}
}

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return numPorts
}

func (s *Serial) Read(port uint64, values []byte) error {
	if len(values) != 1 {
		return errDataLen
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch port -= COM1Addr; {
	case port == 0 && s.dlab():
		values[0] = s.DLL
	case port == 0:
		// RBR, nothing is ever received
		values[0] = 0
	case port == 1 && s.dlab():
		values[0] = s.DLM
	case port == 1:
		values[0] = s.IER
	case port == 2:
		values[0] = iirNone
		if s.thre {
			values[0] = iirTHRE
			s.thre = false
		}
	case port == 3:
		values[0] = s.LCR
	case port == 4:
		values[0] = s.MCR
	case port == 5:
		values[0] = lsrTHRE | lsrTEMT
	case port == 7:
		values[0] = s.SCR
	default:
		values[0] = 0
	}

	return nil
}

func (s *Serial) Write(port uint64, values []byte) error {
	if len(values) != 1 {
		return errDataLen
	}

	s.mu.Lock()

	raise := false

	switch port -= COM1Addr; {
	case port == 0 && s.dlab():
		s.DLL = values[0]
	case port == 0:
		s.mu.Unlock()

		if _, err := s.out.Write(values[:1]); err != nil {
			return err
		}

		s.mu.Lock()
		raise = s.IER&ierTHRE != 0
		s.thre = raise
	case port == 1 && s.dlab():
		s.DLM = values[0]
	case port == 1:
		// enabling THRE with an empty transmitter interrupts at once
		raise = s.IER&ierTHRE == 0 && values[0]&ierTHRE != 0
		s.IER = values[0]
		s.thre = s.thre || raise
	case port == 3:
		s.LCR = values[0]
	case port == 4:
		s.MCR = values[0]
	case port == 7:
		s.SCR = values[0]
	}

	s.mu.Unlock()

	if raise && s.irq != nil {
		s.irq(IRQ)
	}

	return nil
}
