package klog

import "github.com/polished-os/polished/cpu"

const (
	regData = 0
	regIER  = 1
	regFCR  = 2
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5

	lsrTHRE = 0x20

	lineSize = 256

	// transmit attempts before a byte is written regardless
	thrSpins = 10000
)

// SerialWriter is a line buffered 16550 transmitter. It translates "\n" to
// "\r\n" and flushes on every newline.
type SerialWriter struct {
	hw   cpu.Hardware
	base uint16
	buf  []byte
}

// NewSerialWriter programs COM1 for 38400 8N1 with FIFOs and returns a
// writer on it.
func NewSerialWriter(hw cpu.Hardware) *SerialWriter {
	w := &SerialWriter{hw: hw, base: COM1, buf: make([]byte, 0, lineSize)}

	hw.WritePort(w.base+regIER, 0x00)
	hw.WritePort(w.base+regLCR, 0x80)
	hw.WritePort(w.base+regData, 0x03)
	hw.WritePort(w.base+regIER, 0x00)
	hw.WritePort(w.base+regLCR, 0x03)
	hw.WritePort(w.base+regFCR, 0xc7)
	hw.WritePort(w.base+regMCR, 0x0b)

	return w
}

func (w *SerialWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			w.buf = append(w.buf, '\r', '\n')
			w.Flush()

			continue
		}

		w.buf = append(w.buf, b)
		if len(w.buf) >= lineSize {
			w.Flush()
		}
	}

	return len(p), nil
}

// Flush transmits everything buffered.
func (w *SerialWriter) Flush() {
	for _, b := range w.buf {
		for i := 0; i < thrSpins && w.hw.ReadPort(w.base+regLSR)&lsrTHRE == 0; i++ {
		}

		w.hw.WritePort(w.base+regData, b)
	}

	w.buf = w.buf[:0]
}
