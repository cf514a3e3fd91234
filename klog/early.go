// Package klog is the diagnostic channel: an early byte-at-a-time port
// writer, a buffered serial writer, and a level-prefixed logger over them.
package klog

import (
	"fmt"

	"github.com/polished-os/polished/cpu"
)

// COM1 is the base port of the first serial line.
const COM1 = 0x3f8

// EarlyWriter writes each byte straight to a port. It needs no setup and is
// usable before anything else is initialised.
type EarlyWriter struct {
	hw   cpu.Hardware
	port uint16
}

// NewEarlyWriter returns a writer on COM1.
func NewEarlyWriter(hw cpu.Hardware) *EarlyWriter {
	return &EarlyWriter{hw: hw, port: COM1}
}

func (w *EarlyWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.hw.WritePort(w.port, b)
	}

	return len(p), nil
}

// Kprintf formats straight to the early writer.
func Kprintf(hw cpu.Hardware, format string, args ...any) {
	fmt.Fprintf(NewEarlyWriter(hw), format, args...)
}
