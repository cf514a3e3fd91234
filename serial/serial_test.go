package serial_test

import (
	"bytes"
	"testing"

	"github.com/polished-os/polished/serial"
)

func TestWrite(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	irqs := 0
	s := serial.New(&out, func(irq int) {
		if irq != serial.IRQ {
			t.Errorf("got: %d, exp: %d", irq, serial.IRQ)
		}
		irqs++
	})

	for _, c := range []byte("ok\r\n") {
		if err := s.Write(serial.COM1Addr, []byte{c}); err != nil {
			t.Fatal(err)
		}
	}

	if out.String() != "ok\r\n" {
		t.Fatalf("got: %q, exp: %q", out.String(), "ok\r\n")
	}

	if irqs != 0 {
		t.Fatalf("got: %d irqs, exp: 0", irqs)
	}

	// enabling the THRE interrupt raises it once, then every byte does
	if err := s.Write(serial.COM1Addr+1, []byte{0x02}); err != nil {
		t.Fatal(err)
	}

	if err := s.Write(serial.COM1Addr, []byte{'x'}); err != nil {
		t.Fatal(err)
	}

	if irqs != 2 {
		t.Fatalf("got: %d irqs, exp: 2", irqs)
	}

	iir := []byte{0}
	if err := s.Read(serial.COM1Addr+2, iir); err != nil {
		t.Fatal(err)
	}

	if iir[0] != 0x02 {
		t.Fatalf("got: 0x%x, exp: 0x2", iir[0])
	}

	if err := s.Read(serial.COM1Addr+2, iir); err != nil {
		t.Fatal(err)
	}

	if iir[0] != 0x01 {
		t.Fatalf("got: 0x%x, exp: 0x1", iir[0])
	}
}

func TestRead(t *testing.T) {
	t.Parallel()

	s := serial.New(&bytes.Buffer{}, nil)

	for _, w := range []struct{ port, v uint64 }{
		{serial.COM1Addr + 3, 0x80}, // DLAB
		{serial.COM1Addr, 0x01},
		{serial.COM1Addr + 1, 0x00},
		{serial.COM1Addr + 3, 0x03},
		{serial.COM1Addr + 7, 0x5a},
	} {
		if err := s.Write(w.port, []byte{byte(w.v)}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		port uint64
		exp  byte
	}{
		{name: "LCR", port: serial.COM1Addr + 3, exp: 0x03},
		{name: "LSR", port: serial.COM1Addr + 5, exp: 0x60},
		{name: "SCR", port: serial.COM1Addr + 7, exp: 0x5a},
		{name: "RBR", port: serial.COM1Addr, exp: 0x00},
		{name: "IER", port: serial.COM1Addr + 1, exp: 0x00},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := []byte{0xff}
			if err := s.Read(tt.port, b); err != nil {
				t.Fatal(err)
			}

			if b[0] != tt.exp {
				t.Fatalf("got: 0x%x, exp: 0x%x", b[0], tt.exp)
			}
		})
	}

	if s.DLL != 0x01 {
		t.Fatalf("got: 0x%x, exp: 0x1", s.DLL)
	}

	if err := s.Read(serial.COM1Addr, make([]byte, 2)); err == nil {
		t.Fatal("word read should fail")
	}
}
