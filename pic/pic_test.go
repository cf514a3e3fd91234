package pic_test

import (
	"testing"

	"github.com/polished-os/polished/cpu/cputest"
	"github.com/polished-os/polished/device"
	"github.com/polished-os/polished/memory"
	"github.com/polished-os/polished/pic"
)

func setup(t *testing.T) (*cputest.CPU, *device.PIC, *pic.PIC) {
	t.Helper()

	c := cputest.New(memory.FromBytes(make([]byte, 0x1000)))
	chips := device.NewPIC(nil)

	if err := c.Attach(chips.Master(), chips.Slave()); err != nil {
		t.Fatal(err)
	}

	return c, chips, pic.New(c)
}

func TestRemap(t *testing.T) {
	t.Parallel()

	_, chips, p := setup(t)
	p.Remap(pic.Offset1, pic.Offset2)

	if m, s := chips.Offsets(); m != 0x20 || s != 0x28 {
		t.Fatalf("got: 0x%x 0x%x, exp: 0x20 0x28", m, s)
	}

	if m, s := p.Masks(); m != 0xff || s != 0xff {
		t.Fatalf("masks got: 0x%x 0x%x, exp: 0xff 0xff", m, s)
	}

	for _, tt := range []struct {
		vector uint8
		line   uint8
		ok     bool
	}{
		{vector: 0x20, line: 0, ok: true},
		{vector: 0x21, line: 1, ok: true},
		{vector: 0x2c, line: 12, ok: true},
		{vector: 0x2f, line: 15, ok: true},
		{vector: 0x37, ok: false},
		{vector: 0x0d, ok: false},
	} {
		line, ok := p.Line(tt.vector)
		if ok != tt.ok || (ok && line != tt.line) {
			t.Errorf("Line(0x%x) got: %d %v, exp: %d %v", tt.vector, line, ok, tt.line, tt.ok)
		}

		if ok && p.Vector(line) != tt.vector {
			t.Errorf("Vector(%d) got: 0x%x, exp: 0x%x", line, p.Vector(line), tt.vector)
		}
	}
}

func TestUnmaskSlaveOpensCascade(t *testing.T) {
	t.Parallel()

	_, _, p := setup(t)
	p.Remap(pic.Offset1, pic.Offset2)

	p.Unmask(1)
	p.Unmask(12)

	if m, s := p.Masks(); m != 0xf9 || s != 0xef {
		t.Fatalf("got: 0x%x 0x%x, exp: 0xf9 0xef", m, s)
	}

	p.Mask(12)
	p.Mask(1)

	if m, s := p.Masks(); m != 0xfb || s != 0xff {
		t.Fatalf("got: 0x%x 0x%x, exp: 0xfb 0xff", m, s)
	}
}

func TestEOI(t *testing.T) {
	t.Parallel()

	_, chips, p := setup(t)
	p.Remap(pic.Offset1, pic.Offset2)
	p.SetMasks(0, 0)

	chips.Raise(14)

	if v, ok := chips.Acknowledge(); !ok || v != 0x2e {
		t.Fatalf("got: 0x%x %v, exp: 0x2e true", v, ok)
	}

	p.EOI(14)

	if m, s := chips.InService(); m != 0 || s != 0 {
		t.Fatalf("in service got: 0x%x 0x%x, exp: 0 0", m, s)
	}
}
