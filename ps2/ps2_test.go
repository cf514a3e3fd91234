package ps2_test

import (
	"errors"
	"testing"

	"github.com/polished-os/polished/cpu/cputest"
	"github.com/polished-os/polished/device"
	"github.com/polished-os/polished/memory"
	"github.com/polished-os/polished/pic"
	"github.com/polished-os/polished/ps2"
)

type nopLogger struct{ lines []string }

func (l *nopLogger) Infof(format string, args ...any) { l.lines = append(l.lines, format) }

func TestInit(t *testing.T) {
	t.Parallel()

	c := cputest.New(memory.FromBytes(make([]byte, 0x1000)))
	chips := device.NewPIC(nil)
	kbd := device.NewI8042(chips.Raise)

	if err := c.Attach(chips.Master(), chips.Slave(), kbd); err != nil {
		t.Fatal(err)
	}

	p := pic.New(c)
	p.Remap(pic.Offset1, pic.Offset2)

	log := &nopLogger{}
	ctl := ps2.New(c, p, log)

	if err := ctl.Init(); err != nil {
		t.Fatal(err)
	}

	if ctl.State() != ps2.Scanning {
		t.Fatalf("got: %v, exp: %v", ctl.State(), ps2.Scanning)
	}

	if !kbd.Scanning() {
		t.Fatalf("keyboard not scanning")
	}

	cfg := kbd.Config()
	if cfg&0x01 == 0 || cfg&0x02 != 0 || cfg&0x40 == 0 || cfg&0x10 != 0 {
		t.Fatalf("config got: 0x%x", cfg)
	}

	if m, _ := chips.Masks(); m&0x02 != 0 {
		t.Fatalf("IRQ1 still masked: 0x%x", m)
	}

	if len(log.lines) != 6 {
		t.Fatalf("got: %d state lines, exp: 6", len(log.lines))
	}

	writes := len(c.Writes())
	if err := ctl.Init(); err != nil {
		t.Fatal(err)
	}

	if len(c.Writes()) != writes {
		t.Fatalf("second Init touched the controller")
	}
}

func TestInitTimeout(t *testing.T) {
	t.Parallel()

	c := cputest.New(memory.FromBytes(make([]byte, 0x1000)))
	ctl := ps2.New(c, pic.New(c), &nopLogger{})

	if err := ctl.Init(); !errors.Is(err, ps2.ErrTimeout) {
		t.Fatalf("got: %v, exp: %v", err, ps2.ErrTimeout)
	}

	if ctl.State() != ps2.Failed {
		t.Fatalf("got: %v, exp: %v", ctl.State(), ps2.Failed)
	}
}

// nackDevice answers every read with a full output buffer holding 0xfe.
type nackDevice struct{}

func (nackDevice) Read(port uint64, data []byte) error {
	data[0] = 0xfe
	if port == 0x64 {
		data[0] = 0x01
	}

	return nil
}

func (nackDevice) Write(uint64, []byte) error { return nil }
func (nackDevice) IOPort() uint64             { return 0x60 }
func (nackDevice) Size() uint64               { return 5 }

func TestInitNoAck(t *testing.T) {
	t.Parallel()

	c := cputest.New(memory.FromBytes(make([]byte, 0x1000)))
	if err := c.Attach(nackDevice{}); err != nil {
		t.Fatal(err)
	}

	ctl := ps2.New(c, pic.New(c), &nopLogger{})

	if err := ctl.Init(); !errors.Is(err, ps2.ErrNoAck) {
		t.Fatalf("got: %v, exp: %v", err, ps2.ErrNoAck)
	}
}

func TestScancodes(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		code  uint8
		ascii byte
		ok    bool
		sym   string
	}{
		{code: 0x1e, ascii: 'A', ok: true, sym: "'A'"},
		{code: 0x02, ascii: '1', ok: true, sym: "'1'"},
		{code: 0x1c, ascii: '\n', ok: true, sym: "'\\n'"},
		{code: 0x39, ascii: ' ', ok: true, sym: "' '"},
		{code: 0x2a, ok: false, sym: "ShiftLeft"},
		{code: 0x3b, ok: false, sym: "F1"},
		{code: 0x58, ok: false, sym: "F12"},
		{code: 0x55, ok: false, sym: "Unknown"},
		{code: 0x9e, ok: false, sym: "Unknown"},
	} {
		a, ok := ps2.ToASCII(tt.code)
		if ok != tt.ok || a != tt.ascii {
			t.Errorf("ToASCII(0x%x) got: %q %v, exp: %q %v", tt.code, a, ok, tt.ascii, tt.ok)
		}

		if s := ps2.ToKeysym(tt.code).String(); s != tt.sym {
			t.Errorf("ToKeysym(0x%x) got: %s, exp: %s", tt.code, s, tt.sym)
		}
	}

	if !ps2.IsRelease(0x9e) || ps2.IsRelease(0x1e) {
		t.Fatalf("release detection wrong")
	}
}

func TestScancodeFor(t *testing.T) {
	t.Parallel()

	for c := byte(0x20); c < 0x7f; c++ {
		code, ok := ps2.ScancodeFor(c)
		if !ok {
			continue
		}

		back, ok := ps2.ToASCII(code)
		if !ok {
			t.Fatalf("ScancodeFor(%q) = 0x%x has no character", c, code)
		}

		exp := c
		if c >= 'a' && c <= 'z' {
			exp = c - ('a' - 'A')
		}

		if back != exp {
			t.Errorf("round trip %q got: %q", c, back)
		}
	}

	if code, ok := ps2.ScancodeFor('\r'); !ok || code != 0x1c {
		t.Fatalf("carriage return got: 0x%x %v", code, ok)
	}
}
