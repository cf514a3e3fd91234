package klog_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/cpu/cputest"
	"github.com/polished-os/polished/klog"
	"github.com/polished-os/polished/memory"
)

func newCPU() *cputest.CPU {
	return cputest.New(memory.FromBytes(make([]byte, 0x1000)))
}

func TestEarlyWriter(t *testing.T) {
	t.Parallel()

	c := newCPU()
	klog.Kprintf(c, "value=0x%x\n", 0xbeef)

	if got := c.Serial(); got != "value=0xbeef\n" {
		t.Fatalf("got: %q", got)
	}

	if n := len(c.WritesTo(klog.COM1)); n != len("value=0xbeef\n") {
		t.Fatalf("got: %d port writes, exp one per byte", n)
	}
}

func TestSerialWriter(t *testing.T) {
	t.Parallel()

	c := newCPU()
	w := klog.NewSerialWriter(c)

	if got := c.WritesTo(klog.COM1 + 3); !bytes.Equal(got, []byte{0x80, 0x03}) {
		t.Fatalf("LCR writes got: %x", got)
	}

	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}

	if c.Serial() != "" {
		t.Fatalf("unterminated line transmitted: %q", c.Serial())
	}

	if _, err := w.Write([]byte(" line\n")); err != nil {
		t.Fatal(err)
	}

	if got := c.Serial(); got != "partial line\r\n" {
		t.Fatalf("got: %q", got)
	}
}

func TestSerialWriterWaitsForTransmitter(t *testing.T) {
	t.Parallel()

	c := newCPU()
	w := klog.NewSerialWriter(c)

	c.Queue(klog.COM1+5, 0x00, 0x00, 0x60)

	if _, err := w.Write([]byte("x\n")); err != nil {
		t.Fatal(err)
	}

	if got := c.Serial(); got != "x\r\n" {
		t.Fatalf("got: %q", got)
	}
}

func TestLogger(t *testing.T) {
	t.Parallel()

	c := newCPU()
	c.EnableInterrupts()

	var buf bytes.Buffer

	l := klog.New(&buf, c)

	l.Infof("Loading kernel from ELF file")
	l.Warnf("Skipping dynamic segment")
	l.Errorf("EXCEPTION: %s", "DIVIDE BY ZERO")
	l.Suggestf("Check divisor before division.")

	l.Disable()
	l.Infof("dropped")

	if l.Enabled() {
		t.Fatalf("logger still enabled")
	}

	if !l.Toggle() || !l.Enabled() {
		t.Fatalf("toggle did not enable the logger")
	}

	if l.Toggle() {
		t.Fatalf("toggle did not disable the logger")
	}

	l.Warnf("dropped too")
	l.Enable()
	l.Printf("raw")

	exp := "[INFO] Loading kernel from ELF file\n" +
		"[WARNING] Skipping dynamic segment\n" +
		"[ERROR] EXCEPTION: DIVIDE BY ZERO\n" +
		"[SUGGESTION] Check divisor before division.\n" +
		"raw\n"

	if buf.String() != exp {
		t.Fatalf("got: %q, exp: %q", buf.String(), exp)
	}

	if !c.InterruptsEnabled() {
		t.Fatalf("interrupt flag not restored after logging")
	}
}

type flagWriter struct {
	hw   cpu.Hardware
	seen []bool
}

func (w *flagWriter) Write(p []byte) (int, error) {
	w.seen = append(w.seen, w.hw.InterruptsEnabled())

	return len(p), nil
}

func TestLoggerDisablesInterrupts(t *testing.T) {
	t.Parallel()

	c := newCPU()
	c.EnableInterrupts()

	w := &flagWriter{hw: c}
	klog.New(w, c).Infof("x")

	if len(w.seen) != 1 || w.seen[0] {
		t.Fatalf("write ran with interrupts enabled: %v", w.seen)
	}
}

func TestPanic(t *testing.T) {
	t.Parallel()

	c := newCPU()

	err := c.Run(func() {
		klog.Panic(c, &klog.Location{File: "kernel/main.go", Line: 12, Column: 3}, "out of memory")
	})
	if !errors.Is(err, cpu.ErrHalted) {
		t.Fatalf("got: %v, exp: %v", err, cpu.ErrHalted)
	}

	out := c.Serial()
	for _, want := range []string{"=== PANIC ===", "Location: kernel/main.go:12:3", "Message: out of memory", "============="} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestFatal(t *testing.T) {
	t.Parallel()

	c := newCPU()
	c.EnableInterrupts()

	boom := errors.New("loading kernel: file not found")

	err := klog.Fatal(c, klog.Caller(0), boom)
	if !errors.Is(err, boom) {
		t.Fatalf("got: %v, exp: %v", err, boom)
	}

	if !c.Halted() || c.InterruptsEnabled() {
		t.Fatalf("processor not halted with interrupts off")
	}

	out := c.Serial()
	for _, want := range []string{"=== PANIC ===", "klog_test.go:", "Message: loading kernel: file not found"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestCaller(t *testing.T) {
	t.Parallel()

	loc := klog.Caller(0)
	if loc == nil || !strings.HasSuffix(loc.File, "klog/klog_test.go") || loc.Line == 0 {
		t.Fatalf("got: %+v", loc)
	}
}
