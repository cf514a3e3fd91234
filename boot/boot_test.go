package boot_test

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/polished-os/polished/boot"
	"github.com/polished-os/polished/cpu/cputest"
	"github.com/polished-os/polished/firmware"
	"github.com/polished-os/polished/framebuffer"
	"github.com/polished-os/polished/klog"
	"github.com/polished-os/polished/loader/loadertest"
	"github.com/polished-os/polished/memory"
)

type recorder struct {
	lines []string
}

func (r *recorder) Infof(format string, args ...any) {
	r.lines = append(r.lines, "[INFO] "+fmt.Sprintf(format, args...))
}

func (r *recorder) Warnf(format string, args ...any) {
	r.lines = append(r.lines, "[WARNING] "+fmt.Sprintf(format, args...))
}

type files map[string][]byte

func (f files) ReadFile(path string) ([]byte, error) {
	if b, ok := f[path]; ok {
		return b, nil
	}

	return nil, firmware.ErrNotFound
}

type transfer struct {
	mem   *memory.Memory
	calls int
	entry boot.Entry
	arg   uint64
	info  framebuffer.Info
	err   error
}

func (t *transfer) Transfer(entry boot.Entry, arg uint64) error {
	t.calls++
	t.entry, t.arg = entry, arg

	b, err := t.mem.Slice(arg, framebuffer.InfoSize)
	if err != nil {
		return err
	}

	t.info, err = framebuffer.Decode(b)
	if err != nil {
		return err
	}

	return t.err
}

const kernelPath = `\EFI\BOOT\kernel`

func setup(img []byte, mode firmware.Mode) (*boot.Bootloader, *transfer, *recorder) {
	mem := memory.FromBytes(make([]byte, 0x100_0000))
	tr := &transfer{mem: mem, err: boot.ErrEntryReturned}
	log := &recorder{}

	return &boot.Bootloader{
		Firmware: firmware.Services{
			Files:    files{kernelPath: img},
			Pages:    mem,
			Graphics: firmware.NewGraphics(mem, 0x80_0000, mode),
		},
		Transferer: tr,
		Log:        log,
	}, tr, log
}

func TestBoot(t *testing.T) {
	t.Parallel()

	img := loadertest.New(0x10_0000).Load(0x10_0000, elf.PF_R|elf.PF_X, []byte{0xf4}, 1).Bytes()
	b, tr, _ := setup(img, firmware.Mode{Width: 320, Height: 200, Format: framebuffer.RGB})
	b.Fatal = func(err error) error {
		t.Errorf("transfer result reported as fatal: %v", err)

		return err
	}

	if err := b.Boot(kernelPath); !errors.Is(err, boot.ErrEntryReturned) {
		t.Fatalf("got: %v, exp: %v", err, boot.ErrEntryReturned)
	}

	if tr.calls != 1 {
		t.Fatalf("got: %d transfers, exp: 1", tr.calls)
	}

	if tr.entry.Addr() != 0x10_0000 {
		t.Fatalf("got: 0x%x, exp: 0x10_0000", tr.entry.Addr())
	}

	if tr.arg != boot.BootInfoAddr {
		t.Fatalf("got: 0x%x, exp: 0x%x", tr.arg, boot.BootInfoAddr)
	}

	exp := framebuffer.Info{Address: 0x80_0000, Size: 320 * 200 * 4, Width: 320, Height: 200, Stride: 320}
	if tr.info != exp {
		t.Fatalf("got: %v, exp: %v", tr.info, exp)
	}
}

func TestBootWarnsOnEntryOutsideCode(t *testing.T) {
	t.Parallel()

	img := loadertest.New(0x20_0000).Load(0x10_0000, elf.PF_R|elf.PF_X, []byte{0xf4}, 1).Bytes()
	b, tr, log := setup(img, firmware.Mode{Width: 320, Height: 200})
	tr.err = nil

	if err := b.Boot(kernelPath); err != nil {
		t.Fatal(err)
	}

	found := false

	for _, l := range log.lines {
		if strings.HasPrefix(l, "[WARNING] Entry point 0x200000") {
			found = true
		}
	}

	if !found {
		t.Fatalf("no warning in %q", log.lines)
	}
}

func TestBootErrors(t *testing.T) {
	t.Parallel()

	good := loadertest.New(0x10_0000).Load(0x10_0000, elf.PF_R|elf.PF_X, []byte{0xf4}, 1).Bytes()

	tests := []struct {
		name string
		img  []byte
		path string
		mode firmware.Mode
		exp  error
	}{
		{name: "missing", img: good, path: `\EFI\BOOT\other`, mode: firmware.Mode{Width: 8, Height: 8}, exp: firmware.ErrNotFound},
		{name: "null entry", img: loadertest.New(0).Load(0x10_0000, elf.PF_R, []byte{1}, 1).Bytes(), path: kernelPath, mode: firmware.Mode{Width: 8, Height: 8}, exp: boot.ErrNullEntry},
		{name: "no mode", img: good, path: kernelPath, exp: firmware.ErrNoGraphicsMode},
		{
			name: "boot info occupied",
			img:  loadertest.New(0x10_0000).Load(0x10_000, elf.PF_R|elf.PF_X, []byte{1}, 1).Bytes(),
			path: kernelPath,
			mode: firmware.Mode{Width: 8, Height: 8},
			exp:  memory.ErrOccupied,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, tr, _ := setup(tt.img, tt.mode)

			var reported []error

			b.Fatal = func(err error) error {
				reported = append(reported, err)

				return err
			}

			if err := b.Boot(tt.path); !errors.Is(err, tt.exp) {
				t.Fatalf("got: %v, exp: %v", err, tt.exp)
			}

			if len(reported) != 1 || !errors.Is(reported[0], tt.exp) {
				t.Fatalf("got: %v reported, exp: %v", reported, tt.exp)
			}

			if tr.calls != 0 {
				t.Fatalf("transferred after a failed boot")
			}
		})
	}

	if _, err := boot.NewEntry(0); !errors.Is(err, boot.ErrNullEntry) {
		t.Fatalf("got: %v, exp: %v", err, boot.ErrNullEntry)
	}
}

func TestBootFatalPanics(t *testing.T) {
	t.Parallel()

	b, tr, _ := setup(nil, firmware.Mode{Width: 8, Height: 8})
	c := cputest.New(memory.FromBytes(make([]byte, 0x1000)))

	b.Fatal = func(err error) error {
		return klog.Fatal(c, nil, err)
	}

	if err := b.Boot(`\EFI\BOOT\missing`); !errors.Is(err, firmware.ErrNotFound) {
		t.Fatalf("got: %v, exp: %v", err, firmware.ErrNotFound)
	}

	if !c.Halted() || tr.calls != 0 {
		t.Fatalf("halted %v after %d transfers, exp: halted without transfer", c.Halted(), tr.calls)
	}

	out := c.Serial()
	for _, want := range []string{"=== PANIC ===", "Location: unknown", "Message: loading kernel: reading"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}
