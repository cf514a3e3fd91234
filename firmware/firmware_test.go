package firmware_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/polished-os/polished/firmware"
	"github.com/polished-os/polished/framebuffer"
	"github.com/polished-os/polished/memory"
)

func TestVolume(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "EFI", "BOOT"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "EFI", "BOOT", "kernel"), []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := firmware.NewVolume(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		exp  string
		err  error
	}{
		{path: `\EFI\BOOT\kernel`, exp: "image"},
		{path: `\efi\boot\KERNEL`, exp: "image"},
		{path: `\EFI\\BOOT\.\kernel`, exp: "image"},
		{path: `EFI\BOOT\kernel`, err: firmware.ErrInvalidPath},
		{path: `\EFI\..\EFI\BOOT\kernel`, err: firmware.ErrInvalidPath},
		{path: `\EFI\BOOT\missing`, err: firmware.ErrNotFound},
		{path: `\EFI\BOOT`, err: firmware.ErrNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			b, err := v.ReadFile(tt.path)
			if !errors.Is(err, tt.err) {
				t.Fatalf("got: %v, exp: %v", err, tt.err)
			}

			if string(b) != tt.exp {
				t.Fatalf("got: %q, exp: %q", b, tt.exp)
			}
		})
	}
}

func TestNewVolumeNotDirectory(t *testing.T) {
	t.Parallel()

	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := firmware.NewVolume(f); !errors.Is(err, firmware.ErrInvalidPath) {
		t.Fatalf("got: %v, exp: %v", err, firmware.ErrInvalidPath)
	}
}

func TestGraphics(t *testing.T) {
	t.Parallel()

	const base = 0x10_0000

	raw := make([]byte, 0x80_0000)
	for i := range raw {
		raw[i] = 0xee
	}

	mem := memory.FromBytes(raw)
	g := firmware.NewGraphics(mem, base, firmware.Mode{Width: 800, Height: 600, Stride: 1024, Format: framebuffer.BGR})

	if _, ok := g.Surface(); ok {
		t.Fatalf("surface before the first query")
	}

	info, err := g.CurrentMode()
	if err != nil {
		t.Fatal(err)
	}

	exp := framebuffer.Info{Address: base, Size: 1024 * 600 * 4, Width: 800, Height: 600, Stride: 1024, Format: framebuffer.BGR}
	if info != exp {
		t.Fatalf("got: %v, exp: %v", info, exp)
	}

	for i := uint64(base); i < base+exp.Size; i++ {
		if raw[i] != 0 {
			t.Fatalf("byte 0x%x not cleared", i)
		}
	}

	if raw[base+exp.Size] != 0xee {
		t.Fatalf("cleared past the framebuffer")
	}

	regions := mem.Regions()
	if len(regions) != 1 || regions[0].Type != memory.Data || regions[0].Start != base {
		t.Fatalf("got: %+v", regions)
	}

	again, err := g.CurrentMode()
	if err != nil {
		t.Fatal(err)
	}

	if again != info {
		t.Fatalf("got: %v, exp: %v", again, info)
	}

	if len(mem.Regions()) != 1 {
		t.Fatalf("framebuffer allocated twice")
	}
}

func TestGraphicsNoMode(t *testing.T) {
	t.Parallel()

	mem := memory.FromBytes(make([]byte, 0x10000))

	tests := []struct {
		name string
		mode firmware.Mode
	}{
		{"zero", firmware.Mode{}},
		{"no height", firmware.Mode{Width: 640}},
		{"short stride", firmware.Mode{Width: 640, Height: 480, Stride: 320}},
	}

	for _, tt := range tests {
		g := firmware.NewGraphics(mem, 0, tt.mode)
		if _, err := g.CurrentMode(); !errors.Is(err, firmware.ErrNoGraphicsMode) {
			t.Fatalf("%s got: %v, exp: %v", tt.name, err, firmware.ErrNoGraphicsMode)
		}
	}

	g := firmware.NewGraphics(mem, 0, firmware.Mode{Width: 640, Height: 480})
	if _, err := g.CurrentMode(); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("got: %v, exp: %v", err, memory.ErrOutOfRange)
	}
}
