package vmm_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/polished-os/polished/firmware"
	"github.com/polished-os/polished/framebuffer"
	"github.com/polished-os/polished/loader/loadertest"
	"github.com/polished-os/polished/machine"
	"github.com/polished-os/polished/vmm"
)

func TestSetupMissingVolume(t *testing.T) {
	t.Parallel()

	v := vmm.New(vmm.Config{ESP: filepath.Join(t.TempDir(), "missing")})

	if v.Console != os.Stdout {
		t.Fatalf("console should default to stdout")
	}

	if err := v.Setup(); err == nil {
		t.Fatal("Setup on a missing volume should fail")
	}
}

func TestBoot(t *testing.T) { // nolint:paralleltest
	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("no kvm device: %v", err)
	}

	code := []byte{
		0x48, 0x8b, 0x07, // mov rax, [rdi]
		0xc7, 0x00, 0xff, 0xff, 0xff, 0x00, // mov dword [rax], 0xffffff
		0x66, 0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xb0, 'K', // mov al, 'K'
		0xee, // out dx, al
		0xfa, // cli
		0xf4, // hlt
	}

	esp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(esp, "EFI", "BOOT"), 0o755); err != nil {
		t.Fatal(err)
	}

	img := loadertest.New(machine.ImageBase).Load(machine.ImageBase, elf.PF_R|elf.PF_X, code, uint64(len(code))).Bytes()
	if err := os.WriteFile(filepath.Join(esp, "EFI", "BOOT", "kernel"), img, 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer

	shot := filepath.Join(t.TempDir(), "fb.png")

	v := vmm.New(vmm.Config{
		Dev:        "/dev/kvm",
		ESP:        esp,
		Kernel:     `\EFI\BOOT\kernel`,
		MemSize:    machine.MinMemSize,
		Mode:       firmware.Mode{Width: 64, Height: 48, Format: framebuffer.BGR},
		Screenshot: shot,
		Console:    &out,
		Input:      strings.NewReader(""),
	})

	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	defer v.Close()

	if err := v.Setup(); err != nil {
		t.Fatal(err)
	}

	if err := v.Boot(); err != nil {
		t.Fatalf("got: %v, exp: nil\n%s", err, out.String())
	}

	for _, s := range []string{
		"[INFO] Jumping to kernel entry point at 0x100000",
		"[INFO] Hello from the kernel!",
		"K",
	} {
		if !strings.Contains(out.String(), s) {
			t.Fatalf("got: %q, exp: %q", out.String(), s)
		}
	}

	f, err := os.Open(shot)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	p, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}

	if r, g, b, _ := p.At(0, 0).RGBA(); r != 0xffff || g != 0xffff || b != 0xffff {
		t.Fatalf("got: %x %x %x, exp: white", r, g, b)
	}

	// top border of the boot screen, then the background
	if r, _, _, _ := p.At(1, 0).RGBA(); r != 0xffff {
		t.Fatalf("got: %x, exp: white", r)
	}

	if r, _, _, _ := p.At(32, 40).RGBA(); r != 0 {
		t.Fatalf("got: %x, exp: black", r)
	}
}

func TestBootMissingKernel(t *testing.T) { // nolint:paralleltest
	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("no kvm device: %v", err)
	}

	var out bytes.Buffer

	v := vmm.New(vmm.Config{
		Dev:     "/dev/kvm",
		ESP:     t.TempDir(),
		Kernel:  `\EFI\BOOT\kernel`,
		MemSize: machine.MinMemSize,
		Mode:    firmware.Mode{Width: 64, Height: 48},
		Quiet:   true,
		Console: &out,
		Input:   strings.NewReader(""),
	})

	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	defer v.Close()

	if err := v.Setup(); err != nil {
		t.Fatal(err)
	}

	if v.Logger().Enabled() {
		t.Fatalf("quiet machine has its log enabled")
	}

	if err := v.Boot(); !errors.Is(err, firmware.ErrNotFound) {
		t.Fatalf("got: %v, exp: %v", err, firmware.ErrNotFound)
	}

	if strings.Contains(out.String(), "[INFO]") {
		t.Fatalf("quiet machine logged: %q", out.String())
	}

	for _, s := range []string{"=== PANIC ===", "Message: loading kernel:"} {
		if !strings.Contains(out.String(), s) {
			t.Fatalf("got: %q, exp: %q", out.String(), s)
		}
	}
}
