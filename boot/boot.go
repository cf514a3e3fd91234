// Package boot sequences the handoff: load the kernel image, describe the
// framebuffer and transfer control to the kernel's entry point.
package boot

import (
	"errors"
	"fmt"

	"github.com/polished-os/polished/firmware"
	"github.com/polished-os/polished/loader"
	"github.com/polished-os/polished/memory"
)

// BootInfoAddr is where the framebuffer description is placed for the
// kernel.
const BootInfoAddr = 0x10000

var (
	// ErrEntryReturned reports a kernel entry point that returned.
	ErrEntryReturned = errors.New("kernel entry returned")
	// ErrNullEntry reports an image without an entry point.
	ErrNullEntry = errors.New("null entry point")
)

// Entry is the kernel entry point. It has the signature
// void entry(const struct framebuffer_info *) and never returns.
type Entry struct {
	addr uint64
}

// NewEntry is the only conversion from an address to an entry point. The
// address is trusted to hold kernel code.
func NewEntry(addr uint64) (Entry, error) {
	if addr == 0 {
		return Entry{}, ErrNullEntry
	}

	return Entry{addr: addr}, nil
}

// Addr returns the entry address.
func (e Entry) Addr() uint64 {
	return e.addr
}

// Transferer starts executing at entry with arg in the first argument
// register. It returns only if the kernel could not be started or
// stopped.
type Transferer interface {
	Transfer(entry Entry, arg uint64) error
}

// Logger receives boot progress.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Bootloader loads and starts a kernel.
type Bootloader struct {
	Firmware   firmware.Services
	Transferer Transferer
	Log        Logger

	// Fatal, when set, reports an error that ends the boot before the
	// kernel runs. Its result is what Boot returns.
	Fatal func(err error) error
}

func (b *Bootloader) fail(err error) error {
	if b.Fatal == nil {
		return err
	}

	return b.Fatal(err)
}

// Boot loads the image at path and transfers to it. A nil return means the
// transfer itself reported no error.
func (b *Bootloader) Boot(path string) error {
	img, err := loader.Load(path, b.Firmware.Files, b.Firmware.Pages, b.Log)
	if err != nil {
		return b.fail(fmt.Errorf("loading kernel: %w", err))
	}

	entry, err := NewEntry(img.Entry)
	if err != nil {
		return b.fail(fmt.Errorf("loading kernel: %w", err))
	}

	b.Log.Infof("Jumping to kernel entry point at 0x%x", entry.Addr())

	if !img.EntryInExecutable() {
		b.Log.Warnf("Entry point 0x%x is not inside an executable segment", entry.Addr())
	}

	info, err := b.Firmware.Graphics.CurrentMode()
	if err != nil {
		return b.fail(fmt.Errorf("initialising framebuffer: %w", err))
	}

	b.Log.Infof("Framebuffer address: 0x%x", info.Address)
	b.Log.Infof("Framebuffer size: %d bytes", info.Size)
	b.Log.Infof("Framebuffer info: %s", info)

	enc, err := info.Bytes()
	if err != nil {
		return b.fail(err)
	}

	page, err := b.Firmware.Pages.AllocatePages(BootInfoAddr, memory.Data, 1)
	if err != nil {
		return b.fail(fmt.Errorf("placing boot info: %w", err))
	}

	memory.Copy(page, enc)

	return b.Transferer.Transfer(entry, BootInfoAddr)
}
