// Package firmware provides the services a loader expects from platform
// firmware: reading files from the boot volume, allocating pages at fixed
// addresses and describing the graphics mode.
package firmware

import (
	"github.com/polished-os/polished/framebuffer"
	"github.com/polished-os/polished/memory"
)

// FileReader reads whole files from the boot volume.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// PageAllocator claims pages at an exact physical address.
type PageAllocator interface {
	AllocatePages(addr uint64, typ memory.Type, count int) ([]byte, error)
}

// GraphicsOutput reports the active graphics mode.
type GraphicsOutput interface {
	CurrentMode() (framebuffer.Info, error)
}

// Services bundles the firmware collaborators.
type Services struct {
	Files    FileReader
	Pages    PageAllocator
	Graphics GraphicsOutput
}
