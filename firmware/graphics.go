package firmware

import (
	"errors"
	"fmt"

	"github.com/polished-os/polished/framebuffer"
	"github.com/polished-os/polished/memory"
)

// ErrNoGraphicsMode reports that no usable graphics mode is configured.
var ErrNoGraphicsMode = errors.New("no graphics mode")

// Mode is a graphics mode. A zero Stride means Width.
type Mode struct {
	Width  uint64
	Height uint64
	Stride uint64
	Format framebuffer.Format
}

// Graphics is a linear framebuffer placed at a fixed address. The
// framebuffer pages are allocated and cleared on the first query.
type Graphics struct {
	pages PageAllocator
	base  uint64
	mode  Mode

	info    framebuffer.Info
	surface *framebuffer.Surface
}

// NewGraphics returns graphics output with mode m at base.
func NewGraphics(pages PageAllocator, base uint64, m Mode) *Graphics {
	if m.Stride == 0 {
		m.Stride = m.Width
	}

	return &Graphics{pages: pages, base: base, mode: m}
}

// CurrentMode returns the framebuffer description.
func (g *Graphics) CurrentMode() (framebuffer.Info, error) {
	if g.surface != nil {
		return g.info, nil
	}

	m := g.mode
	if m.Width == 0 || m.Height == 0 || m.Stride < m.Width {
		return framebuffer.Info{}, fmt.Errorf("%w: %dx%d stride %d", ErrNoGraphicsMode, m.Width, m.Height, m.Stride)
	}

	info := framebuffer.Info{
		Address: g.base,
		Size:    framebuffer.SizeFor(m.Stride, m.Height),
		Width:   m.Width,
		Height:  m.Height,
		Stride:  m.Stride,
		Format:  m.Format,
	}

	pixels, err := g.pages.AllocatePages(g.base, memory.Data, memory.PagesFor(info.Size))
	if err != nil {
		return framebuffer.Info{}, fmt.Errorf("allocating framebuffer: %w", err)
	}

	s, err := framebuffer.NewSurface(info, pixels)
	if err != nil {
		return framebuffer.Info{}, err
	}

	s.Clear()

	g.info, g.surface = info, s

	return info, nil
}

// Surface returns the framebuffer once a mode has been queried.
func (g *Graphics) Surface() (*framebuffer.Surface, bool) {
	return g.surface, g.surface != nil
}
