package framebuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"
	"github.com/polished-os/polished/memory"
)

// White is the colour lines are drawn in.
const White = 0xffff_ffff

var ErrTooSmall = errors.New("pixel buffer smaller than framebuffer")

// Surface draws into the pixels described by Info. Pixel values are
// 0xAARRGGBB; they are stored little endian, so BGR framebuffers hold
// them as blue, green, red.
type Surface struct {
	Info   Info
	pixels []byte
}

// NewSurface wraps pixels, which must hold at least info.Size bytes.
func NewSurface(info Info, pixels []byte) (*Surface, error) {
	if uint64(len(pixels)) < info.Size {
		return nil, fmt.Errorf("%w: %d < %d", ErrTooSmall, len(pixels), info.Size)
	}

	return &Surface{Info: info, pixels: pixels[:info.Size]}, nil
}

// Clear zeroes the whole framebuffer including the padding past Width in
// every row and returns the number of bytes written.
func (s *Surface) Clear() int {
	return memory.Set(s.pixels, 0)
}

func (s *Surface) offset(x, y int) (int, bool) {
	if x < 0 || y < 0 || uint64(x) >= s.Info.Width || uint64(y) >= s.Info.Height {
		return 0, false
	}

	return (y*int(s.Info.Stride) + x) * BytesPerPixel, true
}

// Pixel returns the value at (x, y), or 0 outside the framebuffer.
func (s *Surface) Pixel(x, y int) uint32 {
	off, ok := s.offset(x, y)
	if !ok {
		return 0
	}

	return binary.LittleEndian.Uint32(s.pixels[off:])
}

// PutPixel stores v at (x, y). Coordinates outside the framebuffer are
// ignored.
func (s *Surface) PutPixel(x, y int, v uint32) {
	if off, ok := s.offset(x, y); ok {
		binary.LittleEndian.PutUint32(s.pixels[off:], v)
	}
}

// Line draws a white line with Bresenham's algorithm.
func (s *Surface) Line(x0, y0, x1, y1 int) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1

	if x0 > x1 {
		sx = -1
	}

	if y0 > y1 {
		sy = -1
	}

	e := dx + dy

	for {
		s.PutPixel(x0, y0, White)

		if x0 == x1 && y0 == y1 {
			return
		}

		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}

		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

// blend mixes white into the pixel at (x, y) with the given coverage.
func (s *Surface) blend(x, y int, coverage float64) {
	if _, ok := s.offset(x, y); !ok {
		return
	}

	alpha := uint32(math.Max(0, math.Min(1, coverage)) * 255)
	bg := s.Pixel(x, y)

	mix := func(c uint32) uint32 {
		return c*(255-alpha)/255 + 255*alpha/255
	}

	r := mix(bg >> 16 & 0xff)
	g := mix(bg >> 8 & 0xff)
	b := mix(bg & 0xff)

	s.PutPixel(x, y, 0xff<<24|r<<16|g<<8|b)
}

func fract(x float64) float64 {
	return x - math.Floor(x)
}

// SmoothLine draws a white anti-aliased line with Wu's algorithm.
func (s *Surface) SmoothLine(x0, y0, x1, y1 int) {
	fx0, fy0, fx1, fy1 := float64(x0), float64(y0), float64(x1), float64(y1)

	steep := math.Abs(fy1-fy0) > math.Abs(fx1-fx0)
	if steep {
		fx0, fy0 = fy0, fx0
		fx1, fy1 = fy1, fx1
	}

	if fx0 > fx1 {
		fx0, fx1 = fx1, fx0
		fy0, fy1 = fy1, fy0
	}

	plot := func(x, y int, c float64) {
		if steep {
			x, y = y, x
		}

		s.blend(x, y, c)
	}

	gradient := 1.0
	if dx := fx1 - fx0; dx != 0 {
		gradient = (fy1 - fy0) / dx
	}

	endpoint := func(x, y, gap float64) int {
		xend := math.Round(x)
		yend := y + gradient*(xend-x)
		px, py := int(xend), int(math.Floor(yend))

		plot(px, py, (1-fract(yend))*gap)
		plot(px, py+1, fract(yend)*gap)

		return px
	}

	xpxl1 := endpoint(fx0, fy0, 1-fract(fx0+0.5))
	xpxl2 := endpoint(fx1, fy1, fract(fx1+0.5))
	intery := fy0 + gradient*(math.Round(fx0)-fx0) + gradient

	for x := xpxl1 + 1; x < xpxl2; x++ {
		y := int(math.Floor(intery))
		plot(x, y, 1-fract(intery))
		plot(x, y+1, fract(intery))
		intery += gradient
	}
}

// XDemo draws both diagonals.
func (s *Surface) XDemo() {
	w, h := int(s.Info.Width)-1, int(s.Info.Height)-1
	if w < 0 || h < 0 {
		return
	}

	s.SmoothLine(0, 0, w, h)
	s.SmoothLine(w, 0, 0, h)
}

// Context copies the framebuffer into a new drawing context.
func (s *Surface) Context() *gg.Context {
	dc := gg.NewContext(int(s.Info.Width), int(s.Info.Height))

	im, ok := dc.Image().(*image.RGBA)
	if !ok {
		return dc
	}

	for y := 0; y < int(s.Info.Height); y++ {
		for x := 0; x < int(s.Info.Width); x++ {
			r, g, b := s.rgb(s.Pixel(x, y))
			i := im.PixOffset(x, y)
			im.Pix[i+0], im.Pix[i+1], im.Pix[i+2], im.Pix[i+3] = r, g, b, 0xff
		}
	}

	return dc
}

// Flush copies a drawing context back into the framebuffer.
func (s *Surface) Flush(dc *gg.Context) {
	im, ok := dc.Image().(*image.RGBA)
	if !ok {
		return
	}

	w := min(im.Bounds().Dx(), int(s.Info.Width))
	h := min(im.Bounds().Dy(), int(s.Info.Height))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := im.PixOffset(x, y)
			s.PutPixel(x, y, s.pack(im.Pix[i+0], im.Pix[i+1], im.Pix[i+2]))
		}
	}
}

// SavePNG writes the visible part of the framebuffer to path.
func (s *Surface) SavePNG(path string) error {
	return s.Context().SavePNG(path)
}

func (s *Surface) rgb(v uint32) (uint8, uint8, uint8) {
	if s.Info.Format == RGB {
		return uint8(v), uint8(v >> 8), uint8(v >> 16)
	}

	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}

func (s *Surface) pack(r, g, b uint8) uint32 {
	if s.Info.Format == RGB {
		return 0xff<<24 | uint32(b)<<16 | uint32(g)<<8 | uint32(r)
	}

	return 0xff<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}

	return v
}
