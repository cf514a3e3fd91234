// Package framebuffer describes a linear framebuffer and draws into one.
package framebuffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// BytesPerPixel is the size of one pixel in every supported format.
const BytesPerPixel = 4

// Format is the pixel layout.
type Format uint32

const (
	RGB Format = iota
	BGR
	Bitmask
	BltOnly
)

var formatNames = map[Format]string{
	RGB:     "rgb",
	BGR:     "bgr",
	Bitmask: "bitmask",
	BltOnly: "bltonly",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}

	return fmt.Sprintf("Format(%d)", uint32(f))
}

var (
	ErrFormat = errors.New("unknown pixel format")
	ErrShort  = errors.New("framebuffer description truncated")
)

// ParseFormat parses a format name as printed by String.
func ParseFormat(s string) (Format, error) {
	for f, name := range formatNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrFormat, s)
}

// Info describes a framebuffer. Stride is in pixels.
type Info struct {
	Address uint64
	Size    uint64
	Width   uint64
	Height  uint64
	Stride  uint64
	Format  Format
}

// InfoSize is the size of the encoded description.
const InfoSize = 48

// wire layout seen by the kernel
type info struct {
	Address uint64
	Size    uint64
	Width   uint64
	Height  uint64
	Stride  uint64
	Format  uint32
	_       uint32
}

// SizeFor returns the bytes covered by height rows of stride pixels.
func SizeFor(stride, height uint64) uint64 {
	return stride * height * BytesPerPixel
}

// Bytes encodes the description in the layout the kernel reads.
func (i Info) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	err := binary.Write(&buf, binary.LittleEndian, info{
		Address: i.Address,
		Size:    i.Size,
		Width:   i.Width,
		Height:  i.Height,
		Stride:  i.Stride,
		Format:  uint32(i.Format),
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode reads a description written by Bytes.
func Decode(b []byte) (Info, error) {
	if len(b) < InfoSize {
		return Info{}, fmt.Errorf("%w: %d bytes", ErrShort, len(b))
	}

	var w info
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &w); err != nil {
		return Info{}, err
	}

	return Info{
		Address: w.Address,
		Size:    w.Size,
		Width:   w.Width,
		Height:  w.Height,
		Stride:  w.Stride,
		Format:  Format(w.Format),
	}, nil
}

func (i Info) String() string {
	return fmt.Sprintf("%dx%d stride %d %s at 0x%x (%d bytes)",
		i.Width, i.Height, i.Stride, i.Format, i.Address, i.Size)
}
