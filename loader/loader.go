// Package loader maps the PT_LOAD segments of an ELF64 x86-64 image at the
// physical addresses the image asks for.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/polished-os/polished/firmware"
	"github.com/polished-os/polished/memory"
)

var (
	// ErrFormat reports an image that is not a little endian ELF64 x86-64
	// file.
	ErrFormat = errors.New("unsupported image format")
	// ErrSegment reports a malformed program header.
	ErrSegment = errors.New("invalid segment")
)

// Logger receives progress and warnings.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Segment is a PT_LOAD program header.
type Segment struct {
	Offset   uint64
	FileSize uint64
	MemSize  uint64
	Vaddr    uint64
	Type     memory.Type
}

// Mapped is a segment together with the pages backing it.
type Mapped struct {
	Segment
	Aligned uint64
	Pages   int
}

// Contains reports whether addr lies in the segment's memory image.
func (m Mapped) Contains(addr uint64) bool {
	return addr >= m.Vaddr && addr < m.Vaddr+m.MemSize
}

// Image is a loaded image.
type Image struct {
	// Entry is e_entry as found in the header.
	Entry    uint64
	Segments []Mapped
}

// EntryInExecutable reports whether the entry point lies inside an
// executable segment.
func (i *Image) EntryInExecutable() bool {
	for _, s := range i.Segments {
		if s.Type == memory.Code && s.Contains(i.Entry) {
			return true
		}
	}

	return false
}

// Plan returns the page aligned base covering vaddr, the offset of vaddr
// within that page and the number of pages needed for memsz bytes.
func Plan(vaddr, memsz uint64) (uint64, uint64, int) {
	aligned := memory.AlignDown(vaddr)
	off := vaddr - aligned

	return aligned, off, memory.PagesFor(off + memsz)
}

// Load reads the image at path from the boot volume and maps it.
func Load(path string, files firmware.FileReader, alloc firmware.PageAllocator, log Logger) (*Image, error) {
	log.Infof("Loading kernel from ELF file: %s", path)

	data, err := files.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return LoadBytes(data, alloc, log)
}

// LoadBytes maps an image held in memory.
func LoadBytes(data []byte, alloc firmware.PageAllocator, log Logger) (*Image, error) {
	return walk(data, alloc, log)
}

// Inspect parses an image and plans its segments without allocating.
func Inspect(data []byte, log Logger) (*Image, error) {
	return walk(data, nil, log)
}

func open(data []byte) (*elf.File, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: class %s, expected ELFCLASS64", ErrFormat, f.Class)
	}

	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: data %s, expected ELFDATA2LSB", ErrFormat, f.Data)
	}

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: machine %s, expected EM_X86_64", ErrFormat, f.Machine)
	}

	return f, nil
}

func readSegment(i int, p *elf.Prog, size uint64) (Segment, error) {
	if p.Memsz < p.Filesz {
		return Segment{}, fmt.Errorf("%w %d: mem size 0x%x below file size 0x%x", ErrSegment, i, p.Memsz, p.Filesz)
	}

	if p.Off > size || p.Filesz > size-p.Off {
		return Segment{}, fmt.Errorf("%w %d: file range [0x%x, +0x%x) past end of image", ErrSegment, i, p.Off, p.Filesz)
	}

	if p.Vaddr+p.Memsz < p.Vaddr {
		return Segment{}, fmt.Errorf("%w %d: address range wraps", ErrSegment, i)
	}

	typ := memory.Data
	if p.Flags&elf.PF_X != 0 {
		typ = memory.Code
	}

	return Segment{
		Offset:   p.Off,
		FileSize: p.Filesz,
		MemSize:  p.Memsz,
		Vaddr:    p.Vaddr,
		Type:     typ,
	}, nil
}

func walk(data []byte, alloc firmware.PageAllocator, log Logger) (*Image, error) {
	f, err := open(data)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := &Image{Entry: f.Entry}

	for i, p := range f.Progs {
		log.Infof("Found program header: %s", p.Type)

		switch p.Type {
		case elf.PT_DYNAMIC:
			log.Warnf("Skipping dynamic segment")

			continue
		case elf.PT_LOAD:
		default:
			continue
		}

		seg, err := readSegment(i, p, uint64(len(data)))
		if err != nil {
			return nil, err
		}

		log.Infof("Loading segment: file_offset=0x%x, file_size=0x%x, mem_size=0x%x, virt_addr=0x%x",
			seg.Offset, seg.FileSize, seg.MemSize, seg.Vaddr)

		if seg.MemSize == 0 {
			log.Warnf("Skipping empty segment at 0x%x", seg.Vaddr)

			continue
		}

		aligned, off, pages := Plan(seg.Vaddr, seg.MemSize)
		img.Segments = append(img.Segments, Mapped{Segment: seg, Aligned: aligned, Pages: pages})

		if alloc == nil {
			continue
		}

		log.Infof("Allocating %d pages at 0x%x (mem_type: %s)", pages, aligned, seg.Type)

		dst, err := alloc.AllocatePages(aligned, seg.Type, pages)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}

		memory.Copy(dst[off:], data[seg.Offset:seg.Offset+seg.FileSize])

		if seg.MemSize > seg.FileSize {
			memory.Set(dst[off+seg.FileSize:off+seg.MemSize], 0)
		}

		log.Infof("Segment loaded at 0x%x", seg.Vaddr)
	}

	log.Infof("Kernel entry point: 0x%x", img.Entry)

	return img, nil
}
