// Package loadertest builds ELF64 images in memory for tests.
package loadertest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	headerSize = 64
	progSize   = 56
)

type prog struct {
	typ   elf.ProgType
	flags elf.ProgFlag
	vaddr uint64
	data  []byte
	memsz uint64
}

// Builder assembles an image with program headers and no sections.
type Builder struct {
	Entry   uint64
	Class   elf.Class
	Machine elf.Machine

	progs []prog
}

// New returns a builder for an x86-64 executable entering at entry.
func New(entry uint64) *Builder {
	return &Builder{Entry: entry, Class: elf.ELFCLASS64, Machine: elf.EM_X86_64}
}

// Load adds a PT_LOAD segment holding data, memsz bytes long in memory.
func (b *Builder) Load(vaddr uint64, flags elf.ProgFlag, data []byte, memsz uint64) *Builder {
	b.progs = append(b.progs, prog{typ: elf.PT_LOAD, flags: flags, vaddr: vaddr, data: data, memsz: memsz})

	return b
}

// Add adds a segment of any type.
func (b *Builder) Add(typ elf.ProgType, vaddr uint64, data []byte) *Builder {
	b.progs = append(b.progs, prog{typ: typ, flags: elf.PF_R, vaddr: vaddr, data: data, memsz: uint64(len(data))})

	return b
}

// Bytes returns the encoded image. Segment data follows the program
// header table in the order segments were added.
func (b *Builder) Bytes() []byte {
	var ident [elf.EI_NIDENT]byte

	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(b.Class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(b.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.Entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(b.progs)),
	}

	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.LittleEndian, hdr)

	off := uint64(headerSize + progSize*len(b.progs))
	for _, p := range b.progs {
		_ = binary.Write(&buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(p.typ),
			Flags:  uint32(p.flags),
			Off:    off,
			Vaddr:  p.vaddr,
			Paddr:  p.vaddr,
			Filesz: uint64(len(p.data)),
			Memsz:  p.memsz,
			Align:  0x1000,
		})
		off += uint64(len(p.data))
	}

	for _, p := range b.progs {
		buf.Write(p.data)
	}

	return buf.Bytes()
}
