// Package memory manages guest physical memory: the backing mapping,
// the firmware page allocator over it, and raw byte primitives.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the allocation granule of the page allocator.
const PageSize = 0x1000

var (
	// ErrOutOfRange reports an access or allocation beyond the end of memory.
	ErrOutOfRange = errors.New("address out of range")

	// ErrUnaligned reports a fixed-address allocation that is not page aligned.
	ErrUnaligned = errors.New("address not page aligned")

	// ErrOccupied reports an allocation that overlaps an existing one.
	ErrOccupied = errors.New("address space occupied")

	// ErrNotAllocated reports pages freed that were never allocated as one
	// block.
	ErrNotAllocated = errors.New("pages not allocated")

	errZeroPages = errors.New("zero page count")
)

const (
	// Poison is an instruction that should force a vmexit.
	// It fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

// Memory is a flat guest physical address space starting at zero.
type Memory struct {
	buf     []byte
	mapped  bool
	regions []Region
}

// New maps size bytes of anonymous shared memory.
func New(size int) (*Memory, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return &Memory{buf: buf, mapped: true}, nil
}

// FromBytes wraps an existing buffer.
func FromBytes(b []byte) *Memory {
	return &Memory{buf: b}
}

// Close releases the mapping created by New.
func (m *Memory) Close() error {
	if !m.mapped {
		return nil
	}

	m.mapped = false

	return unix.Munmap(m.buf)
}

// Bytes returns the whole backing buffer.
func (m *Memory) Bytes() []byte {
	return m.buf
}

// Size returns the size of memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf))
}

// Slice returns the n bytes at addr, aliasing guest memory.
func (m *Memory) Slice(addr, n uint64) ([]byte, error) {
	if addr > m.Size() || n > m.Size()-addr {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x) in 0x%x bytes", ErrOutOfRange, addr, addr+n, m.Size())
	}

	return m.buf[addr : addr+n : addr+n], nil
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

// Uint64 reads a little endian word at addr.
func (m *Memory) Uint64(addr uint64) (uint64, error) {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// PutUint64 writes a little endian word at addr.
func (m *Memory) PutUint64(addr, v uint64) error {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(b, v)

	return nil
}

// Fill writes the Poison pattern over [start, end).
// Zero is a valid instruction and running into zeroed memory is
// impossible to diagnose.
func (m *Memory) Fill(start, end uint64) error {
	b, err := m.Slice(start, end-start)
	if err != nil {
		return err
	}

	for i := 0; i < len(b); i += len(Poison) {
		copy(b[i:], Poison)
	}

	return nil
}
