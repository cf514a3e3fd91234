package memory

import (
	"fmt"
	"slices"
	"sort"
)

// Type classifies an allocation in the memory map.
type Type uint8

const (
	// Reserved memory belongs to the firmware itself.
	Reserved Type = iota
	// Code holds executable image segments.
	Code
	// Data holds everything else handed to the kernel.
	Data
)

func (t Type) String() string {
	switch t {
	case Reserved:
		return "reserved"
	case Code:
		return "code"
	case Data:
		return "data"
	}

	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Region is one entry of the memory map.
type Region struct {
	Start uint64
	Pages int
	Type  Type
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Start + uint64(r.Pages)*PageSize
}

func (r Region) overlaps(start, end uint64) bool {
	return start < r.End() && r.Start < end
}

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n uint64) int {
	return int((n + PageSize - 1) / PageSize)
}

// AllocatePages claims count pages at exactly addr and returns them.
// It never relocates: a misaligned, out of range or overlapping request fails.
func (m *Memory) AllocatePages(addr uint64, typ Type, count int) ([]byte, error) {
	if addr%PageSize != 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnaligned, addr)
	}

	if count <= 0 {
		return nil, fmt.Errorf("%w: at 0x%x", errZeroPages, addr)
	}

	size := uint64(count) * PageSize

	b, err := m.Slice(addr, size)
	if err != nil {
		return nil, err
	}

	for _, r := range m.regions {
		if r.overlaps(addr, addr+size) {
			return nil, fmt.Errorf("%w: [0x%x, 0x%x) overlaps %s region at 0x%x",
				ErrOccupied, addr, addr+size, r.Type, r.Start)
		}
	}

	m.regions = append(m.regions, Region{Start: addr, Pages: count, Type: typ})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Start < m.regions[j].Start })

	return b, nil
}

// FreePages releases a block claimed by AllocatePages. addr and count must
// match the allocation exactly.
func (m *Memory) FreePages(addr uint64, count int) error {
	for i, r := range m.regions {
		if r.Start == addr && r.Pages == count {
			m.regions = slices.Delete(m.regions, i, i+1)

			return nil
		}
	}

	return fmt.Errorf("%w: %d pages at 0x%x", ErrNotAllocated, count, addr)
}

// Regions returns a copy of the memory map, sorted by address.
func (m *Memory) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)

	return out
}
