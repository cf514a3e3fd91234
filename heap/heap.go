// Package heap is a buddy allocator handing out addresses from a fixed
// physical arena. It keeps its bookkeeping outside the arena.
package heap

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
)

const (
	// Base and Size place the kernel heap.
	Base = 0x1000_0000
	Size = 0x0100_0000

	// MinBlock is the smallest block handed out.
	MinBlock = 64

	minOrder = 6
	orders   = 33
)

var (
	ErrNoMemory    = errors.New("out of heap memory")
	ErrInvalidFree = errors.New("address was not allocated")
	ErrArena       = errors.New("invalid heap arena")
)

// Heap is a buddy allocator.
type Heap struct {
	base, size uint64

	free  [orders][]uint64
	used  map[uint64]int
	inUse uint64
}

// New returns an allocator over [base, base+size). The range is split into
// the largest naturally aligned blocks it contains.
func New(base, size uint64) (*Heap, error) {
	if size < MinBlock || base%MinBlock != 0 {
		return nil, fmt.Errorf("%w: base 0x%x size 0x%x", ErrArena, base, size)
	}

	h := &Heap{base: base, size: size, used: map[uint64]int{}}

	end := (base + size) &^ (MinBlock - 1)
	for addr := base; addr < end; {
		order := bits.TrailingZeros64(addr)
		if addr == 0 || order >= orders {
			order = orders - 1
		}

		for uint64(1)<<order > end-addr {
			order--
		}

		h.push(order, addr)
		addr += 1 << order
	}

	return h, nil
}

func (h *Heap) push(order int, addr uint64) {
	l := h.free[order]
	i, _ := slices.BinarySearch(l, addr)
	h.free[order] = slices.Insert(l, i, addr)
}

func (h *Heap) remove(order int, addr uint64) bool {
	i, ok := slices.BinarySearch(h.free[order], addr)
	if ok {
		h.free[order] = slices.Delete(h.free[order], i, i+1)
	}

	return ok
}

func orderOf(n uint64) int {
	if n <= MinBlock {
		return minOrder
	}

	return bits.Len64(n - 1)
}

// Alloc returns the address of a block of at least n bytes, aligned to its
// own size.
func (h *Heap) Alloc(n uint64) (uint64, error) {
	want := orderOf(n)
	if want >= orders {
		return 0, fmt.Errorf("%w: %d bytes", ErrNoMemory, n)
	}

	order := want
	for order < orders && len(h.free[order]) == 0 {
		order++
	}

	if order == orders {
		return 0, fmt.Errorf("%w: %d bytes", ErrNoMemory, n)
	}

	addr := h.free[order][0]
	h.free[order] = h.free[order][1:]

	for order > want {
		order--
		h.push(order, addr+1<<order)
	}

	h.used[addr] = want
	h.inUse += 1 << want

	return addr, nil
}

// Free returns a block obtained from Alloc and merges it with its buddy
// while both halves are free.
func (h *Heap) Free(addr uint64) error {
	order, ok := h.used[addr]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrInvalidFree, addr)
	}

	delete(h.used, addr)
	h.inUse -= 1 << order

	for order < orders-1 {
		buddy := addr ^ 1<<order
		if buddy < h.base || buddy+1<<order > h.base+h.size || !h.remove(order, buddy) {
			break
		}

		addr = min(addr, buddy)
		order++
	}

	h.push(order, addr)

	return nil
}

// InUse returns the bytes held by live allocations, rounded to block size.
func (h *Heap) InUse() uint64 {
	return h.inUse
}

// Range returns the arena bounds.
func (h *Heap) Range() (uint64, uint64) {
	return h.base, h.base + h.size
}

// Largest returns the size of the largest free block.
func (h *Heap) Largest() uint64 {
	for order := orders - 1; order >= minOrder; order-- {
		if len(h.free[order]) > 0 {
			return 1 << order
		}
	}

	return 0
}
