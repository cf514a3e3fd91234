package memory_test

import (
	"errors"
	"testing"

	"github.com/polished-os/polished/memory"
)

func TestAllocatePages(t *testing.T) {
	t.Parallel()

	m := memory.FromBytes(make([]byte, 0x10000))

	b, err := m.AllocatePages(0x2000, memory.Code, 2)
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != 2*memory.PageSize {
		t.Fatalf("got: 0x%x, exp: 0x%x", len(b), 2*memory.PageSize)
	}

	b[0] = 0xaa
	if m.Bytes()[0x2000] != 0xaa {
		t.Fatalf("allocation does not alias memory")
	}

	for _, tt := range []struct {
		name  string
		addr  uint64
		count int
		exp   error
	}{
		{name: "Unaligned", addr: 0x4010, count: 1, exp: memory.ErrUnaligned},
		{name: "OverlapStart", addr: 0x1000, count: 2, exp: memory.ErrOccupied},
		{name: "OverlapInside", addr: 0x3000, count: 1, exp: memory.ErrOccupied},
		{name: "PastEnd", addr: 0xf000, count: 2, exp: memory.ErrOutOfRange},
	} {
		if _, err := m.AllocatePages(tt.addr, memory.Data, tt.count); !errors.Is(err, tt.exp) {
			t.Errorf("%s: got: %v, exp: %v", tt.name, err, tt.exp)
		}
	}

	if _, err := m.AllocatePages(0x4000, memory.Data, 1); err != nil {
		t.Fatalf("adjacent allocation: %v", err)
	}

	if _, err := m.AllocatePages(0x1000, memory.Reserved, 1); err != nil {
		t.Fatalf("adjacent allocation: %v", err)
	}

	regions := m.Regions()
	exp := []memory.Region{
		{Start: 0x1000, Pages: 1, Type: memory.Reserved},
		{Start: 0x2000, Pages: 2, Type: memory.Code},
		{Start: 0x4000, Pages: 1, Type: memory.Data},
	}

	if len(regions) != len(exp) {
		t.Fatalf("got: %v, exp: %v", regions, exp)
	}

	for i := range exp {
		if regions[i] != exp[i] {
			t.Errorf("region %d got: %+v, exp: %+v", i, regions[i], exp[i])
		}
	}
}

func TestPageMath(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		addr    uint64
		size    uint64
		aligned uint64
		pages   int
	}{
		{addr: 0x20_1000, size: 0x1000, aligned: 0x20_1000, pages: 1},
		{addr: 0x20_1FF0, size: 0xFF0 + 64, aligned: 0x20_1000, pages: 2},
		{addr: 0x20_1001, size: 1, aligned: 0x20_1000, pages: 1},
		{addr: 0, size: 0, aligned: 0, pages: 0},
	} {
		if got := memory.AlignDown(tt.addr); got != tt.aligned {
			t.Errorf("AlignDown(0x%x) got: 0x%x, exp: 0x%x", tt.addr, got, tt.aligned)
		}

		if got := memory.PagesFor(tt.size); got != tt.pages {
			t.Errorf("PagesFor(0x%x) got: %d, exp: %d", tt.size, got, tt.pages)
		}
	}
}

func TestReadWrite(t *testing.T) {
	t.Parallel()

	m := memory.FromBytes(make([]byte, 0x100))

	if err := m.PutUint64(0x10, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}

	v, err := m.Uint64(0x10)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0x1122334455667788 {
		t.Fatalf("got: 0x%x, exp: 0x%x", v, uint64(0x1122334455667788))
	}

	if _, err := m.WriteAt(make([]byte, 2), 0xff); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("got: %v, exp: %v", err, memory.ErrOutOfRange)
	}

	if err := m.Fill(0x20, 0x30); err != nil {
		t.Fatal(err)
	}

	if string(m.Bytes()[0x20:0x28]) != memory.Poison {
		t.Fatalf("poison not written")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	m, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	if m.Size() != 1<<20 {
		t.Fatalf("got: 0x%x, exp: 0x%x", m.Size(), 1<<20)
	}
}

func TestFreePages(t *testing.T) {
	t.Parallel()

	m := memory.FromBytes(make([]byte, 0x10000))

	if _, err := m.AllocatePages(0x2000, memory.Data, 2); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		addr  uint64
		count int
	}{
		{addr: 0x2000, count: 1},
		{addr: 0x3000, count: 1},
		{addr: 0x4000, count: 2},
	} {
		if err := m.FreePages(tt.addr, tt.count); !errors.Is(err, memory.ErrNotAllocated) {
			t.Fatalf("0x%x/%d got: %v, exp: %v", tt.addr, tt.count, err, memory.ErrNotAllocated)
		}
	}

	if err := m.FreePages(0x2000, 2); err != nil {
		t.Fatal(err)
	}

	if n := len(m.Regions()); n != 0 {
		t.Fatalf("got: %d regions, exp: 0", n)
	}

	if _, err := m.AllocatePages(0x3000, memory.Code, 1); err != nil {
		t.Fatalf("freed pages not reusable: %v", err)
	}
}
