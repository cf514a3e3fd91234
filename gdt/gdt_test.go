package gdt_test

import (
	"encoding/binary"
	"testing"

	"github.com/polished-os/polished/gdt"
)

func TestEntry(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name  string
		flags uint16
		base  uint32
		limit uint32
		exp   uint64
	}{
		{name: "KernelCode", flags: gdt.FlagsKernelCode, limit: 0xfffff, exp: 0x00AF9B000000FFFF},
		{name: "KernelData", flags: gdt.FlagsKernelData, limit: 0xfffff, exp: 0x00CF93000000FFFF},
		{name: "UserCode", flags: gdt.FlagsUserCode, limit: 0xfffff, exp: 0x00AFFB000000FFFF},
		{name: "UserData", flags: gdt.FlagsUserData, limit: 0xfffff, exp: 0x00CFF3000000FFFF},
		{name: "TSS", flags: gdt.FlagsTSS, base: 0x12345678, limit: 0x67, exp: 0x1200893456780067},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := gdt.Entry(tt.flags, tt.base, tt.limit); got != tt.exp {
				t.Fatalf("got: 0x%x, exp: 0x%x", got, tt.exp)
			}
		})
	}
}

func TestTable(t *testing.T) {
	t.Parallel()

	tbl := gdt.New(0x70000, 0x1_2345_6789)

	b, err := tbl.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != gdt.Size {
		t.Fatalf("size got: %d, exp: %d", len(b), gdt.Size)
	}

	if binary.LittleEndian.Uint64(b) != 0 {
		t.Fatalf("null descriptor not zero")
	}

	if p := tbl.Pointer(); p.Base != 0x70000 || p.Limit != gdt.Size-1 {
		t.Fatalf("pointer got: %+v", p)
	}

	for _, tt := range []struct {
		sel uint16
		exp uint16
	}{
		{uint16(gdt.KernelCode), 0x08},
		{uint16(gdt.KernelData), 0x10},
		{uint16(gdt.UserCode), 0x1b},
		{uint16(gdt.UserData), 0x23},
		{uint16(gdt.TSS), 0x28},
	} {
		if tt.sel != tt.exp {
			t.Fatalf("selector got: %#x, exp: %#x", tt.sel, tt.exp)
		}
	}

	kc := tbl.Descriptor(gdt.KernelCode)
	if !kc.Present() || !kc.Code() || !kc.Long() || kc.DPL() != 0 {
		t.Fatalf("kernel code got: %+v", kc)
	}

	uc := tbl.Descriptor(gdt.UserCode)
	if !uc.Code() || uc.DPL() != 3 || gdt.UserCode.RPL() != 3 {
		t.Fatalf("user code got: %+v", uc)
	}

	ud := tbl.Descriptor(gdt.UserData)
	if ud.Code() || ud.DPL() != 3 {
		t.Fatalf("user data got: %+v", ud)
	}

	tss := tbl.Descriptor(gdt.TSS)
	if tss.Base != 0x1_2345_6789 || tss.Limit != gdt.TSSSize-1 || tss.Access != 0x89 {
		t.Fatalf("tss got: %+v", tss)
	}
}

func TestTaskState(t *testing.T) {
	t.Parallel()

	ts := gdt.NewTaskState()

	if err := ts.SetIST(1, 0x74000); err != nil {
		t.Fatal(err)
	}

	if err := ts.SetIST(2, 0x76000); err != nil {
		t.Fatal(err)
	}

	if err := ts.SetIST(0, 1); err == nil {
		t.Fatalf("IST 0 accepted")
	}

	if err := ts.SetIST(8, 1); err == nil {
		t.Fatalf("IST 8 accepted")
	}

	b, err := ts.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != gdt.TSSSize {
		t.Fatalf("size got: %d, exp: %d", len(b), gdt.TSSSize)
	}

	if v := binary.LittleEndian.Uint64(b[36:]); v != 0x74000 {
		t.Fatalf("ist1 got: 0x%x, exp: 0x74000", v)
	}

	if v := binary.LittleEndian.Uint64(b[44:]); v != 0x76000 {
		t.Fatalf("ist2 got: 0x%x, exp: 0x76000", v)
	}

	if v := binary.LittleEndian.Uint16(b[102:]); v != gdt.TSSSize {
		t.Fatalf("iomap got: %d, exp: %d", v, gdt.TSSSize)
	}
}
