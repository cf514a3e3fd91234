package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/polished-os/polished/kvm"
)

func TestIoctlNumbers(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		got  uintptr
		exp  uintptr
	}{
		{name: "Run", got: kvm.IIO(0x80), exp: 0xae80},
		{name: "GetRegs", got: kvm.IIOR(0x81, unsafe.Sizeof(kvm.Regs{})), exp: 0x8090ae81},
		{name: "SetRegs", got: kvm.IIOW(0x82, unsafe.Sizeof(kvm.Regs{})), exp: 0x4090ae82},
		{name: "GetSregs", got: kvm.IIOR(0x83, unsafe.Sizeof(kvm.Sregs{})), exp: 0x8138ae83},
		{name: "SetSregs", got: kvm.IIOW(0x84, unsafe.Sizeof(kvm.Sregs{})), exp: 0x4138ae84},
		{name: "SetUserMemoryRegion", got: kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})), exp: 0x4020ae46},
		{name: "Interrupt", got: kvm.IIOW(0x86, 4), exp: 0x4004ae86},
		{name: "GetSupportedCPUID", got: kvm.IIOWR(0x05, 8), exp: 0xc008ae05},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.got != tt.exp {
				t.Fatalf("got: 0x%x, exp: 0x%x", tt.got, tt.exp)
			}
		})
	}
}

func TestLongMode(t *testing.T) {
	t.Parallel()

	long := kvm.Sregs{CR0: 1<<31 | 1, EFER: 1<<10 | 1<<8}
	long.CS.L = 1

	compat := long
	compat.CS.L = 0

	noPaging := long
	noPaging.CR0 = 1

	for _, tt := range []struct {
		name  string
		sregs kvm.Sregs
		exp   bool
	}{
		{name: "long", sregs: long, exp: true},
		{name: "compatibility", sregs: compat, exp: false},
		{name: "no paging", sregs: noPaging, exp: false},
		{name: "reset", sregs: kvm.Sregs{}, exp: false},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.sregs.LongMode(); got != tt.exp {
				t.Fatalf("got: %t, exp: %t", got, tt.exp)
			}
		})
	}
}

func TestSegmentString(t *testing.T) {
	t.Parallel()

	s := kvm.Segment{Selector: 0x08, Limit: 0xffffffff, Typ: 0xb, L: 1}
	exp := "sel=0x8 base=0x0 limit=0xffffffff type=0xb dpl=0 l=1 db=0"

	if s.String() != exp {
		t.Fatalf("got: %s, exp: %s", s.String(), exp)
	}

	s.Unusable = 1
	if s.String() != "sel=0x8 unusable" {
		t.Fatalf("got: %s, exp: sel=0x8 unusable", s.String())
	}
}

func TestRunDataIO(t *testing.T) {
	t.Parallel()

	r := kvm.RunData{}
	// out, 1 byte, port 0x3f8, count 1, data at offset 0x28
	r.Data[0] = 1 | 1<<8 | 0x3f8<<16 | 1<<32
	r.Data[1] = 0x28

	dir, size, port, count, offset := r.IO()
	if dir != kvm.EXITIOOUT || size != 1 || port != 0x3f8 || count != 1 || offset != 0x28 {
		t.Fatalf("got: %d %d 0x%x %d 0x%x", dir, size, port, count, offset)
	}
}

func TestExitTypeString(t *testing.T) {
	t.Parallel()

	if s := kvm.EXITHLT.String(); s != "EXITHLT" {
		t.Fatalf("got: %s, exp: EXITHLT", s)
	}

	if s := kvm.ExitType(99).String(); s != "ExitType(99)" {
		t.Fatalf("got: %s, exp: ExitType(99)", s)
	}
}

func TestAPIVersion(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	t.Parallel()

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("no kvm device: %v", err)
	}

	defer devKVM.Close()

	v, err := kvm.GetAPIVersion(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if v != kvm.APIVersion {
		t.Fatalf("got: %d, exp: %d", v, kvm.APIVersion)
	}

	n, err := kvm.CheckExtension(devKVM.Fd(), kvm.CapUserMemory)
	if err != nil {
		t.Fatal(err)
	}

	if n == 0 {
		t.Fatalf("CapUserMemory unsupported")
	}
}
