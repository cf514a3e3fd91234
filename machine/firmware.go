package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/gdt"
	"github.com/polished-os/polished/memory"
)

// Trampoline returns the code a vector's gate points at: it reports the
// vector on TrapPort, drops the error code if the processor pushed one and
// returns with iretq.
func Trampoline(vector uint8) []byte {
	code := []byte{
		0x50,         // push rax
		0x52,         // push rdx
		0xb0, vector, // mov al, vector
		0x66, 0xba, TrapPort & 0xff, TrapPort >> 8, // mov dx, TrapPort
		0xee, // out dx, al
		0x5a, // pop rdx
		0x58, // pop rax
	}

	if cpu.HasErrorCode(vector) {
		code = append(code, 0x48, 0x83, 0xc4, 0x08) // add rsp, 8
	}

	return append(code, 0x48, 0xcf) // iretq
}

// ReturnTrampoline is the code a returning kernel entry point lands in.
func ReturnTrampoline() []byte {
	return []byte{
		0x66, 0xba, ReturnPort & 0xff, ReturnPort >> 8, // mov dx, ReturnPort
		0xee,       // out dx, al
		0xfa,       // cli
		0xf4,       // hlt
		0xeb, 0xfc, // jmp hlt
	}
}

// firmwareGDT is the descriptor table the kernel is entered with.
var firmwareGDT = []uint64{
	0,
	gdt.Entry(gdt.FlagsKernelCode, 0, 0xfffff),
	gdt.Entry(gdt.FlagsKernelData, 0, 0xfffff),
}

type reservation struct {
	addr  uint64
	pages int
}

var reserved = []reservation{
	{0, 1},
	{firmwareGDTAddr, 1},
	{StubBase, memory.PagesFor(ReturnStub + StubSize - StubBase)},
	{pageTableBase, 2 + pdCount},
	{bootStackBottom, memory.PagesFor(BootStackTop - bootStackBottom)},
}

// WriteFirmware reserves the firmware's own regions in mem and writes the
// descriptor table, identity page tables covering 4 GiB with 2 MiB pages
// and the trampolines.
func WriteFirmware(mem *memory.Memory) error {
	for _, r := range reserved {
		if _, err := mem.AllocatePages(r.addr, memory.Reserved, r.pages); err != nil {
			return fmt.Errorf("reserving 0x%x: %w", r.addr, err)
		}
	}

	for i, e := range firmwareGDT {
		if err := mem.PutUint64(firmwareGDTAddr+uint64(i)*8, e); err != nil {
			return err
		}
	}

	const flags = PDE64xPRESENT | PDE64xRW

	if err := mem.PutUint64(pml4Addr, pdptAddr|flags); err != nil {
		return err
	}

	for i := uint64(0); i < pdCount; i++ {
		if err := mem.PutUint64(pdptAddr+i*8, pdAddr+i*0x1000|flags); err != nil {
			return err
		}
	}

	pd := make([]byte, pdCount*0x1000)
	for i := uint64(0); i < pdCount*512; i++ {
		binary.LittleEndian.PutUint64(pd[i*8:], i<<21|flags|PDE64xPS)
	}

	if _, err := mem.WriteAt(pd, pdAddr); err != nil {
		return err
	}

	for v := 0; v < 256; v++ {
		if _, err := mem.WriteAt(Trampoline(uint8(v)), int64(StubBase+v*StubSize)); err != nil {
			return err
		}
	}

	_, err := mem.WriteAt(ReturnTrampoline(), ReturnStub)

	return err
}
