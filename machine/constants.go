package machine

// Guest physical layout.
//
//	0x00001000  firmware GDT
//	0x00008000  trap trampolines, one per vector
//	0x0000a000  return trampoline
//	0x00010000  boot info
//	0x00030000  page tables: PML4, PDPT, 4 page directories
//	0x00070000  kernel GDT and TSS
//	0x00071000  IDT
//	0x00072000  interrupt stacks
//	0x00078000  boot stack, grows down from 0x80000
//	0x00100000  kernel image
//	0x10000000  kernel heap
//	0x12000000  framebuffer
const (
	firmwareGDTAddr = 0x1000

	StubBase   = 0x8000
	StubSize   = 32
	ReturnStub = StubBase + 256*StubSize

	pageTableBase = 0x30000
	pml4Addr      = pageTableBase
	pdptAddr      = pageTableBase + 0x1000
	pdAddr        = pageTableBase + 0x2000
	pdCount       = 4

	bootStackBottom = 0x78000
	BootStackTop    = 0x80000

	ImageBase = 0x100000
	poisonEnd = 0x1100000

	FramebufferBase = 0x1200_0000

	MinMemSize = 512 << 20
)

// I/O ports.
const (
	// TrapPort receives the vector number from a trap trampoline.
	TrapPort = 0x510
	// ReturnPort is written when the kernel entry point returns.
	ReturnPort = 0x511
)

// Firmware selectors.
const (
	firmwareCode = 0x08
	firmwareData = 0x10
)

// Control register bits.
const (
	CR0xPE = 1
	CR0xMP = 1 << 1
	CR0xET = 1 << 4
	CR0xNE = 1 << 5
	CR0xWP = 1 << 16
	CR0xAM = 1 << 18
	CR0xPG = 1 << 31

	CR4xPAE = 1 << 5

	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10

	PDE64xPRESENT = 1
	PDE64xRW      = 1 << 1
	PDE64xPS      = 1 << 7

	rflagsReserved = 1 << 1
	rflagsIF       = 1 << 9
)
