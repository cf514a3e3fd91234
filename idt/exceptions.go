package idt

import "github.com/polished-os/polished/cpu"

// Exception vectors.
const (
	DivideByZero       = 0
	Debug              = 1
	NonMaskable        = 2
	Breakpoint         = 3
	Overflow           = 4
	BoundRange         = 5
	InvalidOpcode      = 6
	DeviceNotAvailable = 7
	DoubleFault        = 8
	InvalidTSS         = 10
	SegmentNotPresent  = 11
	StackSegment       = 12
	GeneralProtection  = 13
	PageFault          = 14
	X87FloatingPoint   = 16
	AlignmentCheck     = 17
	MachineCheck       = 18
	SIMDFloatingPoint  = 19
	Virtualization     = 20

	// NumExceptions is the number of vectors reserved for the processor.
	NumExceptions = 32
)

// Exception describes a processor exception and how it is reported.
type Exception struct {
	Name     string
	Cause    string
	Solution string
	// Benign exceptions are reported and execution resumes.
	Benign bool
}

var reserved = Exception{
	Name:     "RESERVED",
	Cause:    "Reserved vector raised.",
	Solution: "Check for stray software interrupts.",
}

// Exceptions describes vectors 0-31.
var Exceptions = [NumExceptions]Exception{
	DivideByZero:       {Name: "DIVIDE BY ZERO", Cause: "Division by zero.", Solution: "Check divisor before division."},
	Debug:              {Name: "DEBUG", Cause: "Debug exception (breakpoint, single-step).", Solution: "Check debug registers and breakpoints.", Benign: true},
	NonMaskable:        {Name: "NON-MASKABLE INTERRUPT", Cause: "Hardware failure or NMI source.", Solution: "Check hardware and NMI sources."},
	Breakpoint:         {Name: "BREAKPOINT", Cause: "Breakpoint instruction (int3).", Solution: "Check for intentional breakpoints.", Benign: true},
	Overflow:           {Name: "OVERFLOW", Cause: "INTO instruction overflow.", Solution: "Check arithmetic operations for overflow."},
	BoundRange:         {Name: "BOUND RANGE EXCEEDED", Cause: "BOUND instruction out of range.", Solution: "Check array bounds."},
	InvalidOpcode:      {Name: "INVALID OPCODE", Cause: "Invalid or undefined instruction.", Solution: "Check for unsupported CPU instructions."},
	DeviceNotAvailable: {Name: "DEVICE NOT AVAILABLE", Cause: "FPU or device not available.", Solution: "Check FPU usage and TS flag."},
	DoubleFault:        {Name: "DOUBLE FAULT", Cause: "Exception during exception handling.", Solution: "Check stack overflows and handler correctness."},
	9:                  {Name: "COPROCESSOR SEGMENT OVERRUN", Cause: "Legacy coprocessor fault.", Solution: "Check x87 memory operands."},
	InvalidTSS:         {Name: "INVALID TSS", Cause: "Invalid Task State Segment.", Solution: "Check TSS setup and task switching."},
	SegmentNotPresent:  {Name: "SEGMENT NOT PRESENT", Cause: "Segment not present in memory.", Solution: "Check segment descriptors."},
	StackSegment:       {Name: "STACK SEGMENT FAULT", Cause: "Stack segment error.", Solution: "Check stack pointers and segment limits."},
	GeneralProtection:  {Name: "GENERAL PROTECTION FAULT", Cause: "Invalid memory access or segment.", Solution: "Check segment selectors and memory accesses."},
	PageFault:          {Name: "PAGE FAULT", Cause: "Invalid memory access.", Solution: "Check page tables and memory accesses."},
	15:                 reserved,
	X87FloatingPoint:   {Name: "X87 FLOATING POINT", Cause: "x87 FPU error.", Solution: "Check floating point operations."},
	AlignmentCheck:     {Name: "ALIGNMENT CHECK", Cause: "Unaligned memory access.", Solution: "Check data alignment."},
	MachineCheck:       {Name: "MACHINE CHECK", Cause: "Hardware error.", Solution: "Check hardware status and logs."},
	SIMDFloatingPoint:  {Name: "SIMD FLOATING POINT", Cause: "SIMD FPU error.", Solution: "Check SIMD operations."},
	Virtualization:     {Name: "VIRTUALIZATION", Cause: "Virtualization instruction error.", Solution: "Check virtualization support and usage."},
	21:                 {Name: "CONTROL PROTECTION", Cause: "Control flow violation.", Solution: "Check indirect branch targets and shadow stack."},
	22:                 reserved,
	23:                 reserved,
	24:                 reserved,
	25:                 reserved,
	26:                 reserved,
	27:                 reserved,
	28:                 {Name: "HYPERVISOR INJECTION", Cause: "Event injected by the hypervisor.", Solution: "Check hypervisor configuration."},
	29:                 {Name: "VMM COMMUNICATION", Cause: "Request from the secure VM monitor.", Solution: "Check SEV-ES configuration."},
	30:                 {Name: "SECURITY", Cause: "Security sensitive event.", Solution: "Check SVM security configuration."},
	31:                 reserved,
}

// ExceptionHandler reports the exception and, unless it is benign, halts.
func ExceptionHandler(hw cpu.Hardware, log Logger, e Exception) Handler {
	return func(f *cpu.Frame) {
		if e.Benign {
			log.Warnf("EXCEPTION: %s", e.Name)
		} else {
			log.Errorf("EXCEPTION: %s", e.Name)
		}

		log.Printf("    %s", f)

		if cpu.HasErrorCode(f.Vector) {
			log.Errorf("Error Code: 0x%x", f.ErrorCode)
		}

		log.Suggestf("Possible cause: %s Solution: %s", e.Cause, e.Solution)

		if e.Benign {
			return
		}

		cpu.HaltLoop(hw)
	}
}

// InstallExceptions registers handlers for all processor exceptions and
// puts double fault and NMI on their own interrupt stacks.
func InstallExceptions(t *Table, hw cpu.Hardware, log Logger, dfStack, nmiStack uint8) error {
	for v, e := range Exceptions {
		if err := t.Register(uint8(v), ExceptionHandler(hw, log, e)); err != nil {
			return err
		}
	}

	if err := t.SetStack(DoubleFault, dfStack); err != nil {
		return err
	}

	return t.SetStack(NonMaskable, nmiStack)
}
