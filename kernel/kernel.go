// Package kernel performs early bring-up: descriptor tables, fault stacks,
// the vector table, interrupt controllers, the keyboard and the heap.
package kernel

import (
	"errors"
	"fmt"
	"io"

	"github.com/polished-os/polished/boot"
	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/framebuffer"
	"github.com/polished-os/polished/gdt"
	"github.com/polished-os/polished/heap"
	"github.com/polished-os/polished/idt"
	"github.com/polished-os/polished/klog"
	"github.com/polished-os/polished/memory"
	"github.com/polished-os/polished/oncecell"
	"github.com/polished-os/polished/pic"
	"github.com/polished-os/polished/ps2"
)

// Physical layout of the structures built here.
const (
	GDTBase = 0x70000
	TSSBase = 0x70100
	IDTBase = 0x71000

	stacksBase = 0x72000
	stackSize  = 0x2000

	HeapBase = heap.Base
	HeapSize = heap.Size

	// IST slots in the TSS.
	DoubleFaultIST = 1
	NMIIST         = 2
)

// ErrOutOfOrder reports a bring-up stage called before its predecessor.
var ErrOutOfOrder = errors.New("bring-up stage out of order")

// Memory is the physical memory the kernel builds its tables in.
type Memory interface {
	io.ReaderAt
	io.WriterAt
	Slice(addr, n uint64) ([]byte, error)
	AllocatePages(addr uint64, typ memory.Type, count int) ([]byte, error)
	FreePages(addr uint64, count int) error
}

// Stack is an interrupt stack [Bottom, Top).
type Stack struct {
	Bottom uint64
	Top    uint64
}

// Pointer returns the initial stack pointer, aligned to 16 bytes.
func (s Stack) Pointer() uint64 {
	return s.Top &^ 0xf
}

// Contains reports whether a stack pointer value lies within the stack.
func (s Stack) Contains(sp uint64) bool {
	return sp > s.Bottom && sp <= s.Top
}

// State is the bring-up progress.
type State int

const (
	Uninitialized State = iota
	DescriptorTableBuilt
	FaultStacksReady
	VectorTableBuilt
	Armed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case DescriptorTableBuilt:
		return "descriptor table built"
	case FaultStacksReady:
		return "fault stacks ready"
	case VectorTableBuilt:
		return "vector table built"
	case Armed:
		return "armed"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Kernel owns everything bring-up creates.
type Kernel struct {
	hw    cpu.Hardware
	mem   Memory
	log   idt.Logger
	state State

	gdt  oncecell.Cell[*gdt.Table]
	idt  oncecell.Cell[*idt.Table]
	heap oncecell.Cell[*heap.Heap]

	DoubleFault Stack
	NMI         Stack

	pic     *pic.PIC
	ps2     *ps2.Controller
	devices *idt.Devices
}

// New returns a kernel that has done nothing yet.
func New(hw cpu.Hardware, mem Memory, log idt.Logger) *Kernel {
	p := pic.New(hw)

	return &Kernel{
		hw:      hw,
		mem:     mem,
		log:     log,
		pic:     p,
		ps2:     ps2.New(hw, p, log),
		devices: idt.NewDevices(hw, p, log),
		DoubleFault: Stack{
			Bottom: stacksBase,
			Top:    stacksBase + stackSize,
		},
		NMI: Stack{
			Bottom: stacksBase + stackSize,
			Top:    stacksBase + 2*stackSize,
		},
	}
}

// State returns how far bring-up has progressed.
func (k *Kernel) State() State {
	return k.state
}

// Devices returns the device interrupt handlers.
func (k *Kernel) Devices() *idt.Devices {
	return k.devices
}

// stage runs f when the kernel is exactly in state from. A stage that has
// already completed is skipped.
func (k *Kernel) stage(from, to State, f func() error) error {
	switch {
	case k.state >= to:
		return nil
	case k.state != from:
		return fmt.Errorf("%w: %s requires %s, at %s", ErrOutOfOrder, to, from, k.state)
	}

	if err := f(); err != nil {
		return fmt.Errorf("%s: %w", to, err)
	}

	k.state = to

	return nil
}

func (k *Kernel) descriptorTable() (*gdt.Table, error) {
	return k.gdt.GetOrInit(func() (*gdt.Table, error) {
		if _, err := k.mem.AllocatePages(GDTBase, memory.Data, 1); err != nil {
			return nil, err
		}

		return gdt.New(GDTBase, TSSBase), nil
	})
}

func (k *Kernel) writeTSS(t *gdt.Table) error {
	b, err := t.TSS.Bytes()
	if err != nil {
		return err
	}

	_, err = k.mem.WriteAt(b, int64(t.TSSBase))

	return err
}

// BuildDescriptorTable builds and loads the GDT and TSS and reloads the
// segment registers.
func (k *Kernel) BuildDescriptorTable() error {
	return k.stage(Uninitialized, DescriptorTableBuilt, func() error {
		t, err := k.descriptorTable()
		if err != nil {
			return err
		}

		b, err := t.Bytes()
		if err != nil {
			return err
		}

		if _, err := k.mem.WriteAt(b, int64(t.Base)); err != nil {
			return err
		}

		if err := k.writeTSS(t); err != nil {
			return err
		}

		if err := k.hw.LoadGDT(t.Pointer()); err != nil {
			return err
		}

		if err := k.hw.ReloadSegments(gdt.KernelCode, gdt.KernelData); err != nil {
			return err
		}

		return k.hw.LoadTSS(gdt.TSS)
	})
}

// PrepareFaultStacks reserves the double fault and NMI stacks and points
// the TSS interrupt stack slots at them.
func (k *Kernel) PrepareFaultStacks() error {
	return k.stage(DescriptorTableBuilt, FaultStacksReady, func() error {
		t, _ := k.gdt.Get()

		pages := memory.PagesFor(k.NMI.Top - k.DoubleFault.Bottom)
		if _, err := k.mem.AllocatePages(k.DoubleFault.Bottom, memory.Data, pages); err != nil {
			return err
		}

		err := t.TSS.SetIST(DoubleFaultIST, k.DoubleFault.Pointer())
		if err == nil {
			err = t.TSS.SetIST(NMIIST, k.NMI.Pointer())
		}

		if err == nil {
			err = k.writeTSS(t)
		}

		if err != nil {
			return errors.Join(err, k.mem.FreePages(k.DoubleFault.Bottom, pages))
		}

		return nil
	})
}

func (k *Kernel) vectorTable() (*idt.Table, error) {
	return k.idt.GetOrInit(func() (*idt.Table, error) {
		if _, err := k.mem.AllocatePages(IDTBase, memory.Data, memory.PagesFor(idt.Size)); err != nil {
			return nil, err
		}

		t := idt.New(k.hw, IDTBase)

		if err := idt.InstallExceptions(t, k.hw, k.log, DoubleFaultIST, NMIIST); err != nil {
			return nil, err
		}

		if err := idt.InstallIRQs(t, k.devices); err != nil {
			return nil, err
		}

		return t, nil
	})
}

// BuildVectorTable registers the exception and device handlers.
func (k *Kernel) BuildVectorTable() error {
	return k.stage(FaultStacksReady, VectorTableBuilt, func() error {
		_, err := k.vectorTable()

		return err
	})
}

// Arm loads the IDT and enables interrupts.
func (k *Kernel) Arm() error {
	return k.stage(VectorTableBuilt, Armed, func() error {
		t, _ := k.idt.Get()

		if err := t.Load(k.mem); err != nil {
			return err
		}

		k.hw.EnableInterrupts()

		return nil
	})
}

// Init runs every bring-up stage in order.
func (k *Kernel) Init() error {
	for _, f := range []func() error{
		k.BuildDescriptorTable,
		k.PrepareFaultStacks,
		k.BuildVectorTable,
		k.Arm,
	} {
		if err := f(); err != nil {
			return err
		}
	}

	return nil
}

// Heap returns the kernel heap, reserving its arena on first use.
func (k *Kernel) Heap() (*heap.Heap, error) {
	return k.heap.GetOrInit(func() (*heap.Heap, error) {
		if _, err := k.mem.AllocatePages(HeapBase, memory.Data, memory.PagesFor(HeapSize)); err != nil {
			return nil, fmt.Errorf("reserving heap: %w", err)
		}

		return heap.New(HeapBase, HeapSize)
	})
}

// Start brings the kernel up and starts the timer and keyboard.
// A keyboard that fails to initialise is reported and left disabled.
func (k *Kernel) Start() error {
	if err := k.Init(); err != nil {
		return err
	}

	k.pic.Remap(pic.Offset1, pic.Offset2)
	k.pic.Unmask(0)

	if err := k.ps2.Init(); err != nil {
		k.log.Errorf("PS/2 initialisation failed: %v", err)
	}

	h, err := k.Heap()
	if err != nil {
		return err
	}

	lo, hi := h.Range()
	k.log.Infof("Heap initialised at 0x%x-0x%x", lo, hi)
	k.log.Infof("Hello from the kernel!")

	return nil
}

// Banner is drawn in the top left corner of the boot screen.
const Banner = "polished"

// Display draws the boot screen on the framebuffer described by info: a
// border, both diagonals and the banner. The screen is composed in a back
// buffer taken from the heap, or directly on the framebuffer when the heap
// cannot hold it.
func (k *Kernel) Display(info framebuffer.Info) error {
	front, err := k.mem.Slice(info.Address, info.Size)
	if err != nil {
		return fmt.Errorf("framebuffer: %w", err)
	}

	h, err := k.Heap()
	if err != nil {
		return err
	}

	pixels := front

	back, err := h.Alloc(info.Size)
	if err == nil {
		pixels, err = k.mem.Slice(back, info.Size)
	}

	if err != nil {
		k.log.Warnf("Drawing without a back buffer: %v", err)

		pixels = front
	} else {
		defer func() {
			if err := h.Free(back); err != nil {
				k.log.Warnf("Back buffer at 0x%x not freed: %v", back, err)
			}
		}()
	}

	s, err := framebuffer.NewSurface(info, pixels)
	if err != nil {
		return err
	}

	s.Clear()

	w, ht := int(info.Width)-1, int(info.Height)-1
	s.Line(0, 0, w, 0)
	s.Line(w, 0, w, ht)
	s.Line(w, ht, 0, ht)
	s.Line(0, ht, 0, 0)
	s.XDemo()

	dc := s.Context()
	dc.SetRGB(1, 1, 1)
	dc.DrawString(Banner, 8, 16)
	s.Flush(dc)

	memory.Copy(front, pixels)

	return nil
}

// framebufferAt reads the framebuffer description the bootloader placed at
// addr. A zero sized description means there is no framebuffer.
func (k *Kernel) framebufferAt(addr uint64) (framebuffer.Info, bool, error) {
	b := make([]byte, framebuffer.InfoSize)
	if _, err := k.mem.ReadAt(b, int64(addr)); err != nil {
		return framebuffer.Info{}, false, err
	}

	info, err := framebuffer.Decode(b)
	if err != nil {
		return framebuffer.Info{}, false, err
	}

	return info, info.Size != 0 && info.Width != 0 && info.Height != 0, nil
}

// Transferer starts the kernel before handing control to the next
// transferer.
type Transferer struct {
	Kernel *Kernel
	Next   boot.Transferer
}

// Transfer brings the kernel up, draws the boot screen on the framebuffer
// described at arg and transfers to entry. A failed bring-up is reported as
// a kernel panic and returned. A halt ends the transfer with cpu.ErrHalted.
func (t *Transferer) Transfer(entry boot.Entry, arg uint64) (err error) {
	defer cpu.Recover(&err)

	k := t.Kernel

	if err := k.Start(); err != nil {
		return klog.Fatal(k.hw, klog.Caller(0), fmt.Errorf("kernel bring-up: %w", err))
	}

	switch info, ok, err := k.framebufferAt(arg); {
	case err != nil:
		k.log.Warnf("No framebuffer description at 0x%x: %v", arg, err)
	case !ok:
		k.log.Warnf("No framebuffer described at 0x%x", arg)
	default:
		if err := k.Display(info); err != nil {
			k.log.Warnf("Boot screen not drawn: %v", err)
		}
	}

	return t.Next.Transfer(entry, arg)
}
