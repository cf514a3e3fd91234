// Package machine is a single vCPU KVM virtual machine that plays the part
// of the firmware: it owns guest memory, emulates the legacy devices the
// kernel talks to, and enters the kernel in long mode.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/polished-os/polished/boot"
	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/device"
	"github.com/polished-os/polished/iodev"
	"github.com/polished-os/polished/kvm"
	"github.com/polished-os/polished/memory"
	"github.com/polished-os/polished/serial"
	"golang.org/x/sys/unix"
)

var (
	// ErrMemSize reports a guest memory size below MinMemSize.
	ErrMemSize = errors.New("guest memory too small")

	// ErrShutdown reports a triple fault.
	ErrShutdown = errors.New("guest shut down")

	// ErrUnexpectedPort reports guest I/O to a port without a device.
	ErrUnexpectedPort = errors.New("unexpected io port")

	// ErrNoTrapHandler reports a trap taken before SetTrapHandler.
	ErrNoTrapHandler = errors.New("no trap handler")

	// ErrReset reports a reset requested through the sleep control port.
	ErrReset = errors.New("guest requested reset")
)

// Options configure New.
type Options struct {
	// Dev is the kvm device, /dev/kvm when empty.
	Dev string
	// MemSize is the guest memory size in bytes.
	MemSize int
	// Console receives COM1 output, os.Stdout when nil.
	Console io.Writer
	// Verbose logs exits, traps and POST codes.
	Verbose bool
}

// Machine is the virtual machine. It implements cpu.Hardware for code that
// runs on behalf of the guest and boot.Transferer for entering it.
type Machine struct {
	kvmFd, vmFd, vcpuFd uintptr
	kvmFile             *os.File
	runMap              []byte
	run                 *kvm.RunData

	mem *memory.Memory

	bus      device.Bus
	pic      *device.PIC
	keyboard *device.I8042
	serial   *serial.Serial
	post     *device.PostCodeDevice

	// register cache, valid while loaded and written back when dirty
	regs   *kvm.Regs
	sregs  *kvm.Sregs
	loaded bool
	dirty  bool
	err    error

	trap cpu.TrapHandler

	// set by the sleep control port; the run loop returns exitErr
	exiting bool
	exitErr error

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	verbose bool
}

// New creates the VM, its memory and devices, and puts the vCPU in long
// mode with the firmware's descriptor table and page tables.
func New(opts Options) (*Machine, error) {
	if opts.MemSize < MinMemSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrMemSize, opts.MemSize, MinMemSize)
	}

	if opts.Dev == "" {
		opts.Dev = "/dev/kvm"
	}

	if opts.Console == nil {
		opts.Console = os.Stdout
	}

	m := &Machine{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		verbose: opts.Verbose,
	}

	if err := m.open(opts.Dev); err != nil {
		m.Close()

		return nil, err
	}

	if err := m.setupMemory(opts.MemSize); err != nil {
		m.Close()

		return nil, err
	}

	if err := m.setupDevices(opts.Console); err != nil {
		m.Close()

		return nil, err
	}

	if err := m.setupRegs(); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func (m *Machine) open(dev string) error {
	f, err := os.OpenFile(dev, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%s: %w", dev, err)
	}

	m.kvmFile = f
	m.kvmFd = f.Fd()

	v, err := kvm.GetAPIVersion(m.kvmFd)
	if err != nil {
		return err
	}

	if v != 12 {
		return fmt.Errorf("%w: %d", kvm.ErrAPIVersion, v)
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return err
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return err
	}

	if m.vcpuFd, err = kvm.CreateVCPU(m.vmFd, 0); err != nil {
		return fmt.Errorf("CreateVCPU: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return err
	}

	m.runMap, err = unix.Mmap(int(m.vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap kvm_run: %w", err)
	}

	m.run = (*kvm.RunData)(unsafe.Pointer(&m.runMap[0]))

	return nil
}

func (m *Machine) setupMemory(size int) error {
	mem, err := memory.New(size)
	if err != nil {
		return err
	}

	m.mem = mem

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(size),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem.Bytes()[0]))),
	})
	if err != nil {
		return err
	}

	if err := mem.Fill(ImageBase, poisonEnd); err != nil {
		return err
	}

	return WriteFirmware(mem)
}

func (m *Machine) setupDevices(console io.Writer) error {
	m.pic = device.NewPIC(m.notify)
	m.keyboard = device.NewI8042(m.pic.Raise)
	m.serial = serial.New(console, m.pic.Raise)
	m.post = &device.PostCodeDevice{}

	if m.verbose {
		m.post.Out = console
	}

	return m.bus.Add(
		m.pic.Master(),
		m.pic.Slave(),
		m.keyboard,
		m.serial,
		m.post,
		&iodev.NoopDevice{Port: 0x40, Psize: 4}, // PIT
		&iodev.NoopDevice{Port: 0x70, Psize: 2}, // CMOS clock
		&iodev.NoopDevice{Port: 0x81, Psize: 0x1f}, // DMA page registers
		&iodev.NoopDevice{Port: 0x2e8, Psize: 8},   // COM4
		&iodev.NoopDevice{Port: 0x2f8, Psize: 8},   // COM2
		&iodev.NoopDevice{Port: 0x3b4, Psize: 2},   // VGA
		&iodev.NoopDevice{Port: 0x3c0, Psize: 0x1b},
		&iodev.NoopDevice{Port: 0x3e8, Psize: 8}, // COM3
		&iodev.NoopDevice{Port: 0xcf8, Psize: 8}, // PCI configuration
		iodev.NewShutdownDevice(m.reset, m.powerOff),
	)
}

func (m *Machine) reset() {
	m.exiting, m.exitErr = true, ErrReset
}

func (m *Machine) powerOff() {
	if m.verbose {
		log.Printf("power off")
	}

	m.exiting = true
}

// setupRegs is the long mode entry state: flat 64-bit code, flat data,
// paging over the identity tables.
func (m *Machine) setupRegs() error {
	if err := m.load(); err != nil {
		return err
	}

	code := kvm.Segment{
		Base: 0, Limit: 0xffffffff, Selector: firmwareCode,
		Typ: 0xb, Present: 1, S: 1, L: 1, G: 1,
	}
	data := kvm.Segment{
		Base: 0, Limit: 0xffffffff, Selector: firmwareData,
		Typ: 0x3, Present: 1, S: 1, DB: 1, G: 1,
	}

	s := m.sregs
	s.CS = code
	s.DS, s.ES, s.FS, s.GS, s.SS = data, data, data, data, data
	s.GDT = kvm.Descriptor{Base: firmwareGDTAddr, Limit: uint16(len(firmwareGDT)*8 - 1)}
	s.CR3 = pml4Addr
	s.CR4 = CR4xPAE
	s.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	s.EFER = EFERxLME | EFERxLMA

	m.regs.RFLAGS = rflagsReserved
	m.regs.RSP = BootStackTop
	m.dirty = true

	return m.flush()
}

// Close releases the VM and its memory.
func (m *Machine) Close() error {
	var errs []error

	if m.runMap != nil {
		errs = append(errs, unix.Munmap(m.runMap))
		m.runMap, m.run = nil, nil
	}

	for _, fd := range []uintptr{m.vcpuFd, m.vmFd} {
		if fd != 0 {
			errs = append(errs, unix.Close(int(fd)))
		}
	}

	m.vcpuFd, m.vmFd = 0, 0

	if m.kvmFile != nil {
		errs = append(errs, m.kvmFile.Close())
		m.kvmFile = nil
	}

	if m.mem != nil {
		errs = append(errs, m.mem.Close())
		m.mem = nil
	}

	return errors.Join(errs...)
}

// Memory returns guest physical memory.
func (m *Machine) Memory() *memory.Memory {
	return m.mem
}

// PIC returns the interrupt controller pair.
func (m *Machine) PIC() *device.PIC {
	return m.pic
}

// Keyboard returns the PS/2 controller.
func (m *Machine) Keyboard() *device.I8042 {
	return m.keyboard
}

// Stop makes Run return at the next exit.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *Machine) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) device(port uint64) device.IODevice {
	return m.bus.Find(port)
}

// load fetches the vCPU registers into the cache.
func (m *Machine) load() error {
	if m.loaded {
		return nil
	}

	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}

	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	m.regs, m.sregs, m.loaded = regs, sregs, true

	return nil
}

// flush writes modified registers back to the vCPU.
func (m *Machine) flush() error {
	if !m.dirty {
		return nil
	}

	if err := kvm.SetRegs(m.vcpuFd, m.regs); err != nil {
		return fmt.Errorf("SetRegs: %w", err)
	}

	if err := kvm.SetSregs(m.vcpuFd, m.sregs); err != nil {
		return fmt.Errorf("SetSregs: %w", err)
	}

	m.dirty = false

	return nil
}

// fail records the first error raised where cpu.Hardware cannot return
// one. The run loop reports it.
func (m *Machine) fail(err error) {
	if err != nil && m.err == nil {
		m.err = err
	}
}

// Transfer enters the kernel at entry with arg in RDI on the boot stack.
// A return from the entry point lands in the return trampoline.
func (m *Machine) Transfer(entry boot.Entry, arg uint64) error {
	if err := m.load(); err != nil {
		return err
	}

	if m.err != nil {
		return m.err
	}

	sp := uint64(BootStackTop - 8)
	if err := m.mem.PutUint64(sp, ReturnStub); err != nil {
		return err
	}

	m.regs.RIP = entry.Addr()
	m.regs.RDI = arg
	m.regs.RSP = sp
	m.dirty = true

	return m.Run()
}

// Run runs the vCPU until it halts with interrupts disabled, shuts down,
// fails or is stopped.
func (m *Machine) Run() error {
	// vcpu ioctls should be issued from the thread that created the vcpu
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-m.stop:
			return nil
		default:
		}

		cont, err := m.RunOnce()
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

// RunOnce enters the guest once and handles the exit.
func (m *Machine) RunOnce() (bool, error) {
	if m.exiting {
		return false, m.exitErr
	}

	if err := m.flush(); err != nil {
		return false, err
	}

	if err := m.inject(); err != nil {
		return false, err
	}

	err := kvm.Run(m.vcpuFd)
	m.loaded = false

	if err != nil && !errors.Is(err, unix.EINTR) {
		return false, fmt.Errorf("KVM_RUN: %w", err)
	}

	exit := m.run.Exit()
	if m.verbose && exit != kvm.EXITIO {
		log.Printf("exit %s", exit)
	}

	switch exit {
	case kvm.EXITHLT:
		return m.halt()
	case kvm.EXITIO:
		return m.handleIO()
	case kvm.EXITIRQWINDOWOPEN, kvm.EXITUNKNOWN:
		return true, nil
	case kvm.EXITINTR:
		// a signal to the vcpu thread
		return true, nil
	case kvm.EXITSHUTDOWN:
		m.dumpState()

		return false, ErrShutdown
	default:
		m.dumpState()

		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit)
	}
}

// inject delivers a pending PIC request when the guest can take it and
// otherwise asks for an exit as soon as it can.
func (m *Machine) inject() error {
	if !m.pic.Pending() {
		m.run.RequestInterruptWindow = 0

		return nil
	}

	if m.run.ReadyForInterruptInjection == 0 || m.run.IfFlag == 0 {
		m.run.RequestInterruptWindow = 1

		return nil
	}

	vector, ok := m.pic.Acknowledge()
	if !ok {
		return nil
	}

	if m.verbose {
		log.Printf("inject 0x%x", vector)
	}

	if err := kvm.Interrupt(m.vcpuFd, uint32(vector)); err != nil {
		return fmt.Errorf("KVM_INTERRUPT 0x%x: %w", vector, err)
	}

	m.run.RequestInterruptWindow = 0
	if m.pic.Pending() {
		m.run.RequestInterruptWindow = 1
	}

	return nil
}

// halt handles hlt: with interrupts disabled the processor is done,
// otherwise it sleeps until a line is raised.
func (m *Machine) halt() (bool, error) {
	if err := m.load(); err != nil {
		return false, err
	}

	if m.regs.RFLAGS&rflagsIF == 0 {
		return false, cpu.ErrHalted
	}

	for !m.pic.Pending() {
		select {
		case <-m.wake:
		case <-m.stop:
			return false, nil
		}
	}

	return true, nil
}

func (m *Machine) handleIO() (bool, error) {
	direction, size, port, count, _ := m.run.IO()
	data := m.run.IOData()

	switch port {
	case TrapPort:
		return m.handleTrap(data[0])
	case ReturnPort:
		return false, boot.ErrEntryReturned
	}

	d := m.device(port)
	if d == nil {
		m.dumpState()

		return false, fmt.Errorf("%w: 0x%x", ErrUnexpectedPort, port)
	}

	for i := uint64(0); i < count; i++ {
		b := data[i*size : (i+1)*size]

		var err error
		if direction == kvm.EXITIOIN {
			err = d.Read(port, b)
		} else {
			err = d.Write(port, b)
		}

		if err != nil {
			return false, fmt.Errorf("port 0x%x: %w", port, err)
		}
	}

	if m.exiting {
		return false, m.exitErr
	}

	return true, nil
}

// handleTrap runs the trap handler for a vector reported by a trampoline.
// The trampoline has pushed rax and rdx on top of the interrupt frame.
func (m *Machine) handleTrap(vector uint8) (bool, error) {
	if err := m.load(); err != nil {
		return false, err
	}

	if m.trap == nil {
		return false, fmt.Errorf("%w: vector %d", ErrNoTrapHandler, vector)
	}

	f, err := m.frame(vector, m.regs.RSP+16)
	if err != nil {
		return false, err
	}

	if m.verbose {
		log.Printf("trap %d %s", vector, f)
	}

	if err := m.dispatch(f); err != nil {
		return false, err
	}

	if m.err != nil {
		return false, m.err
	}

	return true, nil
}

func (m *Machine) dispatch(f *cpu.Frame) (err error) {
	defer cpu.Recover(&err)

	m.trap(f)

	return nil
}

func (m *Machine) frame(vector uint8, sp uint64) (*cpu.Frame, error) {
	f := &cpu.Frame{Vector: vector}

	words := []*uint64{&f.RIP, &f.CS, &f.RFLAGS, &f.RSP, &f.SS}
	if cpu.HasErrorCode(vector) {
		words = append([]*uint64{&f.ErrorCode}, words...)
	}

	for i, w := range words {
		v, err := m.mem.Uint64(sp + uint64(i)*8)
		if err != nil {
			return nil, fmt.Errorf("interrupt frame: %w", err)
		}

		*w = v
	}

	return f, nil
}

func (m *Machine) dumpState() {
	if !m.verbose || m.load() != nil {
		return
	}

	log.Printf("%s", m.regs)
	log.Printf("CR2=0x%x long=%t CS %s TR %s", m.sregs.CR2, m.sregs.LongMode(), m.sregs.CS, m.sregs.TR)

	if inst, err := m.Inst(); err == nil {
		log.Printf("0x%x: %s", m.regs.RIP, inst)
	}
}
