// Package vmm ties the machine, the firmware services, the bootloader and
// the kernel together and runs them.
package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/polished-os/polished/boot"
	"github.com/polished-os/polished/cpu"
	"github.com/polished-os/polished/firmware"
	"github.com/polished-os/polished/kernel"
	"github.com/polished-os/polished/klog"
	"github.com/polished-os/polished/machine"
	"github.com/polished-os/polished/ps2"
	"github.com/polished-os/polished/term"
	"golang.org/x/sync/errgroup"
)

// Config is the parsed command line of the boot command.
type Config struct {
	Dev     string
	ESP     string
	Kernel  string
	MemSize int
	Mode    firmware.Mode

	// Timer is the IRQ0 period; zero disables the timer.
	Timer time.Duration
	// Screenshot is a PNG path written after the machine stops.
	Screenshot string
	Verbose    bool
	// Quiet starts with the kernel log switched off. Ctrl-A l switches it
	// on and off while the machine runs.
	Quiet bool

	// Console defaults to os.Stdout and Input to os.Stdin. A nil Input
	// after defaulting means no keyboard input.
	Console io.Writer
	Input   io.Reader
}

var errNotTerminal = errors.New("stdin is not a terminal")

type VMM struct {
	*machine.Machine
	Config

	log        *klog.Logger
	kernel     *kernel.Kernel
	graphics   *firmware.Graphics
	bootloader *boot.Bootloader
}

func New(c Config) *VMM {
	if c.Console == nil {
		c.Console = os.Stdout
	}

	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	m, err := machine.New(machine.Options{
		Dev:     v.Dev,
		MemSize: v.MemSize,
		Console: v.Console,
		Verbose: v.Verbose,
	})
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Setup builds the firmware services over the boot volume and the kernel
// the bootloader hands over to.
func (v *VMM) Setup() error {
	vol, err := firmware.NewVolume(v.ESP)
	if err != nil {
		return err
	}

	mem := v.Memory()

	v.log = klog.New(klog.NewSerialWriter(v.Machine), v.Machine)
	if v.Quiet {
		v.log.Disable()
	}

	v.graphics = firmware.NewGraphics(mem, machine.FramebufferBase, v.Mode)
	v.kernel = kernel.New(v.Machine, mem, v.log)

	v.bootloader = &boot.Bootloader{
		Firmware: firmware.Services{
			Files:    vol,
			Pages:    mem,
			Graphics: v.graphics,
		},
		Transferer: &kernel.Transferer{Kernel: v.kernel, Next: v.Machine},
		Log:        v.log,
		Fatal:      v.fatal,
	}

	return nil
}

// Logger returns the kernel log shared by the bootloader and the kernel.
func (v *VMM) Logger() *klog.Logger {
	return v.log
}

// fatal reports a boot failure on the serial line as a panic at the
// bootloader call site.
func (v *VMM) fatal(err error) error {
	return klog.Fatal(v.Machine, klog.Caller(2), err)
}

// Boot runs the bootloader on the vCPU goroutine with the timer beside it
// until the machine stops. A halted machine is a clean stop.
func (v *VMM) Boot() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()

		err := v.bootloader.Boot(v.Kernel)
		if errors.Is(err, cpu.ErrHalted) {
			log.Printf("machine halted")

			return nil
		}

		return err
	})

	if v.Timer > 0 {
		g.Go(func() error {
			return v.tick(ctx)
		})
	}

	restore, err := v.pumpInput()
	if err != nil {
		log.Printf("no keyboard input: %v", err)
	} else {
		defer restore()
	}

	err = g.Wait()

	if v.Screenshot != "" {
		if serr := v.screenshot(); serr != nil {
			err = errors.Join(err, serr)
		}
	}

	return err
}

func (v *VMM) tick(ctx context.Context) error {
	t := time.NewTicker(v.Timer)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			v.PIC().Raise(0)
		}
	}
}

// pumpInput feeds typed characters to the keyboard and returns a function
// restoring the terminal. Ctrl-A x stops the machine and Ctrl-A l switches
// the kernel log on or off.
func (v *VMM) pumpInput() (func(), error) {
	in, restore := v.Input, func() {}

	if in == nil {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, errNotTerminal
		}

		var err error
		if restore, err = term.SetRawMode(fd); err != nil {
			return nil, err
		}

		in = os.Stdin
	}

	go func() {
		var before byte

		r := bufio.NewReader(in)

		for {
			b, err := r.ReadByte()
			if err != nil {
				return
			}

			if before == 0x1 {
				switch b {
				case 'x':
					v.Stop()

					return
				case 'l':
					on := v.log.Toggle()
					log.Printf("kernel log enabled: %t", on)
				}
			}

			before = b

			if sc, ok := ps2.ScancodeFor(b); ok && v.Keyboard().Press(sc) {
				v.Keyboard().Press(sc | 0x80)
			}
		}
	}()

	return restore, nil
}

func (v *VMM) screenshot() error {
	s, ok := v.graphics.Surface()
	if !ok {
		return fmt.Errorf("screenshot: %w", firmware.ErrNoGraphicsMode)
	}

	return s.SavePNG(v.Screenshot)
}
