// Package ps2 brings up the PS/2 controller and its keyboard and decodes
// scancode set 1.
package ps2

import (
	"errors"
	"fmt"

	"github.com/polished-os/polished/cpu"
)

const (
	dataPort    = 0x60
	statusPort  = 0x64
	commandPort = 0x64

	statusOutputFull = 0x01
	statusInputFull  = 0x02

	cmdReadConfig   = 0x20
	cmdWriteConfig  = 0x60
	cmdDisableMouse = 0xa7
	cmdDisablePort1 = 0xad
	cmdEnablePort1  = 0xae

	kbdReset      = 0xff
	kbdEnableScan = 0xf4

	// Ack is the keyboard's command acknowledgement.
	Ack = 0xfa
	// SelfTestPassed is the keyboard's basic assurance test result.
	SelfTestPassed = 0xaa

	configPort1IRQ  = 0x01
	configPort2IRQ  = 0x02
	configTranslate = 0x40
	keyboardLine    = 1
	maxWaitSpins    = 10000
	maxFlushedBytes = 16
)

var (
	// ErrTimeout reports a controller that never became ready.
	ErrTimeout = errors.New("ps/2 controller timeout")

	// ErrNoAck reports a keyboard command that was not acknowledged.
	ErrNoAck = errors.New("keyboard did not acknowledge")

	// ErrSelfTest reports a keyboard that failed its self test.
	ErrSelfTest = errors.New("keyboard self test failed")
)

// State is a step of controller bring-up.
type State int

const (
	Uninitialized State = iota
	Flushed
	PortsDisabled
	Configured
	Port1Enabled
	KeyboardReset
	Scanning
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Flushed:
		return "flushed"
	case PortsDisabled:
		return "ports disabled"
	case Configured:
		return "configured"
	case Port1Enabled:
		return "port 1 enabled"
	case KeyboardReset:
		return "keyboard reset"
	case Scanning:
		return "scanning"
	case Failed:
		return "failed"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Unmasker opens an interrupt line on the interrupt controller.
type Unmasker interface {
	Unmask(line uint8)
}

// Logger is the subset of the kernel logger the controller narrates to.
type Logger interface {
	Infof(format string, args ...any)
}

// Controller is the 8042 driver.
type Controller struct {
	hw    cpu.Hardware
	irq   Unmasker
	log   Logger
	state State
}

// New returns a controller in the Uninitialized state.
func New(hw cpu.Hardware, irq Unmasker, log Logger) *Controller {
	return &Controller{hw: hw, irq: irq, log: log}
}

// State returns the last state reached.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) waitWrite() error {
	for i := 0; i < maxWaitSpins; i++ {
		if c.hw.ReadPort(statusPort)&statusInputFull == 0 {
			return nil
		}
	}

	return fmt.Errorf("%w: input buffer full", ErrTimeout)
}

func (c *Controller) waitRead() error {
	for i := 0; i < maxWaitSpins; i++ {
		if c.hw.ReadPort(statusPort)&statusOutputFull != 0 {
			return nil
		}
	}

	return fmt.Errorf("%w: output buffer empty", ErrTimeout)
}

func (c *Controller) command(v uint8) error {
	if err := c.waitWrite(); err != nil {
		return err
	}

	c.hw.WritePort(commandPort, v)

	return nil
}

func (c *Controller) write(v uint8) error {
	if err := c.waitWrite(); err != nil {
		return err
	}

	c.hw.WritePort(dataPort, v)

	return nil
}

func (c *Controller) read() (uint8, error) {
	if err := c.waitRead(); err != nil {
		return 0, err
	}

	return c.hw.ReadPort(dataPort), nil
}

func (c *Controller) expect(v uint8, err error) error {
	got, rerr := c.read()
	if rerr != nil {
		return rerr
	}

	if got != v {
		return fmt.Errorf("%w: got 0x%x", err, got)
	}

	return nil
}

func (c *Controller) step(next State, f func() error) error {
	if err := f(); err != nil {
		c.state = Failed

		return fmt.Errorf("ps/2 %s: %w", next, err)
	}

	c.state = next
	c.log.Infof("PS/2 %s", next)

	return nil
}

// Init runs the bring-up sequence: flush, disable both ports, set the
// configuration byte, enable port 1, reset the keyboard, enable scanning
// and unmask IRQ1. Calling it again after success is a no-op.
func (c *Controller) Init() error {
	if c.state == Scanning {
		return nil
	}

	steps := []struct {
		next State
		f    func() error
	}{
		{Flushed, c.flush},
		{PortsDisabled, func() error {
			if err := c.command(cmdDisablePort1); err != nil {
				return err
			}

			return c.command(cmdDisableMouse)
		}},
		{Configured, c.configure},
		{Port1Enabled, func() error { return c.command(cmdEnablePort1) }},
		{KeyboardReset, func() error {
			if err := c.write(kbdReset); err != nil {
				return err
			}

			if err := c.expect(Ack, ErrNoAck); err != nil {
				return err
			}

			return c.expect(SelfTestPassed, ErrSelfTest)
		}},
		{Scanning, func() error {
			if err := c.write(kbdEnableScan); err != nil {
				return err
			}

			if err := c.expect(Ack, ErrNoAck); err != nil {
				return err
			}

			c.irq.Unmask(keyboardLine)

			return nil
		}},
	}

	for _, s := range steps {
		if err := c.step(s.next, s.f); err != nil {
			return err
		}
	}

	return nil
}

func (c *Controller) flush() error {
	for i := 0; i < maxFlushedBytes && c.hw.ReadPort(statusPort)&statusOutputFull != 0; i++ {
		c.hw.ReadPort(dataPort)
	}

	return nil
}

func (c *Controller) configure() error {
	if err := c.command(cmdReadConfig); err != nil {
		return err
	}

	cfg, err := c.read()
	if err != nil {
		return err
	}

	cfg = (cfg | configPort1IRQ | configTranslate) &^ configPort2IRQ

	if err := c.command(cmdWriteConfig); err != nil {
		return err
	}

	return c.write(cfg)
}
