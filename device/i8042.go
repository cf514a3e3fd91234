package device

import "sync"

const (
	// I8042DataPort is the data port of the PS/2 controller.
	I8042DataPort = 0x60
	// I8042CommandPort is the status/command port of the PS/2 controller.
	I8042CommandPort = 0x64

	keyboardIRQ = 1

	statusOutputFull = 0x01
	statusSystem     = 0x04
	statusCommand    = 0x08

	configKeyboardIRQ   = 0x01
	configSystem        = 0x04
	configKeyboardClock = 0x10
	configMouseClock    = 0x20
	configTranslate     = 0x40

	kbdAck = 0xfa
	kbdBAT = 0xaa
)

// I8042 emulates a PS/2 controller with a keyboard attached to port 1.
type I8042 struct {
	mu sync.Mutex

	config   uint8
	output   []uint8
	pending  uint8 // controller command awaiting a data byte
	kbdArg   uint8 // keyboard command awaiting an argument byte
	scanning bool
	lastCmd  bool

	irq IRQFunc
}

// NewI8042 returns a controller in its power-on state.
func NewI8042(irq IRQFunc) *I8042 {
	return &I8042{
		config: configKeyboardIRQ | configSystem | configTranslate | configMouseClock,
		irq:    irq,
	}
}

func (k *I8042) IOPort() uint64 {
	return I8042DataPort
}

// Size covers 0x60 through 0x64.
func (k *I8042) Size() uint64 {
	return 5
}

func (k *I8042) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	switch port {
	case I8042DataPort:
		data[0] = 0
		if len(k.output) > 0 {
			data[0] = k.output[0]
			k.output = k.output[1:]
		}
	case I8042CommandPort:
		data[0] = statusSystem
		if len(k.output) > 0 {
			data[0] |= statusOutputFull
		}

		if k.lastCmd {
			data[0] |= statusCommand
		}
	default:
		data[0] = 0
	}

	return nil
}

func (k *I8042) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	k.mu.Lock()

	raise := false

	switch port {
	case I8042CommandPort:
		k.lastCmd = true
		k.command(data[0])
	case I8042DataPort:
		k.lastCmd = false
		raise = k.data(data[0])
	}

	k.mu.Unlock()

	if raise {
		k.raise()
	}

	return nil
}

func (k *I8042) command(v uint8) {
	switch v {
	case 0x20:
		k.output = append(k.output, k.config)
	case 0x60:
		k.pending = v
	case 0xa7:
		k.config |= configMouseClock
	case 0xa8:
		k.config &^= configMouseClock
	case 0xaa:
		k.output = append(k.output, 0x55)
	case 0xab:
		k.output = append(k.output, 0x00)
	case 0xad:
		k.config |= configKeyboardClock
	case 0xae:
		k.config &^= configKeyboardClock
	}
}

// data handles a byte written to 0x60 and reports whether the keyboard
// produced output that should raise IRQ1.
func (k *I8042) data(v uint8) bool {
	if k.pending == 0x60 {
		k.pending = 0
		k.config = v

		return false
	}

	if k.kbdArg != 0 {
		k.kbdArg = 0
		k.output = append(k.output, kbdAck)

		return true
	}

	switch v {
	case 0xff:
		k.scanning = false
		k.output = append(k.output, kbdAck, kbdBAT)
	case 0xf4:
		k.scanning = true
		k.output = append(k.output, kbdAck)
	case 0xf5:
		k.scanning = false
		k.output = append(k.output, kbdAck)
	case 0xed, 0xf0, 0xf3:
		k.kbdArg = v
		k.output = append(k.output, kbdAck)
	default:
		k.output = append(k.output, kbdAck)
	}

	return true
}

func (k *I8042) raise() {
	k.mu.Lock()
	on := k.config&configKeyboardIRQ != 0
	k.mu.Unlock()

	if on && k.irq != nil {
		k.irq(keyboardIRQ)
	}
}

// Press queues a scancode as if the keyboard sent it. It is dropped while
// the keyboard is not scanning or its clock is disabled.
func (k *I8042) Press(scancode uint8) bool {
	k.mu.Lock()

	if !k.scanning || k.config&configKeyboardClock != 0 {
		k.mu.Unlock()

		return false
	}

	k.output = append(k.output, scancode)
	k.mu.Unlock()

	k.raise()

	return true
}

// Config returns the controller configuration byte.
func (k *I8042) Config() uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.config
}

// Scanning reports whether the keyboard is sending scancodes.
func (k *I8042) Scanning() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.scanning
}
