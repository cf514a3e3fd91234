package ps2

import "fmt"

// Keysym is a decoded key. Values below 0x100 are characters; higher values
// carry a key class in the high byte and an argument in the low byte.
type Keysym uint16

// Key classes.
const (
	KeyUnknown     Keysym = 0
	KeyCtrlLeft    Keysym = 0x0100
	KeyShiftLeft   Keysym = 0x0200
	KeyShiftRight  Keysym = 0x0300
	KeyPad         Keysym = 0x0400
	KeyAltLeft     Keysym = 0x0500
	KeyCapsLock    Keysym = 0x0600
	KeyFn          Keysym = 0x0700
	KeyNumLock     Keysym = 0x0800
	KeyScrollLock  Keysym = 0x0900
	keyClassMask   Keysym = 0xff00
	keyPadDigit0   Keysym = KeyPad | 0x10
	releaseBit            = 0x80
	extendedPrefix        = 0xe0
)

// Set 1 make codes.
var set1 = [...]Keysym{
	0, 0x1b, '1', '2', '3', '4', '5', '6', '7', '8', '9', '0', '-', '=', '\b', '\t',
	'Q', 'W', 'E', 'R', 'T', 'Y', 'U', 'I', 'O', 'P', '[', ']', '\n', KeyCtrlLeft, 'A', 'S',
	'D', 'F', 'G', 'H', 'J', 'K', 'L', ';', '\'', '`', KeyShiftLeft, '\\', 'Z', 'X', 'C', 'V',
	'B', 'N', 'M', ',', '.', '/', KeyShiftRight, KeyPad | '*', KeyAltLeft, ' ', KeyCapsLock,
	KeyFn | 1, KeyFn | 2, KeyFn | 3, KeyFn | 4, KeyFn | 5, KeyFn | 6, KeyFn | 7, KeyFn | 8, KeyFn | 9, KeyFn | 10,
	KeyNumLock, KeyScrollLock,
	KeyPad | 0x17, KeyPad | 0x18, KeyPad | 0x19, KeyPad | 0x1a,
	KeyPad | 0x14, KeyPad | 0x15, KeyPad | 0x16, KeyPad | 0x1b,
	KeyPad | 0x11, KeyPad | 0x12, KeyPad | 0x13,
	keyPadDigit0, KeyPad | 0x1c,
	0, 0, 0,
	KeyFn | 11, KeyFn | 12,
}

// ToKeysym decodes a make code. Break codes and unknown codes give KeyUnknown.
func ToKeysym(scancode uint8) Keysym {
	if int(scancode) >= len(set1) {
		return KeyUnknown
	}

	return set1[scancode]
}

// ToASCII returns the character a make code produces, if any.
func ToASCII(scancode uint8) (byte, bool) {
	k := ToKeysym(scancode)

	switch {
	case k >= 0x20 && k <= 0x7e:
		return byte(k), true
	case k == '\b' || k == '\t' || k == '\n' || k == '\r':
		return byte(k), true
	}

	return 0, false
}

// IsRelease reports whether scancode is a break code.
func IsRelease(scancode uint8) bool {
	return scancode&releaseBit != 0 && scancode != extendedPrefix
}

// ScancodeFor returns the make code that produces c. Lower case letters
// map to their key.
func ScancodeFor(c byte) (uint8, bool) {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}

	if c == '\r' {
		c = '\n'
	}

	if c == 0x7f {
		c = '\b'
	}

	for i, k := range set1 {
		if k != KeyUnknown && k == Keysym(c) {
			return uint8(i), true
		}
	}

	return 0, false
}

func (k Keysym) String() string {
	switch k & keyClassMask {
	case 0:
		if k == KeyUnknown {
			return "Unknown"
		}

		return fmt.Sprintf("%q", rune(k))
	case KeyCtrlLeft:
		return "CtrlLeft"
	case KeyShiftLeft:
		return "ShiftLeft"
	case KeyShiftRight:
		return "ShiftRight"
	case KeyPad:
		return fmt.Sprintf("Pad(0x%x)", uint8(k))
	case KeyAltLeft:
		return "AltLeft"
	case KeyCapsLock:
		return "CapsLock"
	case KeyFn:
		return fmt.Sprintf("F%d", uint8(k))
	case KeyNumLock:
		return "NumLock"
	case KeyScrollLock:
		return "ScrollLock"
	}

	return fmt.Sprintf("Keysym(0x%x)", uint16(k))
}
