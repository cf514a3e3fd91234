package machine

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrDecode reports bytes that are not an instruction.
var ErrDecode = errors.New("cannot decode instruction")

// Line is one disassembled instruction.
type Line struct {
	PC   uint64
	Len  int
	Text string
}

func (l Line) String() string {
	return fmt.Sprintf("%#x: %s", l.PC, l.Text)
}

// Disassemble decodes up to max 64-bit instructions from code, which is
// loaded at pc. It stops early at the end of code or at undecodable bytes.
func Disassemble(code []byte, pc uint64, max int) ([]Line, error) {
	var lines []Line

	for len(lines) < max && len(code) > 0 {
		d, err := x86asm.Decode(code, 64)
		if err != nil {
			if len(lines) == 0 {
				return nil, fmt.Errorf("%w at %#x: % x", ErrDecode, pc, code[:min(len(code), 16)])
			}

			break
		}

		lines = append(lines, Line{PC: pc, Len: d.Len, Text: Asm(&d, pc)})
		code = code[d.Len:]
		pc += uint64(d.Len)
	}

	return lines, nil
}

// Asm returns the GNU syntax of the instruction at pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return x86asm.GNUSyntax(*d, pc, nil)
}

// Inst disassembles the instruction at RIP. Guest addresses are identity
// mapped.
func (m *Machine) Inst() (string, error) {
	if err := m.load(); err != nil {
		return "", err
	}

	insn := make([]byte, 16)
	if _, err := m.mem.ReadAt(insn, int64(m.regs.RIP)); err != nil {
		return "", fmt.Errorf("reading PC at %#x: %w", m.regs.RIP, err)
	}

	lines, err := Disassemble(insn, m.regs.RIP, 1)
	if err != nil {
		return "", err
	}

	return lines[0].Text, nil
}
