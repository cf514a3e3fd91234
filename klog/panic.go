package klog

import (
	"runtime"

	"github.com/polished-os/polished/cpu"
)

// Location identifies the source of a panic.
type Location struct {
	File   string
	Line   int
	Column int
}

// Caller returns the location of the function skip frames above the one
// calling Caller, or nil.
func Caller(skip int) *Location {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return nil
	}

	return &Location{File: file, Line: line}
}

// Panic prints the panic report and halts. It does not return.
// The report goes through the early writer so it survives a broken logger.
func Panic(hw cpu.Hardware, loc *Location, msg string) {
	hw.DisableInterrupts()

	Kprintf(hw, "\n=== PANIC ===\n")

	if loc != nil {
		Kprintf(hw, "Location: %s:%d:%d\n", loc.File, loc.Line, loc.Column)
	} else {
		Kprintf(hw, "Location: unknown\n")
	}

	Kprintf(hw, "Message: %s\n", msg)
	Kprintf(hw, "=============\n")

	cpu.HaltLoop(hw)
}

// Fatal reports err with Panic and returns err once the halt unwinds. On
// hardware whose halt never unwinds it does not return.
func Fatal(hw cpu.Hardware, loc *Location, err error) (ret error) {
	defer func() { ret = err }()
	defer cpu.Recover(&ret)

	Panic(hw, loc, err.Error())

	return err
}
