package klog

import (
	"io"
	"log"
	"sync/atomic"

	"github.com/polished-os/polished/cpu"
)

// Level prefixes.
const (
	InfoPrefix       = "[INFO] "
	WarningPrefix    = "[WARNING] "
	ErrorPrefix      = "[ERROR] "
	SuggestionPrefix = "[SUGGESTION] "
)

// Logger writes level-prefixed lines. Every write runs with interrupts
// disabled so a handler cannot interleave with a line in progress.
// Output can be switched off and on at any time, from any goroutine.
type Logger struct {
	hw      cpu.Hardware
	enabled atomic.Bool

	info, warn, err, suggest, raw *log.Logger
}

// New returns an enabled logger writing to w.
func New(w io.Writer, hw cpu.Hardware) *Logger {
	l := &Logger{
		hw:      hw,
		info:    log.New(w, InfoPrefix, 0),
		warn:    log.New(w, WarningPrefix, 0),
		err:     log.New(w, ErrorPrefix, 0),
		suggest: log.New(w, SuggestionPrefix, 0),
		raw:     log.New(w, "", 0),
	}
	l.enabled.Store(true)

	return l
}

// Enable turns output on.
func (l *Logger) Enable() { l.enabled.Store(true) }

// Disable drops all output until Enable.
func (l *Logger) Disable() { l.enabled.Store(false) }

// Enabled reports whether output is on.
func (l *Logger) Enabled() bool { return l.enabled.Load() }

// Toggle flips output on or off and returns the new state.
func (l *Logger) Toggle() bool {
	for {
		on := l.enabled.Load()
		if l.enabled.CompareAndSwap(on, !on) {
			return !on
		}
	}
}

func (l *Logger) output(to *log.Logger, format string, args []any) {
	if !l.enabled.Load() {
		return
	}

	g := cpu.Lock(l.hw)
	defer g.Unlock()

	to.Printf(format, args...)
}

func (l *Logger) Infof(format string, args ...any)    { l.output(l.info, format, args) }
func (l *Logger) Warnf(format string, args ...any)    { l.output(l.warn, format, args) }
func (l *Logger) Errorf(format string, args ...any)   { l.output(l.err, format, args) }
func (l *Logger) Suggestf(format string, args ...any) { l.output(l.suggest, format, args) }
func (l *Logger) Printf(format string, args ...any)   { l.output(l.raw, format, args) }
