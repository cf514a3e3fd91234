// Package oncecell provides a cell that is initialised at most once.
package oncecell

import "errors"

// ErrReentrant reports an initialiser that tried to initialise its own cell.
var ErrReentrant = errors.New("cell initialised from its own initialiser")

type state uint8

const (
	empty state = iota
	busy
	full
)

// Cell holds a value built on first use. It is not safe for concurrent
// first use; callers initialise it before anything else can observe it.
type Cell[T any] struct {
	state state
	value T
}

// Get returns the value and whether the cell has been initialised.
func (c *Cell[T]) Get() (T, bool) {
	return c.value, c.state == full
}

// GetOrInit returns the stored value, calling f to produce it on first use.
// A failing f leaves the cell empty.
func (c *Cell[T]) GetOrInit(f func() (T, error)) (T, error) {
	switch c.state {
	case full:
		return c.value, nil
	case busy:
		var zero T

		return zero, ErrReentrant
	}

	c.state = busy

	v, err := f()
	if err != nil {
		c.state = empty

		return v, err
	}

	c.value, c.state = v, full

	return v, nil
}
