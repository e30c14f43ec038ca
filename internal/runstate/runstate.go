// Package runstate provides a small cache-line-padded atomic state cell
// with CAS-based transitions, used by the servo's sync-state machine as a
// lock-free "what state am I in, can I get to that other one" primitive.
package runstate

import "sync/atomic"

// Cell holds a uint32 state value, padded to its own cache line so that
// readers polling it from other goroutines don't false-share with
// neighbouring fields.
type Cell struct {
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

// New returns a Cell initialised to the given value.
func New(initial uint32) *Cell {
	c := &Cell{}
	c.v.Store(initial)
	return c
}

// Load returns the current value.
func (c *Cell) Load() uint32 { return c.v.Load() }

// Store sets the value unconditionally.
func (c *Cell) Store(v uint32) { c.v.Store(v) }

// TryTransition atomically moves the cell from "from" to "to", returning
// false (no change made) if the current value isn't "from".
func (c *Cell) TryTransition(from, to uint32) bool {
	return c.v.CompareAndSwap(from, to)
}

// TransitionAny unconditionally sets "to" and reports the prior value.
func (c *Cell) TransitionAny(to uint32) (prior uint32) {
	return c.v.Swap(to)
}
