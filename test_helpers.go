package vestring

import "sync/atomic"

// manualClock is a settable logical clock (for testing).
type manualClock struct {
	now atomic.Uint64
}

func newManualClock(start uint64) *manualClock {
	var clock = &manualClock{}
	clock.now.Store(start)
	return clock
}

// Now returns the current logical time.
func (c *manualClock) Now() uint64 {
	return c.now.Load()
}

// Advance moves the clock forward. The clock never moves backwards.
func (c *manualClock) Advance(seconds uint64) {
	c.now.Add(seconds)
}

// Set jumps to an absolute time.
func (c *manualClock) Set(t uint64) {
	c.now.Store(t)
}
