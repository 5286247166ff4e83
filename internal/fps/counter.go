// Package fps counts frames over fixed wall-clock windows.
package fps

import (
	"sync/atomic"
	"time"
)

// Counter reports how many ticks landed in each window.
//
// Tick is meant to be called from a single goroutine (the capture or render
// loop). Last may be read from any goroutine.
type Counter struct {
	window time.Duration
	start  time.Time
	count  int
	last   atomic.Int64
}

// New returns a counter with the given window (one second when <= 0).
func New(window time.Duration) *Counter {
	if window <= 0 {
		window = time.Second
	}
	return &Counter{window: window}
}

// Tick records one frame at now. When the current window has elapsed it
// returns the frame count of that window and true, and a new window starts.
func (c *Counter) Tick(now time.Time) (int, bool) {
	if c.start.IsZero() {
		c.start = now
	}
	c.count++

	if now.Sub(c.start) < c.window {
		return 0, false
	}

	n := c.count
	c.last.Store(int64(n))
	c.count = 0
	c.start = now
	return n, true
}

// Last returns the count of the most recently completed window.
func (c *Counter) Last() int {
	return int(c.last.Load())
}

// Reset discards the current window.
func (c *Counter) Reset() {
	c.start = time.Time{}
	c.count = 0
	c.last.Store(0)
}
