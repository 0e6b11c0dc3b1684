package logic

import "time"

// Clock supplies the current time in milliseconds.
type Clock interface {
	NowMs() int64
}

// SystemClock reads the monotonic clock relative to its creation.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a clock whose zero is now.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// NowMs returns milliseconds since the clock was created. It never returns
// 0 so that a zero expiry is always in the past.
func (c *SystemClock) NowMs() int64 {
	return time.Since(c.start).Milliseconds() + 1
}

// ManualClock is a Clock advanced explicitly. Used by tests and replay.
type ManualClock struct {
	Ms int64
}

// NowMs returns the current manual time.
func (c *ManualClock) NowMs() int64 {
	return c.Ms
}

// Advance moves the clock forward by ms milliseconds.
func (c *ManualClock) Advance(ms int64) {
	c.Ms += ms
}
