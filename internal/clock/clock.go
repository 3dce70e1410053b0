// Package clock abstracts the monotonic time source used by admission control.
//
// Only differences between readings are meaningful. Wall-clock adjustments never
// move a Clock backwards, so token refill cannot be corrupted by NTP steps.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock returns monotonic nanoseconds since an implementation-defined origin.
type Clock interface {
	NowNanos() int64
}

// SystemClock reads the runtime monotonic clock relative to its creation time.
type SystemClock struct {
	origin time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

// NowNanos uses time.Since, which is computed from the monotonic reading.
func (c *SystemClock) NowNanos() int64 {
	return int64(time.Since(c.origin))
}

// ManualClock is a Clock whose time only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

func NewManualClock(startNanos int64) *ManualClock {
	return &ManualClock{now: startNanos}
}

func (c *ManualClock) NowNanos() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are rejected.
func (c *ManualClock) Advance(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("clock: cannot advance by negative duration %s", d)
	}
	c.mu.Lock()
	c.now += int64(d)
	c.mu.Unlock()
	return nil
}

// Set jumps to an absolute reading. Intended for test setup only.
func (c *ManualClock) Set(nanos int64) {
	c.mu.Lock()
	c.now = nanos
	c.mu.Unlock()
}
