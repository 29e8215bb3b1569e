package utils

import (
	"sync"
	"time"
)

// Clock abstracts the current time so components can be driven by a fake
// clock in tests. All times are UTC.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// NewSystemClock creates a clock backed by the system wall clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFakeClock creates a fake clock pinned to the given time.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now.UTC()}
}

// Now returns the clock's current time.
func (c *FakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// SetTime pins the clock to the given time.
func (c *FakeClock) SetTime(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now.UTC()
}
