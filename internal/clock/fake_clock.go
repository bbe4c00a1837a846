package clock

import (
	"sync"
	"time"
)

// FakeClock is a settable clock for tests, e.g. the InodeMap stale-inode
// sweep ("age one inode past the atime threshold by fake clock" in
// spec.md §8 scenario 6).
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock initialized to t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the clock's current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the fake clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// After fires immediately with the current fake time; tests that need the
// InodeMap's sweep timer to fire deterministically drive it by calling the
// sweep method directly rather than waiting on this channel.
func (c *FakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}
