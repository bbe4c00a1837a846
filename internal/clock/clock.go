// Package clock provides the time source used by the Journal and the
// InodeMap's stale-inode sweep. Adapted from gcsfuse's clock package,
// generalized so tests can control Now() deterministically rather than
// only the wait duration of After().
package clock

import "time"

// Clock is the same shape as github.com/jacobsa/timeutil.Clock: a source of
// "now" and of delayed notifications, so production code never calls
// time.Now or time.After directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production implementation.
type RealClock struct{}

// Now returns the current local time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// After notifies on the returned channel once d has elapsed.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
