// Package clock abstracts time for components that schedule work, so the
// reconciler and idle-eviction logic can be tested against a fake.
package clock

import "time"

// Clock provides the time operations the schedulers need.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real delegates to the standard library.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
