// Package clock lets the coordinator loop and the storage retry wrapper run
// against wall time in production and a hand-driven clock in tests.
package clock

import "time"

// Clock is the subset of package time the coordinator depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is wall time, reported in UTC.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now().UTC() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Sleep(d time.Duration)                  { time.Sleep(d) }

// Since is time.Since measured on c.
func Since(c Clock, t time.Time) time.Duration { return c.Now().Sub(t) }

// OrReal substitutes Real for a nil clock.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
