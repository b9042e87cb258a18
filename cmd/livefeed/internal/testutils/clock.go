package testutils

import (
	"sync"
	"time"
)

// FakeClock returns a settable Now and records every After request.
// By default timers fire immediately; with Hold set they never fire.
type FakeClock struct {
	Mu      sync.Mutex
	Current time.Time
	Delays  []time.Duration
	Hold    bool

	requested chan time.Duration
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{Current: start, requested: make(chan time.Duration, 1024)}
}

func (c *FakeClock) Now() time.Time {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.Current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.Mu.Lock()
	c.Delays = append(c.Delays, d)
	hold := c.Hold
	now := c.Current
	c.Mu.Unlock()

	select {
	case c.requested <- d:
	default:
	}

	ch := make(chan time.Time, 1)
	if !hold {
		ch <- now.Add(d)
	}
	return ch
}

// Advance moves Now forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.Current = c.Current.Add(d)
}

// Requested delivers each delay as it is asked for, so tests can wait on timers.
func (c *FakeClock) Requested() <-chan time.Duration { return c.requested }

// RecordedDelays returns a copy of every delay requested so far.
func (c *FakeClock) RecordedDelays() []time.Duration {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return append([]time.Duration(nil), c.Delays...)
}
