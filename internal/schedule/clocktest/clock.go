// Package clocktest provides a manual schedule.Clock for tests.
package clocktest

import (
	"context"
	"sync"
	"time"
)

// Clock is a manual clock. Sleep advances the reading instantly instead of
// blocking. When a sleep would cross the horizon, the clock stops at the
// horizon, calls the stop function and reports cancellation; this is how tests
// simulate a process being killed at a chosen instant.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	horizon time.Time
	stop    context.CancelFunc
	sleeps  []time.Duration
}

func New(now time.Time) *Clock {
	return &Clock{now: now}
}

// StopAt installs the horizon and the function that is called when it is reached.
func (c *Clock) StopAt(at time.Time, stop context.CancelFunc) {
	c.mu.Lock()
	c.horizon = at
	c.stop = stop
	c.mu.Unlock()
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t (e.g. to model downtime between two runs).
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleeps returns the positive sleep durations requested so far.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	target := c.now.Add(d)
	if !c.horizon.IsZero() && target.After(c.horizon) {
		c.now = c.horizon
		stop := c.stop
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		return context.Canceled
	}
	c.now = target
	c.mu.Unlock()
	return ctx.Err()
}
