// Package clock provides time abstraction for testability.
//
// Components take a Clock (or a plain func() time.Time obtained from
// Clock.Now) instead of calling time.Now directly, so tests can drive
// backoff windows and flush ticks deterministically:
//
//	clk := clock.NewManual(time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC))
//	q := queue.New(queue.WithNowFunc(clk.Now))
//	clk.Advance(5 * time.Second)
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Real uses the actual system time.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
