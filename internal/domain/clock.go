package domain

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps. Stores use it so that
// UpdatedAt always advances, even when two writes land within the resolution
// of the system clock; listing by UpdatedAt then reflects write order.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a timestamp after both the previous one issued and after.
func (c *Clock) Next(after time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC().Round(0)
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	if !now.After(after) {
		now = after.Add(time.Nanosecond)
	}
	c.last = now
	return now
}
