package engine

import (
	"sync/atomic"
	"time"
)

// clock issues strictly increasing nanosecond timestamps, so (key, timestamp)
// names exactly one entry even when writers collide on the wall clock
type clock struct {
	last atomic.Int64
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

// Next returns a timestamp greater than every one issued or observed before
func (c *clock) Next() int64 {
	for {
		last := c.last.Load()
		ts := c.now().UnixNano()
		if ts <= last {
			ts = last + 1
		}
		if c.last.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// Observe moves the clock past ts
func (c *clock) Observe(ts int64) {
	for {
		last := c.last.Load()
		if ts <= last || c.last.CompareAndSwap(last, ts) {
			return
		}
	}
}
