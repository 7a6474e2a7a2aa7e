package model

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock supplies object creation timestamps in milliseconds
type Clock interface {
	NowMillis() int64
}

// MonotonicClock follows the wall clock but never goes backwards
type MonotonicClock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewMonotonicClock returns a clock backed by time.Now
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

// NowMillis returns max(wall clock, previous reading)
func (c *MonotonicClock) NowMillis() int64 {
	wall := c.now().UnixMilli()
	for {
		prev := c.last.Load()
		if wall <= prev {
			return prev
		}
		if c.last.CompareAndSwap(prev, wall) {
			return wall
		}
	}
}

var (
	processClock     *MonotonicClock
	processClockOnce sync.Once
)

// ProcessClock returns the clock shared by the whole process
func ProcessClock() *MonotonicClock {
	processClockOnce.Do(func() {
		processClock = NewMonotonicClock()
	})
	return processClock
}

// FixedClock always returns the same instant
type FixedClock int64

// NowMillis returns the fixed value
func (c FixedClock) NowMillis() int64 { return int64(c) }
