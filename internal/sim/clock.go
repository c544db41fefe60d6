// Package sim implements the deterministic simulation core: a
// min-heap event-time scheduler and the monotone EventClock every
// simulated sleep/timestamp must go through (§4.7, §5).
//
// Grounded on original_source/sim_engine/core.py (SimulationEngine,
// heapq-ordered SimEvent) and clock.py (EventClock), translated into
// Go's container/heap idiom rather than ported line-for-line.
package sim

import (
	"sync"
	"time"
)

// Clock is a monotone non-decreasing logical clock. Sim components must
// read the current time through Clock rather than time.Now(), so replays
// are deterministic and independent of wall-clock speed.
type Clock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewClock creates a clock initialised to the zero time.
func NewClock() *Clock {
	return &Clock{}
}

// Advance moves the clock forward to dt if dt is not earlier than the
// current time. Out-of-order timestamps (dt before now) are ignored
// rather than rejected, mirroring the original implementation's
// tolerance for minor timestamp disorder in replayed data.
func (c *Clock) Advance(dt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dt.After(c.now) || dt.Equal(c.now) {
		c.now = dt
	}
}

// Now returns the current logical time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}
