package tunnel

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks open and total counts for a class of connections (e.g.
// bridge slots accepted by one agent's public listener). Adapted from the
// teacher's share/connstats.go, trimmed to the two counters this system
// needs.
type ConnStats struct {
	total int32
	open  int32
}

// New records the start of a new connection and returns its ordinal.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.total, 1)
}

// Open increments the currently-open count.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close decrements the currently-open count.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.total))
}
