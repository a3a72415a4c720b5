// Package stats provides the process-wide counters behind the live dashboard.
package stats

import "sync/atomic"

// Counters holds the online-user gauge, the cumulative request counter
// and the request rate of the last sampled window.
//
// One instance is created at startup and shared by request handlers,
// the snapshot builder and the scheduler. Every method is a single atomic
// operation, so no external locking is needed.
type Counters struct {
	onlineUsers       atomic.Int64
	requestCount      atomic.Int64
	previousWindow    atomic.Int64
	requestsPerMinute atomic.Int64
}

// New returns zero-valued Counters ready for use.
func New() *Counters {
	return &Counters{}
}

// IncrementRequest counts one handled request.
func (c *Counters) IncrementRequest() {
	c.requestCount.Add(1)
}

// SetOnlineUsers overwrites the online-user gauge. Negative values are stored as 0.
func (c *Counters) SetOnlineUsers(n int) {
	if n < 0 {
		n = 0
	}
	c.onlineUsers.Store(int64(n))
}

// OnlineUsers returns the current online-user gauge.
func (c *Counters) OnlineUsers() int {
	return int(c.onlineUsers.Load())
}

// Requests returns the cumulative request count.
func (c *Counters) Requests() int64 {
	return c.requestCount.Load()
}

// SampleWindow closes the current window and returns the number of
// requests counted since the previous call. The previous-window marker is
// advanced with a compare-and-swap, so concurrent samplers never count a
// request twice. A negative difference (counter reset) is reported as 0.
func (c *Counters) SampleWindow() int {
	for {
		previous := c.previousWindow.Load()
		current := c.requestCount.Load()

		if !c.previousWindow.CompareAndSwap(previous, current) {
			continue
		}

		delta := current - previous
		if delta < 0 {
			return 0
		}
		return int(delta)
	}
}

// SetRequestsPerMinute stores the rate computed by the last window sample.
func (c *Counters) SetRequestsPerMinute(n int) {
	if n < 0 {
		n = 0
	}
	c.requestsPerMinute.Store(int64(n))
}

// RequestsPerMinute returns the rate stored by the last window sample.
func (c *Counters) RequestsPerMinute() int {
	return int(c.requestsPerMinute.Load())
}

// Snapshot is a plain-struct copy of all counters at a point in time.
type Snapshot struct {
	OnlineUsers       int64
	Requests          int64
	RequestsPerMinute int64
}

// Snapshot reads all counters and returns a plain copy.
// The fields are read independently and are not mutually consistent.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		OnlineUsers:       c.onlineUsers.Load(),
		Requests:          c.requestCount.Load(),
		RequestsPerMinute: c.requestsPerMinute.Load(),
	}
}
