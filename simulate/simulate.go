// Package simulate drives the counters with synthetic traffic for demos.
package simulate

import (
	"github.com/cloudbox/pulse/stats"
)

// A Simulator perturbs the counters once per tick.
type Simulator interface {
	Tick()
}

// Rand is the random source for simulated traffic.
type Rand interface {
	Float64() float64
}

const (
	minOnline  = 10
	spanOnline = 40

	minRequests  = 1
	spanRequests = 10
)

// Random emulates a small shop: 10 to 49 users online and 1 to 10 requests per tick.
type Random struct {
	counters *stats.Counters
	rand     Rand
}

func NewRandom(counters *stats.Counters, r Rand) *Random {
	return &Random{counters: counters, rand: r}
}

func (s *Random) Tick() {
	s.counters.SetOnlineUsers(minOnline + int(s.rand.Float64()*spanOnline))

	requests := minRequests + int(s.rand.Float64()*spanRequests)
	for range requests {
		s.counters.IncrementRequest()
	}
}

// Noop leaves the counters to real traffic.
type Noop struct{}

func (Noop) Tick() {}
