// Package broadcast runs the periodic jobs that sample the request rate
// and push snapshots to every subscriber.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cloudbox/pulse"
	"github.com/cloudbox/pulse/instrument"
	"github.com/cloudbox/pulse/registry"
	"github.com/cloudbox/pulse/simulate"
	"github.com/cloudbox/pulse/stats"
)

const (
	DefaultRateInterval      = 60 * time.Second
	DefaultBroadcastInterval = 5 * time.Second
	DefaultSimulatorInterval = 2 * time.Second
	DefaultPresenceInterval  = 15 * time.Second
)

// Builder composes snapshots. It must never fail.
type Builder interface {
	Build(ctx context.Context) pulse.Snapshot
	BuildSummary(ctx context.Context) pulse.Snapshot
}

// Presence reports how many distinct clients were seen recently.
type Presence interface {
	Active() int
}

type Config struct {
	Counters *stats.Counters
	Builder  Builder
	Registry *registry.Registry

	// Simulator drives the counters on its own cadence. Nil or simulate.Noop
	// disables the job.
	Simulator simulate.Simulator
	// Presence feeds the online-user gauge. Nil disables the job.
	Presence Presence

	RateInterval      time.Duration
	BroadcastInterval time.Duration
	SimulatorInterval time.Duration
	PresenceInterval  time.Duration

	Metrics *instrument.Metrics
	Logger  zerolog.Logger
}

// Broadcaster owns the scheduler and the subscriber-facing operations.
type Broadcaster struct {
	counters  *stats.Counters
	builder   Builder
	registry  *registry.Registry
	simulator simulate.Simulator
	presence  Presence
	intervals intervals
	metrics   *instrument.Metrics
	log       zerolog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	jobs   []string
}

type intervals struct {
	rate      time.Duration
	broadcast time.Duration
	simulator time.Duration
	presence  time.Duration
}

func New(c Config) (*Broadcaster, error) {
	if c.Counters == nil || c.Builder == nil || c.Registry == nil {
		return nil, fmt.Errorf("counters, builder and registry are required: %w", pulse.ErrFatal)
	}

	return &Broadcaster{
		counters:  c.Counters,
		builder:   c.Builder,
		registry:  c.Registry,
		simulator: c.Simulator,
		presence:  c.Presence,
		intervals: intervals{
			rate:      orDefault(c.RateInterval, DefaultRateInterval),
			broadcast: orDefault(c.BroadcastInterval, DefaultBroadcastInterval),
			simulator: orDefault(c.SimulatorInterval, DefaultSimulatorInterval),
			presence:  orDefault(c.PresenceInterval, DefaultPresenceInterval),
		},
		metrics: c.Metrics,
		log:     c.Logger,
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start schedules the periodic jobs. Each job runs on its own goroutine,
// skips a tick while its previous run is still going and recovers from panics.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cron != nil {
		return fmt.Errorf("broadcaster already started: %w", pulse.ErrFatal)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{log: b.log}

	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	var jobs []string
	schedule := func(name string, every time.Duration, job func()) {
		c.Schedule(cron.Every(every), cron.FuncJob(job))
		jobs = append(jobs, name)
	}

	schedule("rate", b.intervals.rate, func() { b.RateTick(ctx) })
	schedule("broadcast", b.intervals.broadcast, func() { b.BroadcastTick(ctx) })

	switch b.simulator.(type) {
	case nil, simulate.Noop:
	default:
		schedule("simulator", b.intervals.simulator, b.simulator.Tick)
	}

	if b.presence != nil {
		schedule("presence", b.intervals.presence, b.PresenceTick)
	}

	c.Start()

	b.cron = c
	b.cancel = cancel
	b.jobs = jobs

	b.log.Info().
		Stringer("rate_interval", b.intervals.rate).
		Stringer("broadcast_interval", b.intervals.broadcast).
		Strs("jobs", jobs).
		Msg("Scheduler Started")

	return nil
}

// Stop cancels in-flight builds and waits for running jobs to return, or
// for ctx to be done.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	c, cancel := b.cron, b.cancel
	b.cron, b.cancel = nil, nil
	b.mu.Unlock()

	if c == nil {
		return nil
	}

	cancel()

	select {
	case <-c.Stop().Done():
		b.log.Info().Msg("Scheduler Stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// RateTick closes the current request window, stores the rate for the next
// builds and broadcasts immediately.
func (b *Broadcaster) RateTick(ctx context.Context) {
	rpm := b.counters.SampleWindow()
	b.counters.SetRequestsPerMinute(rpm)

	b.log.Debug().
		Int("requests_per_min", rpm).
		Msg("Request Rate Sampled")

	b.BroadcastTick(ctx)
}

// BroadcastTick builds one snapshot and fans it out. With no subscribers
// it does nothing, so idle dashboards cost no aggregate queries.
func (b *Broadcaster) BroadcastTick(ctx context.Context) registry.Result {
	if b.registry.Len() == 0 {
		return registry.Result{}
	}

	snap := b.builder.Build(ctx)
	res := b.registry.Broadcast(ctx, snap)

	b.metrics.Broadcast(res.Delivered, res.Evicted)

	if res.Evicted > 0 {
		b.log.Debug().
			Int("delivered", res.Delivered).
			Int("evicted", res.Evicted).
			Msg("Subscribers Evicted")
	}

	return res
}

// PresenceTick copies the presence count into the online-user gauge.
func (b *Broadcaster) PresenceTick() {
	if b.presence == nil {
		return
	}
	b.counters.SetOnlineUsers(b.presence.Active())
}

// Subscribe registers sender and pushes it a fresh snapshot right away.
func (b *Broadcaster) Subscribe(ctx context.Context, sender pulse.Sender) (*registry.Connection, error) {
	return b.registry.Register(ctx, sender, b.builder.Build(ctx))
}

// Unsubscribe removes conn from the registry.
func (b *Broadcaster) Unsubscribe(conn *registry.Connection) {
	b.registry.Unregister(conn)
}

// Current builds a snapshot synchronously.
func (b *Broadcaster) Current(ctx context.Context) pulse.Snapshot {
	return b.builder.Build(ctx)
}

// Summary builds a dashboard summary synchronously.
func (b *Broadcaster) Summary(ctx context.Context) pulse.Snapshot {
	return b.builder.BuildSummary(ctx)
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	return b.registry.Len()
}
