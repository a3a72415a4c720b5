package broadcast

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudbox/pulse"
	"github.com/cloudbox/pulse/registry"
	"github.com/cloudbox/pulse/simulate"
	"github.com/cloudbox/pulse/snapshot"
	"github.com/cloudbox/pulse/stats"
)

type countingBuilder struct {
	counters *stats.Counters
	builds   atomic.Int64
	panics   bool
}

func (b *countingBuilder) Build(context.Context) pulse.Snapshot {
	b.builds.Add(1)
	if b.panics {
		panic("builder exploded")
	}
	return pulse.Snapshot{
		OnlineUsers:       b.counters.OnlineUsers(),
		RequestsPerMinute: b.counters.RequestsPerMinute(),
		RevenueToday:      decimal.Zero,
	}
}

func (b *countingBuilder) BuildSummary(ctx context.Context) pulse.Snapshot {
	s := b.Build(ctx)
	total := 1
	s.TotalUsers = &total
	return s
}

type sink struct {
	mu   sync.Mutex
	got  []pulse.Snapshot
	fail atomic.Bool
}

func (s *sink) Send(_ context.Context, snap pulse.Snapshot) error {
	if s.fail.Load() {
		return errors.New("broken pipe")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, snap)
	return nil
}

func (s *sink) received() []pulse.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pulse.Snapshot(nil), s.got...)
}

func newBroadcaster(t *testing.T, c Config) *Broadcaster {
	t.Helper()
	b, err := New(c)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, pulse.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
}

func TestBroadcastTickWithoutSubscribersSkipsBuild(t *testing.T) {
	counters := stats.New()
	builder := &countingBuilder{counters: counters}

	b := newBroadcaster(t, Config{
		Counters: counters,
		Builder:  builder,
		Registry: registry.New(registry.Config{}),
	})

	res := b.BroadcastTick(context.Background())

	if builder.builds.Load() != 0 {
		t.Errorf("builds = %d, want 0", builder.builds.Load())
	}
	if res != (registry.Result{}) {
		t.Errorf("Result = %+v, want zero", res)
	}
}

func TestBroadcastTickBuildsOnce(t *testing.T) {
	counters := stats.New()
	builder := &countingBuilder{counters: counters}

	b := newBroadcaster(t, Config{
		Counters: counters,
		Builder:  builder,
		Registry: registry.New(registry.Config{}),
	})

	sinks := []*sink{{}, {}, {}}
	for _, s := range sinks {
		if _, err := b.Subscribe(context.Background(), s); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	before := builder.builds.Load()
	res := b.BroadcastTick(context.Background())

	if got := builder.builds.Load() - before; got != 1 {
		t.Errorf("builds per tick = %d, want 1", got)
	}
	if res.Delivered != len(sinks) {
		t.Errorf("Delivered = %d, want %d", res.Delivered, len(sinks))
	}
	for i, s := range sinks {
		if got := len(s.received()); got != 2 {
			t.Errorf("sink %d received %d, want 2", i, got)
		}
	}
}

func TestRateTickStoresDeltaAndBroadcasts(t *testing.T) {
	counters := stats.New()
	builder := &countingBuilder{counters: counters}

	b := newBroadcaster(t, Config{
		Counters: counters,
		Builder:  builder,
		Registry: registry.New(registry.Config{}),
	})

	s := &sink{}
	if _, err := b.Subscribe(context.Background(), s); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for range 45 {
		counters.IncrementRequest()
	}
	b.RateTick(context.Background())

	got := s.received()
	if len(got) != 2 {
		t.Fatalf("received %d, want 2", len(got))
	}
	if got[1].RequestsPerMinute != 45 {
		t.Errorf("RequestsPerMinute = %d, want 45", got[1].RequestsPerMinute)
	}

	// broadcasts between rate samples reuse the stored rate
	for range 10 {
		counters.IncrementRequest()
	}
	b.BroadcastTick(context.Background())

	got = s.received()
	if got[2].RequestsPerMinute != 45 {
		t.Errorf("RequestsPerMinute = %d, want 45 until the next rate tick", got[2].RequestsPerMinute)
	}
}

func TestBroadcastTickEvictsFailedSubscriber(t *testing.T) {
	counters := stats.New()
	b := newBroadcaster(t, Config{
		Counters: counters,
		Builder:  &countingBuilder{counters: counters},
		Registry: registry.New(registry.Config{}),
	})

	good, bad := &sink{}, &sink{}
	if _, err := b.Subscribe(context.Background(), good); err != nil {
		t.Fatal(err)
	}
	conn, err := b.Subscribe(context.Background(), bad)
	if err != nil {
		t.Fatal(err)
	}

	bad.fail.Store(true)
	res := b.BroadcastTick(context.Background())

	if res.Evicted != 1 || res.Delivered != 1 {
		t.Fatalf("Result = %+v, want {Delivered:1 Evicted:1}", res)
	}
	if conn.State() != registry.Closed {
		t.Errorf("state = %s, want closed", conn.State())
	}
	if b.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", b.Subscribers())
	}
}

func TestScenarioDashboardFeed(t *testing.T) {
	counters := stats.New()
	counters.SetOnlineUsers(25)
	counters.SetRequestsPerMinute(45)

	orders := orderSource{count: 8, revenue: decimal.RequireFromString("750.50")}
	builder := snapshot.New(snapshot.Config{
		Counters: counters,
		Orders:   orders,
	})

	b := newBroadcaster(t, Config{
		Counters: counters,
		Builder:  builder,
		Registry: registry.New(registry.Config{}),
	})

	s := &sink{}
	if _, err := b.Subscribe(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	b.BroadcastTick(context.Background())

	got := s.received()
	if len(got) != 2 {
		t.Fatalf("received %d, want 2", len(got))
	}

	data, err := got[1].MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}

	want := `{"onlineUsers":25,"requestsPerMin":45,"ordersToday":8,"revenueToday":750.50}`
	if string(data) != want {
		t.Errorf("payload = %s, want %s", data, want)
	}
}

type orderSource struct {
	count   int
	revenue decimal.Decimal
}

func (o orderSource) CountSince(context.Context, time.Time) (int, error) {
	return o.count, nil
}

func (o orderSource) RevenueSince(context.Context, time.Time) (decimal.Decimal, error) {
	return o.revenue, nil
}

type fixedPresence int

func (p fixedPresence) Active() int { return int(p) }

func TestPresenceTick(t *testing.T) {
	counters := stats.New()
	b := newBroadcaster(t, Config{
		Counters: counters,
		Builder:  &countingBuilder{counters: counters},
		Registry: registry.New(registry.Config{}),
		Presence: fixedPresence(12),
	})

	b.PresenceTick()

	if got := counters.OnlineUsers(); got != 12 {
		t.Errorf("OnlineUsers() = %d, want 12", got)
	}
}

type tickCounter struct {
	ticks atomic.Int64
}

func (s *tickCounter) Tick() { s.ticks.Add(1) }

func TestStartStop(t *testing.T) {
	counters := stats.New()
	builder := &countingBuilder{counters: counters, panics: true}
	sim := &tickCounter{}

	b := newBroadcaster(t, Config{
		Counters:          counters,
		Builder:           builder,
		Registry:          registry.New(registry.Config{}),
		Simulator:         sim,
		BroadcastInterval: time.Second,
		SimulatorInterval: time.Second,
	})

	// a registered subscriber makes the broadcast job build, and the
	// panicking builder must not take the scheduler down
	if _, err := b.registry.Register(context.Background(), &sink{}, pulse.Snapshot{}); err != nil {
		t.Fatal(err)
	}

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(); !errors.Is(err, pulse.ErrFatal) {
		t.Errorf("second Start err = %v, want ErrFatal", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sim.ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if sim.ticks.Load() < 2 {
		t.Errorf("simulator ticks = %d, want at least 2", sim.ticks.Load())
	}
	if builder.builds.Load() == 0 {
		t.Error("broadcast job never ran")
	}

	after := sim.ticks.Load()
	time.Sleep(1500 * time.Millisecond)
	if sim.ticks.Load() != after {
		t.Error("simulator kept ticking after Stop")
	}

	if err := b.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStartSchedulesJobs(t *testing.T) {
	type Test struct {
		Name      string
		Simulator simulate.Simulator
		Presence  Presence
		Expected  []string
	}

	testCases := []Test{
		{Name: "Noop simulator with presence", Simulator: simulate.Noop{}, Presence: fixedPresence(1), Expected: []string{"rate", "broadcast", "presence"}},
		{Name: "Nil simulator and no presence", Expected: []string{"rate", "broadcast"}},
		{Name: "Active simulator", Simulator: &tickCounter{}, Expected: []string{"rate", "broadcast", "simulator"}},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			counters := stats.New()
			b := newBroadcaster(t, Config{
				Counters:  counters,
				Builder:   &countingBuilder{counters: counters},
				Registry:  registry.New(registry.Config{}),
				Simulator: tc.Simulator,
				Presence:  tc.Presence,
			})

			if err := b.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			t.Cleanup(func() { _ = b.Stop(context.Background()) })

			b.mu.Lock()
			got, entries := b.jobs, len(b.cron.Entries())
			b.mu.Unlock()

			if !slices.Equal(got, tc.Expected) {
				t.Errorf("jobs = %v, want %v", got, tc.Expected)
			}
			if entries != len(tc.Expected) {
				t.Errorf("cron entries = %d, want %d", entries, len(tc.Expected))
			}
		})
	}
}
