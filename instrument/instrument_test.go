package instrument

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}

	m.Fallback("orders")
	m.Fallback("orders")
	m.Fallback("users")
	m.Broadcast(3, 1)
	m.Broadcast(2, 0)
	m.Rejected("capacity")
	m.ObserveBuild(15 * time.Millisecond)

	if got := testutil.ToFloat64(m.fallbacks.WithLabelValues("orders")); got != 2 {
		t.Errorf("orders fallbacks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.broadcasts); got != 2 {
		t.Errorf("broadcasts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.deliveries); got != 5 {
		t.Errorf("deliveries = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.evictions); got != 1 {
		t.Errorf("evictions = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.buildDuration); got != 1 {
		t.Errorf("build histograms = %d, want 1", got)
	}

	expected := `
# HELP pulse_subscriptions_rejected_total Stream subscriptions refused by admission control, by reason.
# TYPE pulse_subscriptions_rejected_total counter
pulse_subscriptions_rejected_total{reason="capacity"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "pulse_subscriptions_rejected_total"); err != nil {
		t.Error(err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	m.Fallback("orders")
	m.Broadcast(1, 1)
	m.Rejected("rate")
	m.ObserveBuild(time.Second)
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("second New on the same registry succeeded")
	}
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	online := 25.0

	err := Gauges(reg, map[string]func() float64{
		"online_users": func() float64 { return online },
	})
	if err != nil {
		t.Fatal(err)
	}

	online = 30
	expected := `
# HELP pulse_online_users Live value of online_users.
# TYPE pulse_online_users gauge
pulse_online_users 30
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "pulse_online_users"); err != nil {
		t.Error(err)
	}
}
