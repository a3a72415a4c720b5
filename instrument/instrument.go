// Package instrument exposes Prometheus collectors describing the
// broadcaster itself. All methods are safe on a nil *Metrics.
package instrument

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pulse"

type Metrics struct {
	fallbacks     *prometheus.CounterVec
	broadcasts    prometheus.Counter
	deliveries    prometheus.Counter
	evictions     prometheus.Counter
	rejections    *prometheus.CounterVec
	buildDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fallbacks_total",
			Help:      "Snapshots built with fallback values, by aggregate source.",
		}, []string{"source"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Snapshots fanned out to subscribers.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Snapshots successfully handed to a subscriber.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_evicted_total",
			Help:      "Subscribers removed after a failed delivery.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_rejected_total",
			Help:      "Stream subscriptions refused by admission control, by reason.",
		}, []string{"reason"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_build_seconds",
			Help:      "Time spent building a snapshot, including aggregate queries.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{m.fallbacks, m.broadcasts, m.deliveries, m.evictions, m.rejections, m.buildDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Gauges registers gauge functions reading live values, typically the
// counters and the subscriber count.
func Gauges(reg prometheus.Registerer, gauges map[string]func() float64) error {
	for name, fn := range gauges {
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Live value of " + name + ".",
		}, fn)
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Fallback(source string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(source).Inc()
}

func (m *Metrics) Broadcast(delivered, evicted int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.deliveries.Add(float64(delivered))
	m.evictions.Add(float64(evicted))
}

func (m *Metrics) ObserveBuild(d time.Duration) {
	if m == nil {
		return
	}
	m.buildDuration.Observe(d.Seconds())
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}
