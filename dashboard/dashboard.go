// Package dashboard serves the live metrics feed and the snapshot
// endpoints used by the admin dashboard.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cloudbox/pulse"
	"github.com/cloudbox/pulse/instrument"
	"github.com/cloudbox/pulse/registry"
	"github.com/cloudbox/pulse/stats"
)

const (
	DefaultMaxSubscribers = 256
	DefaultSubscribeRate  = 10
	DefaultWriteTimeout   = 10 * time.Second
)

// Feed is the part of the broadcaster the handlers need.
type Feed interface {
	Subscribe(ctx context.Context, sender pulse.Sender) (*registry.Connection, error)
	Unsubscribe(conn *registry.Connection)
	Current(ctx context.Context) pulse.Snapshot
	Summary(ctx context.Context) pulse.Snapshot
}

type Config struct {
	// MaxSubscribers caps concurrently open streams.
	MaxSubscribers int64
	// SubscribeRate caps new streams per second. Bursts of twice the rate are allowed.
	SubscribeRate float64
	// WriteTimeout bounds a single frame write to a stream.
	WriteTimeout time.Duration
	// Origins may open WebSocket streams. Empty allows any origin.
	Origins []string

	Metrics *instrument.Metrics
}

type Handler struct {
	feed         Feed
	slots        *semaphore.Weighted
	limiter      *rate.Limiter
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	metrics      *instrument.Metrics
}

func New(feed Feed, c Config) *Handler {
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = DefaultMaxSubscribers
	}
	if c.SubscribeRate <= 0 {
		c.SubscribeRate = DefaultSubscribeRate
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}

	burst := max(int(c.SubscribeRate*2), 1)

	return &Handler{
		feed:         feed,
		slots:        semaphore.NewWeighted(c.MaxSubscribers),
		limiter:      rate.NewLimiter(rate.Limit(c.SubscribeRate), burst),
		writeTimeout: c.WriteTimeout,
		upgrader:     newUpgrader(c.Origins),
		metrics:      c.Metrics,
	}
}

// Routes mounts the dashboard endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/metrics/stream", h.Stream)
	r.Get("/metrics/ws", h.WebSocket)
	r.Get("/metrics/current", h.Current)
	r.Get("/dashboard/summary", h.Summary)
}

// Current responds with a snapshot built at call time.
func (h *Handler) Current(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, r, h.feed.Current(r.Context()))
}

// Summary responds with a snapshot including the total user count.
func (h *Handler) Summary(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, r, h.feed.Summary(r.Context()))
}

// admit reserves a stream slot. The returned status is non-zero when the
// request must be refused.
func (h *Handler) admit(r *http.Request) (release func(), status int) {
	rlog := hlog.FromRequest(r)

	if !h.limiter.Allow() {
		rlog.Warn().Msg("Subscription Rate Exceeded")
		h.metrics.Rejected("rate")
		return nil, http.StatusTooManyRequests
	}

	if !h.slots.TryAcquire(1) {
		rlog.Warn().Msg("Subscriber Limit Reached")
		h.metrics.Rejected("capacity")
		return nil, http.StatusServiceUnavailable
	}

	return func() { h.slots.Release(1) }, 0
}

func writeJSON(rw http.ResponseWriter, r *http.Request, s pulse.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed encoding snapshot")
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(data)
}

// CountRequests increments the request counter for every request.
func CountRequests(c *stats.Counters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			c.IncrementRequest()
			next.ServeHTTP(rw, r)
		})
	}
}
