// Package pulse provides the core types shared by the live metrics broadcaster.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// A Snapshot is one immutable point-in-time bundle of dashboard metrics.
//
// Snapshots are built fresh on every sample by the snapshot builder and
// fanned out unchanged to every subscriber.
type Snapshot struct {
	OnlineUsers       int
	RequestsPerMinute int
	OrdersToday       int
	RevenueToday      decimal.Decimal

	// TotalUsers is only set for the dashboard summary.
	TotalUsers *int
}

type snapshotJSON struct {
	OnlineUsers    int         `json:"onlineUsers"`
	RequestsPerMin int         `json:"requestsPerMin"`
	OrdersToday    int         `json:"ordersToday"`
	RevenueToday   json.Number `json:"revenueToday"`
	TotalUsers     *int        `json:"totalUsers,omitempty"`
}

// MarshalJSON renders the wire format consumed by the dashboard.
// Revenue is a JSON number with two decimals.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		OnlineUsers:    s.OnlineUsers,
		RequestsPerMin: s.RequestsPerMinute,
		OrdersToday:    s.OrdersToday,
		RevenueToday:   json.Number(s.RevenueToday.StringFixed(2)),
		TotalUsers:     s.TotalUsers,
	})
}

// OrderSource provides aggregates over persisted orders.
// Both methods only consider orders whose status counts as completed,
// created at or after since.
type OrderSource interface {
	CountSince(ctx context.Context, since time.Time) (int, error)
	RevenueSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// UserSource provides aggregates over persisted users.
type UserSource interface {
	ActiveUserCount(ctx context.Context) (int, error)
}

// A Sender delivers snapshots over one subscriber's transport.
// Send must return once the snapshot is handed off or ctx is done.
type Sender interface {
	Send(ctx context.Context, s Snapshot) error
}

// SenderFunc adapts a function to a Sender.
type SenderFunc func(ctx context.Context, s Snapshot) error

// Send calls f(ctx, s).
func (f SenderFunc) Send(ctx context.Context, s Snapshot) error {
	return f(ctx, s)
}

var (
	// ErrSourceUnavailable indicates that an aggregate source could not
	// answer in time or at all. The snapshot builder replaces the value
	// with a fallback.
	ErrSourceUnavailable = errors.New("aggregate source unavailable")

	// ErrSubscriberClosed is returned when delivering to a subscriber
	// whose transport has gone away.
	ErrSubscriberClosed = errors.New("subscriber closed")

	// ErrSendTimeout is returned when a subscriber could not accept a
	// snapshot within the send timeout.
	ErrSendTimeout = errors.New("subscriber send timed out")

	// ErrFatal indicates a severe problem related to development.
	ErrFatal = errors.New("fatal error")
)
