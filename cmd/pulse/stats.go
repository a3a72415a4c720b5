package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"

	"github.com/cloudbox/pulse/broadcast"
	"github.com/cloudbox/pulse/stats"
)

func metricsStats(ctx context.Context, st *stats.Counters, b *broadcast.Broadcaster, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := st.Snapshot()
		subscribers := b.Subscribers()

		log.Info().
			Int64("online", snap.OnlineUsers).
			Int64("requests", snap.Requests).
			Int64("requests_per_min", snap.RequestsPerMinute).
			Int("subscribers", subscribers).
			Msg("Metrics Stats")

		status := fmt.Sprintf(
			"STATUS=online: %d | requests/min: %d | subscribers: %d",
			snap.OnlineUsers, snap.RequestsPerMinute, subscribers,
		)
		_, _ = daemon.SdNotify(false, status)
	}
}
