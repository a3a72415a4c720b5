package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/cloudbox/pulse"
)

// stream hands snapshots from the broadcaster to the goroutine that owns
// the wire. It buffers at most one snapshot.
type stream struct {
	ch   chan pulse.Snapshot
	done chan struct{}
	once sync.Once
}

func newStream() *stream {
	return &stream{
		ch:   make(chan pulse.Snapshot, 1),
		done: make(chan struct{}),
	}
}

func (s *stream) Send(ctx context.Context, snap pulse.Snapshot) error {
	select {
	case <-s.done:
		return pulse.ErrSubscriberClosed
	default:
	}

	select {
	case s.ch <- snap:
		return nil
	case <-s.done:
		return pulse.ErrSubscriberClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) close() {
	s.once.Do(func() { close(s.done) })
}

// Stream serves the feed as Server-Sent Events. The first event carries a
// fresh snapshot; later events follow every broadcast until the client
// disconnects or the subscriber is evicted.
func (h *Handler) Stream(rw http.ResponseWriter, r *http.Request) {
	rlog := hlog.FromRequest(r)

	flusher, ok := rw.(http.Flusher)
	if !ok {
		rlog.Error().Msg("Streaming Unsupported")
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	release, status := h.admit(r)
	if status != 0 {
		rw.WriteHeader(status)
		return
	}
	defer release()

	s := newStream()
	defer s.close()

	ctx := r.Context()
	conn, err := h.feed.Subscribe(ctx, s)
	if err != nil {
		rlog.Error().Err(err).Msg("Subscribe Failed")
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer h.feed.Unsubscribe(conn)

	rlog.Debug().Str("subscriber", conn.ID().String()).Msg("Event Stream Opened")

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")

	// the server write timeout would otherwise end the stream
	rc := http.NewResponseController(rw)
	_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))

	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			rlog.Debug().Str("subscriber", conn.ID().String()).Msg("Event Stream Closed")
			return
		case <-conn.Done():
			rlog.Debug().Str("subscriber", conn.ID().String()).Msg("Event Stream Evicted")
			return
		case snap := <-s.ch:
			data, err := json.Marshal(snap)
			if err != nil {
				rlog.Error().Err(err).Msg("Failed encoding snapshot")
				return
			}

			_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if _, err := fmt.Fprintf(rw, "event: metrics\ndata: %s\n\n", data); err != nil {
				rlog.Debug().Err(err).Msg("Event Write Failed")
				return
			}
			flusher.Flush()
		}
	}
}
