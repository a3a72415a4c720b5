package dashboard

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(o)] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || allowed["*"] {
				return true
			}
			return allowed[strings.ToLower(origin)]
		},
	}
}

// WebSocket serves the same feed as Stream over text frames.
func (h *Handler) WebSocket(rw http.ResponseWriter, r *http.Request) {
	rlog := hlog.FromRequest(r)

	release, status := h.admit(r)
	if status != 0 {
		rw.WriteHeader(status)
		return
	}
	defer release()

	ws, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// the upgrader has already replied
		rlog.Debug().Err(err).Msg("WebSocket Upgrade Failed")
		return
	}
	defer ws.Close()

	s := newStream()
	defer s.close()

	conn, err := h.feed.Subscribe(r.Context(), s)
	if err != nil {
		rlog.Error().Err(err).Msg("Subscribe Failed")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(h.writeTimeout))
		return
	}
	defer h.feed.Unsubscribe(conn)

	rlog.Debug().Str("subscriber", conn.ID().String()).Msg("WebSocket Opened")

	// the client never sends data; reading detects disconnects and handles pongs
	go func() {
		defer s.close()

		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			rlog.Debug().Str("subscriber", conn.ID().String()).Msg("WebSocket Closed")
			return
		case <-conn.Done():
			rlog.Debug().Str("subscriber", conn.ID().String()).Msg("WebSocket Evicted")
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "evicted"),
				time.Now().Add(h.writeTimeout))
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		case snap := <-s.ch:
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := ws.WriteJSON(snap); err != nil {
				rlog.Debug().Err(err).Msg("WebSocket Write Failed")
				return
			}
		}
	}
}
