// Package presence estimates how many clients are online from the
// requests they make.
package presence

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultWindow = 5 * time.Minute

	// DefaultMaxKeys bounds the number of distinct clients remembered at once.
	DefaultMaxKeys = 10000

	// SessionHeader lets the storefront identify a browser session
	// independently of its address.
	SessionHeader = "X-Session-Id"
)

// Tracker remembers when each client key was last seen.
type Tracker struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	maxKeys int
}

func New(window time.Duration, maxKeys int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	return &Tracker{
		seen:    make(map[string]time.Time),
		window:  window,
		maxKeys: maxKeys,
	}
}

// Seen records activity for key. Once maxKeys clients are remembered, a new
// key is only admitted after idle keys have been pruned to make room;
// otherwise it is ignored until the next window. Seen reports whether the
// key was recorded.
func (t *Tracker) Seen(key string) bool {
	if key == "" {
		return false
	}

	ts := now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[key]; !ok && len(t.seen) >= t.maxKeys {
		t.prune(ts)
		if len(t.seen) >= t.maxKeys {
			return false
		}
	}

	t.seen[key] = ts
	return true
}

// Active drops keys idle for longer than the window and returns how many remain.
func (t *Tracker) Active() int {
	ts := now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(ts)
	return len(t.seen)
}

func (t *Tracker) prune(ts time.Time) {
	cutoff := ts.Add(-t.window)
	for key, last := range t.seen {
		if last.Before(cutoff) {
			delete(t.seen, key)
		}
	}
}

// Middleware records every request under its client key.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t.Seen(ClientKey(r))
		next.ServeHTTP(rw, r)
	})
}

// ClientKey returns the session header when present, otherwise the client IP.
func ClientKey(r *http.Request) string {
	if session := r.Header.Get(SessionHeader); session != "" {
		return "session:" + session
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	return "ip:" + host
}

var now = time.Now
