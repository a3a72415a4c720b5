package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/cloudbox/pulse/dashboard"
	"github.com/cloudbox/pulse/internal/auth"
	"github.com/cloudbox/pulse/presence"
	"github.com/cloudbox/pulse/stats"
)

const healthPingTimeout = 2 * time.Second

type pinger interface {
	PingContext(ctx context.Context) error
}

type routerDeps struct {
	counters  *stats.Counters
	tracker   *presence.Tracker
	store     pinger
	dashboard *dashboard.Handler
	metrics   http.Handler
}

func createCredentials(cfg config) map[string]string {
	creds := make(map[string]string)
	creds[cfg.Auth.Username] = cfg.Auth.Password
	return creds
}

func getRouter(cfg config, deps routerDeps) chi.Router {
	mux := chi.NewRouter()

	// Middleware
	mux.Use(middleware.Recoverer)
	mux.Use(dashboard.CountRequests(deps.counters))
	if deps.tracker != nil {
		mux.Use(deps.tracker.Middleware)
	}

	// Logging-related middleware
	mux.Use(hlog.NewHandler(log.Logger))
	mux.Use(hlog.RequestIDHandler("id", "request-id"))
	mux.Use(hlog.URLHandler("url"))
	mux.Use(hlog.MethodHandler("method"))
	mux.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Int("status", status).
			Dur("duration", duration).
			Msg("Request Processed")
	}))

	if len(cfg.CORS.Origins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.Origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", presence.SessionHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check
	mux.Get("/health", healthHandler(deps.store))

	// Prometheus
	if deps.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", deps.metrics)
	}

	// Admin dashboard
	mux.Route("/api/admin", func(sub chi.Router) {
		switch {
		case cfg.Auth.JWTSecret != "":
			sub.Use(auth.Bearer([]byte(cfg.Auth.JWTSecret)))
		case cfg.Auth.Username != "" && cfg.Auth.Password != "":
			sub.Use(middleware.BasicAuth("Pulse", createCredentials(cfg)))
		}

		deps.dashboard.Routes(sub)
	})

	return mux
}

// Other Handlers

// healthHandler reports ready once pulse has initialised and the datastore
// answers a ping.
func healthHandler(store pinger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		if !ready.Load() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write([]byte(`{"status":"initializing"}`))
			return
		}

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()

			if err := store.PingContext(ctx); err != nil {
				hlog.FromRequest(r).Warn().
					Err(err).
					Msg("Datastore Unreachable")

				rw.WriteHeader(http.StatusServiceUnavailable)
				_, _ = rw.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}

		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(`{"status":"ready"}`))
	}
}
