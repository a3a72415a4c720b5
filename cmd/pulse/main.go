package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/natefinch/lumberjack"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudbox/pulse"
	"github.com/cloudbox/pulse/aggregate"
	"github.com/cloudbox/pulse/broadcast"
	"github.com/cloudbox/pulse/dashboard"
	"github.com/cloudbox/pulse/instrument"
	"github.com/cloudbox/pulse/internal/database"
	"github.com/cloudbox/pulse/internal/sqlite"
	"github.com/cloudbox/pulse/presence"
	"github.com/cloudbox/pulse/registry"
	"github.com/cloudbox/pulse/simulate"
	"github.com/cloudbox/pulse/snapshot"
	"github.com/cloudbox/pulse/stats"
)

const (
	logMaxSizeMB  = 5
	logMaxAgeDays = 14
	logMaxBackups = 5

	serverTimeout   = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

// ready is set to true after pulse has fully initialised, and is used by the
// health endpoint to distinguish "starting up" from "running".
var ready atomic.Bool

var (
	// release variables
	Version   string
	Timestamp string
	GitCommit string

	// CLI
	cli struct {
		globals

		// flags
		Config    string `type:"path" default:"${config_file}" env:"PULSE_CONFIG" help:"Config file path"`
		Database  string `type:"path" default:"${database_file}" env:"PULSE_DATABASE" help:"SQLite database file path"`
		Log       string `type:"path" default:"${log_file}" env:"PULSE_LOG" help:"Log file path"`
		Verbosity int    `type:"counter" default:"0" short:"v" env:"PULSE_VERBOSITY" help:"Log level verbosity"`
		LogLevel  string `default:"" env:"PULSE_LOG_LEVEL" help:"Log level (trace,debug,info,warn,error,fatal)"`

		// admin tokens
		IssueToken string        `name:"issue-token" placeholder:"SUBJECT" help:"Print a signed admin token for SUBJECT and quit"`
		TokenTTL   time.Duration `name:"token-ttl" default:"24h" help:"Validity of tokens printed by --issue-token"`
	}
)

type globals struct {
	Version versionFlag `name:"version" help:"Print version information and quit"`
}

type versionFlag string

func (versionFlag) Decode(_ *kong.DecodeContext) error { return nil }
func (versionFlag) IsBool() bool                       { return true }
func (versionFlag) BeforeApply(app *kong.Kong, vars kong.Vars) error { //nolint:unparam // satisfies kong.Hook interface
	fmt.Println(vars["version"])
	app.Exit(0)
	return nil
}

// datastoreHandle is the open database behind the aggregate store.
type datastoreHandle interface {
	PingContext(ctx context.Context) error
	io.Closer
}

// datastore is the aggregate source together with the handle that is
// pinged by /health and closed on shutdown.
type datastore struct {
	store  *aggregate.Store
	handle datastoreHandle
}

func main() {
	// parse cli
	ctx := kong.Parse(&cli,
		kong.Name("pulse"),
		kong.Description("Stream live operational metrics to admin dashboards"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Summary: true,
			Compact: true,
		}),
		kong.Vars{
			"version":       fmt.Sprintf("%s (%s@%s)", Version, GitCommit, Timestamp),
			"config_file":   filepath.Join(defaultConfigDirectory("pulse", "config.yml"), "config.yml"),
			"log_file":      filepath.Join(defaultConfigDirectory("pulse", "config.yml"), "activity.log"),
			"database_file": filepath.Join(defaultConfigDirectory("pulse", "config.yml"), "pulse.db"),
		},
	)

	if err := ctx.Validate(); err != nil {
		fmt.Println("Failed parsing cli:", err)
		os.Exit(1)
	}

	// logger
	setupLogger()

	// config
	cfg := loadConfig()

	if cli.IssueToken != "" {
		token, err := issueAdminToken(cfg, cli.IssueToken, cli.TokenTTL)
		if err != nil {
			log.Fatal().
				Err(err).
				Msg("Token Issue Failed")
		}

		fmt.Println(token)
		return
	}

	// datastore
	ds := initDatastore(cfg)

	// instrumentation
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics, err := instrument.New(promRegistry)
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("Metrics Init Failed")
	}

	// counters + broadcaster
	counters := stats.New()
	subscribers := registry.New(registry.Config{
		SendTimeout: cfg.SendTimeout,
		Logger:      pulse.ComponentLogger("registry", cfg.Verbosity["registry"]),
	})

	builder := snapshot.New(snapshot.Config{
		Counters:    counters,
		Orders:      ds.store,
		Users:       ds.store,
		Timeout:     cfg.SourceTimeout,
		MaxInFlight: cfg.SourceInFlight,
		Metrics:     metrics,
		Logger:      pulse.ComponentLogger("snapshot", cfg.Verbosity["snapshot"]),
	})

	tracker, simulator := initCounterDriver(cfg, counters)

	var pres broadcast.Presence
	if tracker != nil {
		pres = tracker
	}

	b, err := broadcast.New(broadcast.Config{
		Counters:          counters,
		Builder:           builder,
		Registry:          subscribers,
		Simulator:         simulator,
		Presence:          pres,
		RateInterval:      cfg.RateInterval,
		BroadcastInterval: cfg.BroadcastInterval,
		SimulatorInterval: cfg.Simulator.Interval,
		PresenceInterval:  cfg.Presence.Interval,
		Metrics:           metrics,
		Logger:            pulse.ComponentLogger("broadcast", cfg.Verbosity["broadcast"]),
	})
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("Broadcaster Init Failed")
	}

	err = instrument.Gauges(promRegistry, map[string]func() float64{
		"online_users":        func() float64 { return float64(counters.OnlineUsers()) },
		"requests_per_minute": func() float64 { return float64(counters.RequestsPerMinute()) },
		"requests_total":      func() float64 { return float64(counters.Requests()) },
		"subscribers":         func() float64 { return float64(b.Subscribers()) },
	})
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("Metrics Init Failed")
	}

	// Check authentication. If no auth -> warn user.
	if cfg.Auth.JWTSecret == "" && (cfg.Auth.Username == "" || cfg.Auth.Password == "") {
		log.Warn().Msg("Admin Routes Unauthenticated")
	}

	// http
	router := getRouter(cfg, routerDeps{
		counters: counters,
		tracker:  tracker,
		store:    ds.handle,
		dashboard: dashboard.New(b, dashboard.Config{
			MaxSubscribers: cfg.MaxSubscribers,
			SubscribeRate:  cfg.SubscribeRate,
			Origins:        cfg.CORS.Origins,
			Metrics:        metrics,
		}),
		metrics: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	})

	servers := startHTTPServers(cfg, router)

	// scheduler
	if err := b.Start(); err != nil {
		log.Fatal().
			Err(err).
			Msg("Scheduler Start Failed")
	}

	log.Info().
		Stringer("rate_interval", cfg.RateInterval).
		Stringer("broadcast_interval", cfg.BroadcastInterval).
		Bool("simulator", cfg.Simulator.Enabled).
		Msg("Broadcaster Initialised")

	// metrics stats
	statsCtx, stopStats := context.WithCancel(context.Background())
	if cfg.StatsInterval.Seconds() > 0 {
		go metricsStats(statsCtx, counters, b, cfg.StatsInterval)
	}

	// display initialised banner
	log.Info().
		Str("version", fmt.Sprintf("%s (%s@%s)", Version, GitCommit, Timestamp)).
		Msg("Pulse Initialised")

	sig := waitForShutdown()
	log.Info().Str("signal", sig.String()).Msg("Shutdown Signal")

	stopStats()
	shutdown(b, subscribers, servers, ds)
}

// initDatastore opens the configured aggregate store.
// Calls log.Fatal on initialisation error.
func initDatastore(cfg config) datastore {
	ctx, cancel := context.WithTimeout(context.Background(), serverTimeout)
	defer cancel()

	switch cfg.Datastore.Driver {
	case driverPostgres:
		pg, err := database.Connect(ctx, cfg.Datastore.Postgres)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("driver", driverPostgres).
				Msg("Datastore Init Failed")
		}

		log.Info().
			Str("driver", driverPostgres).
			Str("host", cfg.Datastore.Postgres.Host).
			Str("name", cfg.Datastore.Postgres.Name).
			Msg("Datastore Initialised")

		return datastore{store: aggregate.NewPostgres(pg.DB()), handle: pg}

	default:
		db, err := sqlite.NewDB(ctx, cli.Database)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("driver", driverSQLite).
				Msg("Datastore Init Failed")
		}

		store, err := aggregate.NewSQLite(ctx, db)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("driver", driverSQLite).
				Msg("Datastore Init Failed")
		}

		log.Info().
			Str("driver", driverSQLite).
			Str("path", db.Path()).
			Msg("Datastore Initialised")

		return datastore{store: store, handle: db}
	}
}

// initCounterDriver picks what moves the online-user gauge: the traffic
// simulator for demos, otherwise the presence tracker.
func initCounterDriver(cfg config, counters *stats.Counters) (*presence.Tracker, simulate.Simulator) {
	if cfg.Simulator.Enabled {
		log.Warn().
			Stringer("interval", cfg.Simulator.Interval).
			Msg("Traffic Simulator Enabled")

		seed := uint64(time.Now().UnixNano()) //nolint:gosec // non-negative wall clock
		return nil, simulate.NewRandom(counters, snapshot.NewRand(seed))
	}

	log.Info().
		Stringer("window", cfg.Presence.Window).
		Msg("Presence Tracking Enabled")

	return presence.New(cfg.Presence.Window, cfg.Presence.MaxKeys), simulate.Noop{}
}

// startHTTPServers starts one goroutine per host address that serves the router.
// Calls log.Fatal if any server fails to start.
func startHTTPServers(cfg config, router http.Handler) []*http.Server {
	servers := make([]*http.Server, 0, len(cfg.Host))

	for _, host := range cfg.Host {
		addr := host
		if !strings.Contains(addr, ":") {
			addr = fmt.Sprintf("%s:%d", host, cfg.Port)
		}

		server := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: serverTimeout,
			ReadTimeout:       serverTimeout,
			WriteTimeout:      serverTimeout,
		}
		servers = append(servers, server)

		go func() {
			log.Info().Str("addr", addr).Msg("Server Starting")
			if listenErr := server.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
				log.Fatal().
					Str("addr", addr).
					Err(listenErr).
					Msg("Server Start Failed")
			}
		}()
	}

	return servers
}

// waitForShutdown marks the process as ready (sd_notify + ready flag) and
// blocks until SIGINT or SIGTERM.
func waitForShutdown() os.Signal {
	ready.Store(true)

	sdOK, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn().Err(err).Msg("sd_notify Failed")
	} else if sdOK {
		log.Info().Msg("sd_notify Ready Sent")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return <-sigCh
}

// shutdown stops the scheduler, ends every stream, drains the servers and
// closes the datastore.
func shutdown(b *broadcast.Broadcaster, subscribers *registry.Registry, servers []*http.Server, ds datastore) {
	ready.Store(false)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduler Stop Failed")
	}

	// streams return once their connection is closed
	subscribers.Close()

	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Str("addr", server.Addr).Err(err).Msg("Server Shutdown Failed")
		}
	}

	if err := ds.handle.Close(); err != nil {
		log.Error().Err(err).Msg("Datastore Close Failed")
	}

	log.Info().Msg("Pulse Stopped")
}

// setupLogger configures the global zerolog logger using the CLI flags.
// Log level is set from --log-level if provided, otherwise from verbosity count.
func setupLogger() {
	logger := log.Output(io.MultiWriter(zerolog.ConsoleWriter{
		TimeFormat: time.Stamp,
		Out:        os.Stderr,
	}, &lumberjack.Logger{
		Filename:   cli.Log,
		MaxSize:    logMaxSizeMB,
		MaxAge:     logMaxAgeDays,
		MaxBackups: logMaxBackups,
	}))

	if cli.LogLevel != "" {
		level, err := zerolog.ParseLevel(cli.LogLevel)
		if err != nil {
			log.Logger = logger.Level(zerolog.InfoLevel)
			log.Fatal().Str("level", cli.LogLevel).Msg("Invalid Log Level")
		}

		log.Logger = logger.Level(level)

		return
	}

	switch {
	case cli.Verbosity == 1:
		log.Logger = logger.Level(zerolog.DebugLevel)
	case cli.Verbosity > 1:
		log.Logger = logger.Level(zerolog.TraceLevel)
	default:
		log.Logger = logger.Level(zerolog.InfoLevel)
	}
}
