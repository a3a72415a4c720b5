package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/cloudbox/pulse/broadcast"
	"github.com/cloudbox/pulse/dashboard"
	"github.com/cloudbox/pulse/internal/database"
	"github.com/cloudbox/pulse/presence"
)

const (
	defaultPort = 3030

	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

type authConfig struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"` //nolint:gosec // user-provided credential field
	JWTSecret string `yaml:"jwt-secret"`
}

type corsConfig struct {
	Origins []string `yaml:"origins"`
}

type datastoreConfig struct {
	Driver   string          `yaml:"driver"`
	Postgres database.Config `yaml:"postgres"`
}

type presenceConfig struct {
	Window   time.Duration `yaml:"window"`
	Interval time.Duration `yaml:"interval"`
	MaxKeys  int           `yaml:"max-keys"`
}

type simulatorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type config struct {
	// General configuration
	Host []string `yaml:"host"`
	Port int      `yaml:"port"`

	// Scheduler
	RateInterval      time.Duration `yaml:"rate-interval"`
	BroadcastInterval time.Duration `yaml:"broadcast-interval"`
	SendTimeout       time.Duration `yaml:"send-timeout"`
	SourceTimeout     time.Duration `yaml:"source-timeout"`
	SourceInFlight    int64         `yaml:"source-max-inflight"`
	StatsInterval     time.Duration `yaml:"stats-interval"`

	// Per-component log level, keyed by broadcast, registry or snapshot
	Verbosity map[string]string `yaml:"verbosity"`

	// Admission control for the streaming endpoints
	MaxSubscribers int64   `yaml:"max-subscribers"`
	SubscribeRate  float64 `yaml:"subscribe-rate"`

	// Authentication for the admin routes
	Auth authConfig `yaml:"authentication"`
	CORS corsConfig `yaml:"cors"`

	Datastore datastoreConfig `yaml:"datastore"`
	Presence  presenceConfig  `yaml:"presence"`
	Simulator simulatorConfig `yaml:"simulator"`
}

func defaultConfig() config {
	return config{
		Host:              []string{""},
		Port:              defaultPort,
		RateInterval:      broadcast.DefaultRateInterval,
		BroadcastInterval: broadcast.DefaultBroadcastInterval,
		SendTimeout:       2 * time.Second,
		SourceTimeout:     3 * time.Second,
		SourceInFlight:    4,
		StatsInterval:     1 * time.Hour,
		MaxSubscribers:    dashboard.DefaultMaxSubscribers,
		SubscribeRate:     dashboard.DefaultSubscribeRate,
		Datastore: datastoreConfig{
			Driver: driverSQLite,
			Postgres: database.Config{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "prefer",
			},
		},
		Presence: presenceConfig{
			Window:   presence.DefaultWindow,
			Interval: broadcast.DefaultPresenceInterval,
			MaxKeys:  presence.DefaultMaxKeys,
		},
		Simulator: simulatorConfig{
			Interval: broadcast.DefaultSimulatorInterval,
		},
	}
}

// decodeConfig decodes YAML from r on top of the defaults.
func decodeConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()

	decoder := yaml.NewDecoder(r)
	decoder.SetStrict(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, err
	}

	switch cfg.Datastore.Driver {
	case driverSQLite, driverPostgres:
	default:
		return cfg, fmt.Errorf("unknown datastore driver: %q", cfg.Datastore.Driver)
	}

	return cfg, nil
}

// loadConfig reads and decodes the YAML config file, applying defaults.
// A missing file runs the defaults. Calls log.Fatal on any other error.
func loadConfig() config {
	file, err := os.Open(cli.Config)
	if os.IsNotExist(err) {
		log.Warn().
			Str("path", cli.Config).
			Msg("Config Not Found, Using Defaults")
		return defaultConfig()
	}
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("Config Open Failed")
	}

	cfg, err := decodeConfig(file)
	_ = file.Close()

	if err != nil {
		log.Fatal().
			Err(err).
			Msg("Config Decode Failed")
	}

	return cfg
}
