// Package config loads the poller's runtime configuration: environment
// variables first, with an optional YAML file layered underneath for
// values not set in the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs the poller daemon needs.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	StravaBaseURL      string        `yaml:"strava_base_url"`
	StravaClientID     string        `yaml:"strava_client_id"`
	StravaClientSecret string        `yaml:"strava_client_secret"`
	StravaCallTimeout  time.Duration `yaml:"strava_call_timeout"`

	WorkerCount           int           `yaml:"worker_count"`
	PollSleep             time.Duration `yaml:"poll_sleep"`
	LatestInterval        time.Duration `yaml:"latest_interval"`
	LatestLookbackDays    int           `yaml:"latest_lookback_days"`
	LatestLookbackPerPage int           `yaml:"latest_lookback_per_page"`
	FullFetchPerPage      int           `yaml:"full_fetch_per_page"`
	ShutdownDrainDeadline time.Duration `yaml:"shutdown_drain_deadline"`

	ClientPoolMaxSize int `yaml:"client_pool_maxsize"`

	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the out-of-the-box defaults, matching
// original_source/tourmap/tasks/strava_poller.py's constants
// (5 minute latest interval, 14 day lookback, 50 per-page, 4 workers)
// plus spec.md's full_fetch_per_page default of 20.
func Default() Config {
	return Config{
		StravaBaseURL:         "https://www.strava.com/api/v3",
		StravaCallTimeout:     10 * time.Second,
		WorkerCount:           4,
		PollSleep:             5 * time.Second,
		LatestInterval:        5 * time.Minute,
		LatestLookbackDays:    14,
		LatestLookbackPerPage: 50,
		FullFetchPerPage:      20,
		ShutdownDrainDeadline: 30 * time.Second,
		ClientPoolMaxSize:     0, // unbounded, matching the source's default
		HTTPAddr:              ":8080",
		LogLevel:              "info",
	}
}

// Load builds a Config by starting from Default, layering an optional
// YAML file on top (path may be empty, meaning "no file"), and finally
// letting environment variables override any field they name.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path. Priority: POLLER_CONFIG env var
// > ./poller.yaml > none.
func ResolvePath() string {
	if p := os.Getenv("POLLER_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("poller.yaml"); err == nil {
		return "poller.yaml"
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.StravaBaseURL = envString("STRAVA_BASE_URL", cfg.StravaBaseURL)
	cfg.StravaClientID = envString("STRAVA_CLIENT_ID", cfg.StravaClientID)
	cfg.StravaClientSecret = envString("STRAVA_CLIENT_SECRET", cfg.StravaClientSecret)
	cfg.StravaCallTimeout = envDuration("STRAVA_CALL_TIMEOUT", cfg.StravaCallTimeout)

	cfg.WorkerCount = envInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.PollSleep = envDuration("POLL_SLEEP", cfg.PollSleep)
	cfg.LatestInterval = envDuration("LATEST_INTERVAL", cfg.LatestInterval)
	cfg.LatestLookbackDays = envInt("LATEST_LOOKBACK_DAYS", cfg.LatestLookbackDays)
	cfg.LatestLookbackPerPage = envInt("LATEST_LOOKBACK_PER_PAGE", cfg.LatestLookbackPerPage)
	cfg.FullFetchPerPage = envInt("FULL_FETCH_PER_PAGE", cfg.FullFetchPerPage)
	cfg.ShutdownDrainDeadline = envDuration("SHUTDOWN_DRAIN_DEADLINE", cfg.ShutdownDrainDeadline)
	cfg.ClientPoolMaxSize = envInt("CLIENT_POOL_MAXSIZE", cfg.ClientPoolMaxSize)

	cfg.HTTPAddr = envString("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.StravaClientID == "" || c.StravaClientSecret == "" {
		return fmt.Errorf("config: STRAVA_CLIENT_ID and STRAVA_CLIENT_SECRET are required")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: WORKER_COUNT must be >= 1, got %d", c.WorkerCount)
	}
	return nil
}
