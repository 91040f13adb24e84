// poller is the StravaPoller background daemon: it keeps every enrolled
// user's mirrored Strava activity history up to date by running the
// Scheduler (C6) against the Postgres-backed PollState/Activity/Token
// stores, and serves /healthz and /readyz for operational monitoring.
//
// There is no leader election: spec.md names multi-instance coordination
// a Non-goal, so exactly one poller replica is expected to run against a
// given database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awelzel/stravapoller/internal/api"
	"github.com/awelzel/stravapoller/internal/clientpool"
	"github.com/awelzel/stravapoller/internal/config"
	"github.com/awelzel/stravapoller/internal/poller"
	"github.com/awelzel/stravapoller/internal/postgres"
	"github.com/awelzel/stravapoller/internal/stravaapi"
)

// validateEnv checks the handful of env vars whose format can't be
// caught by config.Load's validate() alone (it only checks that required
// values are present and that WORKER_COUNT is at least 1).
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("HTTP_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}
	for _, name := range []string{"POLL_SLEEP", "LATEST_INTERVAL", "STRAVA_CALL_TIMEOUT", "SHUTDOWN_DRAIN_DEADLINE"} {
		if v := os.Getenv(name); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid Go duration (e.g. 10s, 2m) (%v)", name, v, err))
			}
		}
	}

	return errs
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(api.NewContextHandler(base)))
}

func main() {
	logLevelFlag := flag.String("loglevel", "", "override the configured log level (debug, info, warn, error)")
	flag.Parse()

	// Bootstrapping log level from the raw environment, since config.Load
	// hasn't run yet; re-applied below once cfg is loaded, so a YAML
	// override still wins over this early guess unless -loglevel is set.
	setupLogging(os.Getenv("LOG_LEVEL"))

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	setupLogging(cfg.LogLevel)

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	pollStates := postgres.NewPollStateStore(pool)
	tokens := postgres.NewTokenStore(pool)
	applier := postgres.NewResultApplier(pool)

	clients := clientpool.New(func() (*stravaapi.Client, error) {
		return stravaapi.New(stravaapi.Config{
			BaseURL:      cfg.StravaBaseURL,
			ClientID:     cfg.StravaClientID,
			ClientSecret: cfg.StravaClientSecret,
			Timeout:      cfg.StravaCallTimeout,
		}), nil
	}, cfg.ClientPoolMaxSize)

	workerCfg := poller.DefaultWorkerConfig()
	workerCfg.LatestLookback = time.Duration(cfg.LatestLookbackDays) * 24 * time.Hour
	workerCfg.LatestLookbackPerPage = int32(cfg.LatestLookbackPerPage)
	workerCfg.FullFetchPerPageDefault = int32(cfg.FullFetchPerPage)

	worker := poller.NewWorker(clients, workerCfg)

	sched := poller.New(pollStates, tokens, applier, worker, poller.SchedulerConfig{
		WorkerCount:    cfg.WorkerCount,
		PollSleep:      cfg.PollSleep,
		LatestInterval: cfg.LatestInterval,
		ShutdownDrain:  cfg.ShutdownDrainDeadline,
	})
	sched.Start(ctx)
	slog.Info("scheduler started", "worker_count", cfg.WorkerCount, "poll_sleep", cfg.PollSleep)

	srv := &api.Server{DBHealth: postgres.NewHealthChecker(pool)}
	router := api.NewRouter(srv)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("poller daemon started", "http_addr", cfg.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Ordered shutdown: scheduler drains in-flight jobs (bounded by
	// cfg.ShutdownDrainDeadline) before the database pool closes.
	sched.Stop()
	slog.Info("scheduler stopped")

	slog.Info("poller daemon shutdown complete")
}
