// webd is the ambient OAuth enrollment server: it serves /authorize and
// /callback so a human can link their Strava account, which creates the
// User/Token/PollState rows the poller daemon (cmd/poller) then picks up.
// Entirely out of the poller core's scope; kept deliberately thin.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awelzel/stravapoller/internal/api"
	"github.com/awelzel/stravapoller/internal/config"
	"github.com/awelzel/stravapoller/internal/postgres"
	"github.com/awelzel/stravapoller/internal/stravaapi"
	"github.com/awelzel/stravapoller/internal/web"
)

func main() {
	base := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(api.NewContextHandler(base)))

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	redirectURI := os.Getenv("STRAVA_REDIRECT_URI")
	if redirectURI == "" {
		slog.Error("STRAVA_REDIRECT_URI is required")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	client := stravaapi.New(stravaapi.Config{
		BaseURL:      cfg.StravaBaseURL,
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
		Timeout:      cfg.StravaCallTimeout,
	})

	handler := web.NewHandler(
		postgres.NewUserStore(pool),
		postgres.NewTokenStore(pool),
		postgres.NewPollStateStore(pool),
		client,
		redirectURI,
		int32(cfg.FullFetchPerPage),
	)
	tours := &web.ToursHandler{Tours: postgres.NewTourStore(pool)}

	router, tourRateLimiter := web.NewRouter(handler, tours)
	defer tourRateLimiter.Stop()

	addr := os.Getenv("WEBD_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	slog.Info("webd started", "addr", addr)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("webd shutdown complete")
}
