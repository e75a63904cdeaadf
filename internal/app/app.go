// Package app provides the top-level application lifecycle for the hedge
// bot. It wires the stores, caches, venue access, trading engines and
// notifications together and starts the goroutines for the configured
// operating mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hedgeworks/hedgebot/internal/config"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, selects the operating mode, starts the
// corresponding goroutines and blocks until the context is cancelled. On
// return the registered cleanup functions run.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "live":
		err = a.LiveMode(ctx, deps)
	case "paper":
		err = a.PaperMode(ctx, deps)
	case "monitor":
		err = a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	// A mode that dies for any reason other than shutdown is worth paging
	// about, regardless of per-event notification filters.
	if err != nil && !errors.Is(err, context.Canceled) && deps.Notifier != nil {
		alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if nerr := deps.Notifier.NotifyAll(alertCtx, "hedgebot stopped unexpectedly", err.Error()); nerr != nil {
			a.logger.Warn("crash alert failed", slog.String("error", nerr.Error()))
		}
	}
	return err
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
