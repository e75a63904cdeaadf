package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hedgeworks/hedgebot/internal/automation"
	"github.com/hedgeworks/hedgebot/internal/domain"
	"github.com/hedgeworks/hedgebot/internal/executor"
	"github.com/hedgeworks/hedgebot/internal/hedge"
	"github.com/hedgeworks/hedgebot/internal/position"
	"github.com/hedgeworks/hedgebot/internal/risk"
	"github.com/hedgeworks/hedgebot/internal/signal"
)

// paperStartingBalance is the quote balance the simulated account is funded
// with in paper mode.
const paperStartingBalance = 100_000.0

// priceSnapshotInterval is how often monitor mode logs the cached prices.
const priceSnapshotInterval = 30 * time.Second

// auditTailLimit is how many recent audit entries monitor mode replays at
// startup.
const auditTailLimit = 20

// LiveMode runs the full trading stack against the real venue.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runTrading(ctx, deps)
}

// PaperMode runs the same stack against the simulated venue. Orders confirm
// instantly and never leave the process.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Float64("starting_balance", paperStartingBalance))

	deps.Paper.Fund(a.cfg.Trader.UserID, a.cfg.Trader.QuoteAsset, paperStartingBalance)

	// Mirror live ticks into the simulated book when a feed is wired.
	if deps.WS != nil {
		for _, instrument := range a.cfg.Venue.Instruments {
			sim := deps.Paper
			if _, err := deps.WS.Subscribe(instrument, func(u domain.PriceUpdate) {
				sim.SetPrice(u.Instrument, u.Price)
			}); err != nil {
				return fmt.Errorf("paper mode: subscribe %s: %w", instrument, err)
			}
		}
	}

	return a.runTrading(ctx, deps)
}

// MonitorMode is read-only: it follows prices and position lifecycle events
// and serves metrics, but never places or closes orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	a.logAuditTail(ctx, deps)

	g, ctx := errgroup.WithContext(ctx)

	if deps.WS != nil {
		g.Go(func() error {
			return deps.WS.Run(ctx)
		})
	}

	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, position.EventChannel)
		if err != nil {
			return fmt.Errorf("monitor mode: subscribe %s: %w", position.EventChannel, err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-ch:
				if !ok {
					return nil
				}
				a.logger.InfoContext(ctx, "position event",
					slog.String("payload", string(payload)))
			}
		}
	})

	if len(a.cfg.Venue.Instruments) > 0 {
		g.Go(func() error {
			return a.snapshotPrices(ctx, deps)
		})
	}

	if a.cfg.Metrics.Enabled {
		a.startMetricsServer(ctx, g, prometheus.NewRegistry())
	}

	return g.Wait()
}

// logAuditTail replays the most recent audit entries so an operator attaching
// in monitor mode sees what the bot did last.
func (a *App) logAuditTail(ctx context.Context, deps *Dependencies) {
	entries, err := deps.AuditStore.List(ctx, domain.ListOpts{Limit: auditTailLimit})
	if err != nil {
		a.logger.WarnContext(ctx, "audit tail unavailable", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		a.logger.InfoContext(ctx, "audit",
			slog.Int64("id", e.ID),
			slog.String("event", e.Event),
			slog.Time("at", e.CreatedAt))
	}
}

// snapshotPrices periodically reads the cached prices for the configured
// instruments and logs them.
func (a *App) snapshotPrices(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(priceSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.logPriceSnapshot(ctx, deps)
		}
	}
}

func (a *App) logPriceSnapshot(ctx context.Context, deps *Dependencies) {
	prices, err := deps.PriceCache.GetPrices(ctx, a.cfg.Venue.Instruments)
	if err != nil {
		a.logger.WarnContext(ctx, "price snapshot failed", slog.String("error", err.Error()))
		return
	}
	for instrument, price := range prices {
		a.logger.InfoContext(ctx, "price",
			slog.String("instrument", instrument),
			slog.Float64("price", price))
	}
}

// runTrading builds the trading engines and runs them until the context is
// cancelled. Shared by live and paper mode; the venue implementations behind
// deps are the only difference.
func (a *App) runTrading(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	positionMgr := position.NewManager(a.logger, deps.PositionStore, deps.AuditStore, deps.SignalBus)

	riskMgr := risk.NewManager(a.logger, risk.Params{
		MaxPositions:             a.cfg.Risk.MaxPositions,
		MaxPositionSize:          a.cfg.Risk.MaxPositionSize,
		MinTradeAmount:           a.cfg.Risk.MinTradeAmount,
		MaxTradeAmount:           a.cfg.Risk.MaxTradeAmount,
		MinHedgeRatio:            a.cfg.Risk.MinHedgeRatio,
		MaxHedgeRatio:            a.cfg.Risk.MaxHedgeRatio,
		StopLossPct:              a.cfg.Risk.StopLossPct,
		TakeProfitPct:            a.cfg.Risk.TakeProfitPct,
		MaxDrawdownPct:           a.cfg.Risk.MaxDrawdownPct,
		MaxInstrumentExposurePct: a.cfg.Risk.MaxInstrumentExposurePct,
		DailyLossLimitPct:        a.cfg.Risk.DailyLossLimitPct,
	}, deps.PositionStore, positionMgr)

	orderExec := executor.New(a.logger, deps.Venue, deps.Feed, deps.Wallet, deps.OrderStore, executor.Config{
		QuoteAsset:     a.cfg.Trader.QuoteAsset,
		SlippageBps:    a.cfg.Venue.SlippageBps,
		ConfirmTimeout: a.cfg.Venue.ConfirmTimeout.Duration,
		RequestsPerSec: a.cfg.Venue.RequestsPerSec,
	})
	hedgeExec := executor.NewHedgeExecutor(a.logger, orderExec, deps.Notifier)

	hedgeEngine := hedge.NewEngine(a.logger, riskMgr, hedgeExec, positionMgr, deps.Feed, deps.Venue, deps.Wallet, hedge.Config{
		QuoteAsset:        a.cfg.Trader.QuoteAsset,
		DefaultHedgeRatio: a.cfg.Risk.DefaultHedgeRatio,
		StopLossPct:       a.cfg.Risk.StopLossPct,
		MaxSlippage:       float64(a.cfg.Venue.SlippageBps) / 10_000,
	})
	defer hedgeEngine.Close()

	signalEngine := signal.NewEngine(a.logger, deps.Feed, deps.PositionStore)
	defer signalEngine.Close()
	for _, instrument := range a.watchInstruments() {
		if err := signalEngine.Watch(instrument); err != nil {
			a.logger.WarnContext(ctx, "signal watch failed",
				slog.String("instrument", instrument),
				slog.String("error", err.Error()),
			)
		}
	}

	var metrics *automation.Metrics
	if a.cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		metrics = automation.NewMetrics(registry)
		a.startMetricsServer(ctx, g, registry)
	}

	auto := automation.NewEngine(a.logger, hedgeEngine, metrics, automation.SafetyParams{
		CycleInterval:           a.cfg.Safety.CycleInterval.Duration,
		MaxPositionsPerHour:     a.cfg.Safety.MaxPositionsPerHour,
		ManualApprovalThreshold: a.cfg.Safety.ManualApprovalThreshold,
		DryRun:                  a.cfg.Safety.DryRun,
	})
	if err := a.registerStrategies(auto, signalEngine, hedgeEngine, positionMgr); err != nil {
		return err
	}

	if deps.WS != nil {
		g.Go(func() error {
			return deps.WS.Run(ctx)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	if err := auto.Start(ctx); err != nil {
		return fmt.Errorf("app: start automation: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		auto.Stop()
		return ctx.Err()
	})

	return g.Wait()
}

// registerStrategies builds the enabled strategy variants from configuration.
func (a *App) registerStrategies(auto *automation.Engine, signals *signal.Engine, hedgeEngine *hedge.Engine, positions *position.Manager) error {
	userID := a.cfg.Trader.UserID
	for i, sc := range a.cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		cfg := sc.Domain()

		var strat automation.Strategy
		switch cfg.Type {
		case domain.StrategyDeltaNeutral:
			strat = automation.NewDeltaNeutralStrategy(a.logger, signals, hedgeEngine, positions, userID, cfg.Parameters)
		case domain.StrategyRebalanceDrift:
			strat = automation.NewRebalanceDriftStrategy(a.logger, signals, hedgeEngine, positions, userID, cfg.Parameters)
		default:
			return fmt.Errorf("app: strategy[%d]: unknown type %q", i, cfg.Type)
		}
		if err := auto.RegisterStrategy(strat); err != nil {
			return fmt.Errorf("app: strategy[%d]: %w", i, err)
		}
	}
	return nil
}

// watchInstruments returns the union of the venue instrument list and the
// instruments referenced by enabled strategies.
func (a *App) watchInstruments() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(instrument string) {
		if instrument == "" || seen[instrument] {
			return
		}
		seen[instrument] = true
		out = append(out, instrument)
	}
	for _, instrument := range a.cfg.Venue.Instruments {
		add(instrument)
	}
	for _, sc := range a.cfg.Strategies {
		if sc.Enabled {
			add(sc.Instrument)
		}
	}
	return out
}

// startMetricsServer adds a Prometheus /metrics endpoint goroutine to the
// group, shut down gracefully on context cancellation.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening",
			slog.Int("port", a.cfg.Metrics.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
