// Package hedge orchestrates opening, closing and rebalancing paired
// long/short positions using the risk manager, order executor and position
// manager.
package hedge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hedgeworks/hedgebot/internal/domain"
	"github.com/hedgeworks/hedgebot/internal/executor"
	"github.com/hedgeworks/hedgebot/internal/position"
	"github.com/hedgeworks/hedgebot/internal/risk"
)

// autoCloseTimeout bounds the background close triggered by stop-loss
// monitoring.
const autoCloseTimeout = 2 * time.Minute

// Config tunes the hedge engine.
type Config struct {
	QuoteAsset        string
	DefaultHedgeRatio float64
	StopLossPct       float64
	MaxSlippage       float64
}

// Engine coordinates the hedge lifecycle. It never mutates storage directly;
// all persistence goes through the position manager.
type Engine struct {
	logger    *slog.Logger
	risk      *risk.Manager
	orders    *executor.HedgeExecutor
	positions *position.Manager
	feed      domain.PriceFeed
	venue     domain.ExecutionVenue
	wallet    domain.WalletProvider
	cfg       Config

	events chan domain.PositionEvent

	monMu    sync.Mutex
	monitors map[string]func()
}

// NewEngine creates a hedge engine.
func NewEngine(logger *slog.Logger, riskMgr *risk.Manager, orders *executor.HedgeExecutor, positions *position.Manager, feed domain.PriceFeed, venue domain.ExecutionVenue, wallet domain.WalletProvider, cfg Config) *Engine {
	if cfg.DefaultHedgeRatio <= 0 {
		cfg.DefaultHedgeRatio = 1.0
	}
	return &Engine{
		logger:    logger.With(slog.String("component", "hedge_engine")),
		risk:      riskMgr,
		orders:    orders,
		positions: positions,
		feed:      feed,
		venue:     venue,
		wallet:    wallet,
		cfg:       cfg,
		events:    make(chan domain.PositionEvent, 64),
		monitors:  make(map[string]func()),
	}
}

// Events exposes hedge lifecycle events for the automation layer. The
// channel is never closed; sends are non-blocking and dropped events are
// logged.
func (e *Engine) Events() <-chan domain.PositionEvent {
	return e.events
}

// OpenHedgePosition opens a long and a short leg as one hedge group. The
// short leg's amount is scaled by the hedge ratio. On success both legs are
// persisted, subscribed for stop-loss monitoring, and an open event is
// emitted.
func (e *Engine) OpenHedgePosition(ctx context.Context, userID, instrument string, amount float64, strategyType domain.StrategyType) (domain.HedgePosition, error) {
	ratio := e.cfg.DefaultHedgeRatio
	if strategyType == domain.StrategyDeltaNeutral {
		ratio = 1.0
	}

	if res := e.risk.ValidateHedgeRatio(ratio); !res.Valid {
		return domain.HedgePosition{}, &domain.ValidationError{Field: "hedge_ratio", Reason: res.Reason}
	}
	if res := e.risk.ValidateTradeAmount(amount); !res.Valid {
		return domain.HedgePosition{}, &domain.ValidationError{Field: "amount", Reason: res.Reason}
	}

	// Both legs draw on the same balance.
	available, err := e.wallet.CheckBalance(ctx, userID, e.cfg.QuoteAsset)
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("hedge: check balance: %w", err)
	}
	required := amount * 2
	if res := e.risk.CheckSufficientBalance(required, available); !res.Valid {
		return domain.HedgePosition{}, &domain.InsufficientFundsError{Required: required, Available: available}
	}

	open, err := e.positions.GetOpen(ctx, userID)
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("hedge: load open positions: %w", err)
	}
	if res := e.risk.ValidateMaxPositions(len(open)); !res.Valid {
		return domain.HedgePosition{}, &domain.RiskLimitError{
			LimitType: "max_positions",
			Current:   float64(len(open)),
			Limit:     float64(e.risk.MaxPositions()),
		}
	}

	base, quote := splitInstrument(instrument, e.cfg.QuoteAsset)
	pool, err := e.venue.BestExecutionPool(ctx, base, quote, amount)
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("hedge: select pool: %w", err)
	}

	refPrice, err := e.feed.CurrentPrice(ctx, instrument)
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("hedge: reference price: %w", err)
	}

	groupID := uuid.NewString()
	shortAmount := amount * ratio

	longOrder := e.newOrder(userID, instrument, pool.Ref, domain.PositionSideLong, amount, refPrice, string(strategyType))
	shortOrder := e.newOrder(userID, instrument, pool.Ref, domain.PositionSideShort, shortAmount, refPrice, string(strategyType))

	execRes, err := e.orders.ExecuteHedgeOrders(ctx, longOrder, shortOrder)
	if err != nil {
		return domain.HedgePosition{}, err
	}

	longLeg := domain.Position{
		UserID:       userID,
		Side:         domain.PositionSideLong,
		PoolRef:      pool.Ref,
		Instrument:   instrument,
		Amount:       amount,
		EntryPrice:   refPrice,
		HedgeGroupID: groupID,
		HedgeRatio:   ratio,
	}
	shortLeg := domain.Position{
		UserID:       userID,
		Side:         domain.PositionSideShort,
		PoolRef:      pool.Ref,
		Instrument:   instrument,
		Amount:       shortAmount,
		EntryPrice:   refPrice,
		HedgeGroupID: groupID,
		HedgeRatio:   ratio,
	}

	hp, err := e.positions.OpenHedgePair(ctx, longLeg, shortLeg)
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("hedge: persist group %s after fill: %w", groupID, err)
	}

	e.monitor(hp)
	e.emit(domain.PositionEvent{
		Kind:         domain.PositionOpened,
		HedgeGroupID: groupID,
		Strategy:     string(strategyType),
		At:           time.Now(),
	})

	e.logger.Info("hedge opened",
		slog.String("hedge_group_id", groupID),
		slog.String("instrument", instrument),
		slog.Float64("amount", amount),
		slog.Float64("ratio", ratio),
		slog.Float64("entry_price", refPrice),
		slog.Float64("fees", execRes.TotalFees))
	return hp, nil
}

// CloseHedgePosition closes both legs of an open group at live prices and
// returns the combined realized PnL. The long leg is priced first.
func (e *Engine) CloseHedgePosition(ctx context.Context, groupID string) (float64, error) {
	hp, err := e.positions.GetHedgePosition(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if !hp.IsOpen() {
		return 0, fmt.Errorf("hedge: group %s: %w", groupID, domain.ErrNotFound)
	}

	longExit, err := e.feed.CurrentPrice(ctx, hp.Long.Instrument)
	if err != nil {
		return 0, fmt.Errorf("hedge: price long leg: %w", err)
	}
	shortExit, err := e.feed.CurrentPrice(ctx, hp.Short.Instrument)
	if err != nil {
		return 0, fmt.Errorf("hedge: price short leg: %w", err)
	}

	longPnL, err := e.positions.Close(ctx, hp.Long.ID, longExit)
	if err != nil {
		return 0, fmt.Errorf("hedge: close long leg: %w", err)
	}
	shortPnL, err := e.positions.Close(ctx, hp.Short.ID, shortExit)
	if err != nil {
		// The long leg is already closed; report precisely instead of
		// attempting a reversal.
		return longPnL, fmt.Errorf("hedge: close short leg of %s (long already closed): %w", groupID, err)
	}

	total := longPnL + shortPnL
	e.unmonitor(groupID)
	e.emit(domain.PositionEvent{
		Kind:         domain.PositionClosed,
		HedgeGroupID: groupID,
		TotalPnL:     total,
		At:           time.Now(),
	})

	e.logger.Info("hedge closed",
		slog.String("hedge_group_id", groupID),
		slog.Float64("long_pnl", longPnL),
		slog.Float64("short_pnl", shortPnL),
		slog.Float64("total_pnl", total))
	return total, nil
}

// RebalancePosition restores the group's value ratio toward its target by
// adjusting the overweight leg's tracked price. No-op when the drift is
// within the threshold.
func (e *Engine) RebalancePosition(ctx context.Context, groupID string, threshold float64) error {
	hp, err := e.positions.GetHedgePosition(ctx, groupID)
	if err != nil {
		return err
	}
	if !hp.IsOpen() {
		return fmt.Errorf("hedge: rebalance %s: %w", groupID, domain.ErrNotFound)
	}

	current := hp.CurrentRatio()
	target := hp.TargetRatio()
	if !e.risk.NeedsRebalancing(current, target, threshold) {
		return nil
	}

	// A real partial resize trades the excess; here the overweight leg's
	// tracked price is pulled back to the target ratio.
	if current > target {
		newPrice := target * hp.Short.Value() / hp.Long.Amount
		if err := e.positions.UpdateTrackedPrice(ctx, hp.Long.ID, newPrice); err != nil {
			return fmt.Errorf("hedge: rebalance %s: %w", groupID, err)
		}
	} else {
		newPrice := hp.Long.Value() / (target * hp.Short.Amount)
		if err := e.positions.UpdateTrackedPrice(ctx, hp.Short.ID, newPrice); err != nil {
			return fmt.Errorf("hedge: rebalance %s: %w", groupID, err)
		}
	}

	e.logger.Info("hedge rebalanced",
		slog.String("hedge_group_id", groupID),
		slog.Float64("ratio_before", current),
		slog.Float64("target_ratio", target))
	return nil
}

// GetPositionPnL returns the group's combined PnL: unrealized at refreshed
// live prices for open groups, realized for closed ones.
func (e *Engine) GetPositionPnL(ctx context.Context, groupID string) (float64, error) {
	hp, err := e.positions.GetHedgePosition(ctx, groupID)
	if err != nil {
		return 0, err
	}

	if !hp.IsOpen() {
		return hp.Long.RealizedPnL + hp.Short.RealizedPnL, nil
	}

	var total float64
	for _, leg := range []domain.Position{hp.Long, hp.Short} {
		price, err := e.feed.CurrentPrice(ctx, leg.Instrument)
		if err != nil {
			return 0, fmt.Errorf("hedge: refresh price for %s: %w", leg.ID, err)
		}
		if err := e.positions.UpdateTrackedPrice(ctx, leg.ID, price); err != nil {
			return 0, err
		}
		total += (price - leg.EntryPrice) * leg.Amount
	}
	return total, nil
}

// Close cancels all stop-loss monitors.
func (e *Engine) Close() {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	for _, unsub := range e.monitors {
		unsub()
	}
	e.monitors = make(map[string]func())
}

// monitor subscribes the group to price updates and auto-closes it when a
// leg breaches the configured stop loss.
func (e *Engine) monitor(hp domain.HedgePosition) {
	unsub, err := e.feed.Subscribe(hp.Long.Instrument, func(update domain.PriceUpdate) {
		breached := e.risk.ShouldTriggerStopLoss(update.Price, hp.Long.EntryPrice, domain.PositionSideLong, e.cfg.StopLossPct) ||
			e.risk.ShouldTriggerStopLoss(update.Price, hp.Short.EntryPrice, domain.PositionSideShort, e.cfg.StopLossPct)
		if !breached {
			return
		}
		go e.autoClose(hp.GroupID, update.Price)
	})
	if err != nil {
		e.logger.Warn("stop-loss monitoring unavailable",
			slog.String("hedge_group_id", hp.GroupID), slog.String("error", err.Error()))
		return
	}

	e.monMu.Lock()
	e.monitors[hp.GroupID] = unsub
	e.monMu.Unlock()
}

func (e *Engine) unmonitor(groupID string) {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	if unsub, ok := e.monitors[groupID]; ok {
		unsub()
		delete(e.monitors, groupID)
	}
}

// autoClose closes a group whose stop loss was breached during monitoring.
// The unmonitor-first dance keeps concurrent breach callbacks from closing
// the same group twice.
func (e *Engine) autoClose(groupID string, triggerPrice float64) {
	e.monMu.Lock()
	unsub, ok := e.monitors[groupID]
	if !ok {
		e.monMu.Unlock()
		return
	}
	delete(e.monitors, groupID)
	e.monMu.Unlock()
	unsub()

	ctx, cancel := context.WithTimeout(context.Background(), autoCloseTimeout)
	defer cancel()

	e.logger.Warn("stop loss breached, closing hedge",
		slog.String("hedge_group_id", groupID),
		slog.Float64("trigger_price", triggerPrice))
	if _, err := e.CloseHedgePosition(ctx, groupID); err != nil {
		e.logger.Error("stop-loss close failed",
			slog.String("hedge_group_id", groupID), slog.String("error", err.Error()))
	}
}

func (e *Engine) newOrder(userID, instrument, poolRef string, side domain.PositionSide, amount, refPrice float64, strategy string) domain.Order {
	return domain.Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           domain.OrderTypeMarket,
		Side:           side,
		Instrument:     instrument,
		PoolRef:        poolRef,
		Amount:         amount,
		ReferencePrice: refPrice,
		MaxSlippage:    e.cfg.MaxSlippage,
		Strategy:       strategy,
		CreatedAt:      time.Now(),
	}
}

func (e *Engine) emit(event domain.PositionEvent) {
	select {
	case e.events <- event:
	default:
		e.logger.Warn("event buffer full, dropping",
			slog.String("kind", string(event.Kind)),
			slog.String("hedge_group_id", event.HedgeGroupID))
	}
}

// splitInstrument separates "BASE/QUOTE" pairs; bare instruments fall back
// to the configured quote asset.
func splitInstrument(instrument, defaultQuote string) (string, string) {
	if base, quote, found := strings.Cut(instrument, "/"); found {
		return base, quote
	}
	return instrument, defaultQuote
}
