// Package position owns the position and hedge-position lifecycle. All
// storage mutation of positions flows through this package.
package position

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// EventChannel is the pub/sub channel position lifecycle events are
// published on.
const EventChannel = "hedgebot:positions"

// Manager is the single writer for position state. The audit log and the
// event bus are best-effort: their failures are logged, never propagated.
type Manager struct {
	logger *slog.Logger
	store  domain.PositionStore
	audit  domain.AuditStore
	bus    domain.SignalBus
}

// NewManager creates a position manager. audit and bus may be nil.
func NewManager(logger *slog.Logger, store domain.PositionStore, audit domain.AuditStore, bus domain.SignalBus) *Manager {
	return &Manager{
		logger: logger.With(slog.String("component", "position_manager")),
		store:  store,
		audit:  audit,
		bus:    bus,
	}
}

// Open persists a new open position. Missing ID and timestamps are filled in.
func (m *Manager) Open(ctx context.Context, pos domain.Position) (domain.Position, error) {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	if pos.CurrentPrice == 0 {
		pos.CurrentPrice = pos.EntryPrice
	}
	pos.Status = domain.PositionStatusOpen

	if err := m.store.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position: open %s: %w", pos.ID, err)
	}

	m.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("side", string(pos.Side)),
		slog.String("instrument", pos.Instrument),
		slog.Float64("amount", pos.Amount),
		slog.Float64("entry_price", pos.EntryPrice))
	m.auditLog(ctx, "position_opened", map[string]any{
		"position_id":    pos.ID,
		"user_id":        pos.UserID,
		"side":           string(pos.Side),
		"instrument":     pos.Instrument,
		"amount":         pos.Amount,
		"entry_price":    pos.EntryPrice,
		"hedge_group_id": pos.HedgeGroupID,
	})
	m.publishEvent(ctx, domain.PositionEvent{
		Kind:         domain.PositionOpened,
		HedgeGroupID: pos.HedgeGroupID,
		At:           time.Now(),
	})
	return pos, nil
}

// OpenHedgePair persists both legs of a hedge under one group. The legs must
// share the group ID and take opposite sides.
func (m *Manager) OpenHedgePair(ctx context.Context, long, short domain.Position) (domain.HedgePosition, error) {
	if long.Side != domain.PositionSideLong || short.Side != domain.PositionSideShort {
		return domain.HedgePosition{}, &domain.ValidationError{Field: "side", Reason: "legs must be one long and one short"}
	}
	if long.HedgeGroupID == "" || long.HedgeGroupID != short.HedgeGroupID {
		return domain.HedgePosition{}, &domain.ValidationError{Field: "hedge_group_id", Reason: "legs must share a hedge group"}
	}

	longStored, err := m.Open(ctx, long)
	if err != nil {
		return domain.HedgePosition{}, err
	}
	shortStored, err := m.Open(ctx, short)
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("position: short leg of group %s: %w", long.HedgeGroupID, err)
	}

	return domain.HedgePosition{
		GroupID: long.HedgeGroupID,
		Long:    longStored,
		Short:   shortStored,
	}, nil
}

// Close closes an open position at exitPrice and returns the realized PnL,
// computed as (exit - entry) * amount.
func (m *Manager) Close(ctx context.Context, id string, exitPrice float64) (float64, error) {
	pos, err := m.store.GetByID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("position: close %s: %w", id, err)
	}
	if !pos.IsOpen() {
		return 0, fmt.Errorf("position: close %s: %w", id, domain.ErrNotFound)
	}

	realized := (exitPrice - pos.EntryPrice) * pos.Amount
	if err := m.store.Close(ctx, id, exitPrice, realized); err != nil {
		return 0, fmt.Errorf("position: close %s: %w", id, err)
	}

	m.logger.Info("position closed",
		slog.String("position_id", id),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", realized))
	m.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  id,
		"user_id":      pos.UserID,
		"exit_price":   exitPrice,
		"realized_pnl": realized,
	})
	m.publishEvent(ctx, domain.PositionEvent{
		Kind:         domain.PositionClosed,
		HedgeGroupID: pos.HedgeGroupID,
		TotalPnL:     realized,
		At:           time.Now(),
	})
	return realized, nil
}

// GetByID returns one position.
func (m *Manager) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return m.store.GetByID(ctx, id)
}

// GetOpen returns the user's open positions.
func (m *Manager) GetOpen(ctx context.Context, userID string) ([]domain.Position, error) {
	return m.store.GetOpen(ctx, userID)
}

// GetHedgePosition assembles the hedge pair stored under groupID. A group
// missing a leg is rejected, never treated as complete.
func (m *Manager) GetHedgePosition(ctx context.Context, groupID string) (domain.HedgePosition, error) {
	legs, err := m.store.GetByHedgeGroup(ctx, groupID)
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("position: hedge group %s: %w", groupID, err)
	}
	hp, ok := domain.PairLegs(groupID, legs)
	if !ok {
		return domain.HedgePosition{}, fmt.Errorf("position: hedge group %s: %w", groupID, domain.ErrIncompleteGroup)
	}
	return hp, nil
}

// UpdateTrackedPrice records a new current price on an open position and
// recomputes its unrealized PnL.
func (m *Manager) UpdateTrackedPrice(ctx context.Context, id string, price float64) error {
	pos, err := m.store.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("position: track price %s: %w", id, err)
	}
	if !pos.IsOpen() {
		return nil
	}

	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Amount
	if err := m.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("position: track price %s: %w", id, err)
	}
	return nil
}

// Stats aggregates the user's open and historical positions.
func (m *Manager) Stats(ctx context.Context, userID string) (domain.PositionStats, error) {
	history, err := m.store.ListHistory(ctx, userID, domain.ListOpts{})
	if err != nil {
		return domain.PositionStats{}, fmt.Errorf("position: stats for %s: %w", userID, err)
	}

	var stats domain.PositionStats
	for _, p := range history {
		stats.TotalFees += p.Fees
		if p.IsOpen() {
			stats.OpenCount++
			continue
		}
		stats.ClosedCount++
		stats.TotalRealized += p.RealizedPnL
		if p.RealizedPnL >= 0 {
			stats.WinCount++
		} else {
			stats.LossCount++
		}
	}
	return stats, nil
}

// EmergencyCloseAllPositions closes every open position for the user at its
// last tracked price. Individual failures are collected in the report and
// never abort the batch.
func (m *Manager) EmergencyCloseAllPositions(ctx context.Context, userID string) (domain.CloseReport, error) {
	open, err := m.store.GetOpen(ctx, userID)
	if err != nil {
		return domain.CloseReport{}, fmt.Errorf("position: emergency close: %w", err)
	}

	var report domain.CloseReport
	for _, pos := range open {
		realized, err := m.Close(ctx, pos.ID, pos.CurrentPrice)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("position %s: %w", pos.ID, err))
			continue
		}
		report.ClosedCount++
		report.TotalPnL += realized
	}

	m.logger.Warn("emergency close-all finished",
		slog.String("user_id", userID),
		slog.Int("closed", report.ClosedCount),
		slog.Int("failures", len(report.Errors)),
		slog.Float64("total_pnl", report.TotalPnL))
	return report, nil
}

// EmergencyCloseAllHedgePositions closes every open hedge group for the
// user, each group independently.
func (m *Manager) EmergencyCloseAllHedgePositions(ctx context.Context, userID string) (domain.CloseReport, error) {
	open, err := m.store.GetOpen(ctx, userID)
	if err != nil {
		return domain.CloseReport{}, fmt.Errorf("position: emergency close hedges: %w", err)
	}

	var report domain.CloseReport
	seen := make(map[string]bool)
	for _, pos := range open {
		if pos.HedgeGroupID == "" || seen[pos.HedgeGroupID] {
			continue
		}
		seen[pos.HedgeGroupID] = true

		hp, err := m.GetHedgePosition(ctx, pos.HedgeGroupID)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		for _, leg := range []domain.Position{hp.Long, hp.Short} {
			if !leg.IsOpen() {
				continue
			}
			realized, err := m.Close(ctx, leg.ID, leg.CurrentPrice)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("position %s: %w", leg.ID, err))
				continue
			}
			report.ClosedCount++
			report.TotalPnL += realized
		}
	}
	return report, nil
}

// ClosePositionsExceedingStopLoss sweeps open positions and closes any whose
// side-aware move from entry exceeds pct.
func (m *Manager) ClosePositionsExceedingStopLoss(ctx context.Context, userID string, pct float64) (domain.CloseReport, error) {
	open, err := m.store.GetOpen(ctx, userID)
	if err != nil {
		return domain.CloseReport{}, fmt.Errorf("position: stop-loss sweep: %w", err)
	}

	var report domain.CloseReport
	for _, pos := range open {
		if !stopLossBreached(pos, pct) {
			continue
		}
		realized, err := m.Close(ctx, pos.ID, pos.CurrentPrice)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("position %s: %w", pos.ID, err))
			continue
		}
		report.ClosedCount++
		report.TotalPnL += realized
	}
	return report, nil
}

// stopLossBreached reports whether the position's tracked price has moved
// against it by at least pct.
func stopLossBreached(pos domain.Position, pct float64) bool {
	if pos.EntryPrice == 0 || pct <= 0 {
		return false
	}
	switch pos.Side {
	case domain.PositionSideLong:
		return (pos.EntryPrice-pos.CurrentPrice)/pos.EntryPrice >= pct
	case domain.PositionSideShort:
		return (pos.CurrentPrice-pos.EntryPrice)/pos.EntryPrice >= pct
	}
	return false
}

func (m *Manager) auditLog(ctx context.Context, event string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.Warn("audit log failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (m *Manager) publishEvent(ctx context.Context, event domain.PositionEvent) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Warn("event marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := m.bus.Publish(ctx, EventChannel, payload); err != nil {
		m.logger.Warn("event publish failed",
			slog.String("channel", EventChannel), slog.String("error", err.Error()))
	}
}
