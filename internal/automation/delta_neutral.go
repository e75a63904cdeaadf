package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
	"github.com/hedgeworks/hedgebot/internal/hedge"
	"github.com/hedgeworks/hedgebot/internal/position"
	"github.com/hedgeworks/hedgebot/internal/signal"
)

// DeltaNeutralStrategy opens a 1:1 hedge when a breakout fires on its
// instrument and closes it on a stop-loss or take-profit move of the
// combined PnL.
type DeltaNeutralStrategy struct {
	logger    *slog.Logger
	signals   *signal.Engine
	hedge     *hedge.Engine
	positions *position.Manager
	userID    string
	params    domain.StrategyParams

	// pending is the breakout signal that made CanExecute fire; Execute
	// consumes it and refuses to act on it once it has expired.
	pending *domain.Signal
}

// NewDeltaNeutralStrategy creates the strategy for one user and instrument.
func NewDeltaNeutralStrategy(logger *slog.Logger, signals *signal.Engine, hedgeEngine *hedge.Engine, positions *position.Manager, userID string, params domain.StrategyParams) *DeltaNeutralStrategy {
	return &DeltaNeutralStrategy{
		logger:    logger.With(slog.String("strategy", "delta_neutral"), slog.String("instrument", params.Instrument)),
		signals:   signals,
		hedge:     hedgeEngine,
		positions: positions,
		userID:    userID,
		params:    params,
	}
}

var _ Strategy = (*DeltaNeutralStrategy)(nil)

func (s *DeltaNeutralStrategy) Name() string {
	return "delta_neutral:" + s.params.Instrument
}

// CanExecute fires on a breakout signal when no hedge is already open on the
// instrument.
func (s *DeltaNeutralStrategy) CanExecute(ctx context.Context) (bool, error) {
	open, err := s.positions.GetOpen(ctx, s.userID)
	if err != nil {
		return false, fmt.Errorf("delta neutral: load open positions: %w", err)
	}
	for _, p := range open {
		if p.Instrument == s.params.Instrument && p.HedgeGroupID != "" {
			return false, nil
		}
	}

	sig, fired := s.signals.DetectBreakout(s.params.Instrument, s.params.BreakoutThreshold)
	if !fired {
		return false, nil
	}
	s.logger.Info("breakout signal",
		slog.Float64("magnitude", sig.Magnitude),
		slog.Float64("confidence", sig.Confidence),
		slog.String("direction", string(sig.Direction)))
	s.pending = &sig
	return true, nil
}

// Execute opens the delta-neutral hedge for the pending breakout signal. A
// signal that expired between detection and execution is discarded without
// trading.
func (s *DeltaNeutralStrategy) Execute(ctx context.Context) error {
	if s.pending != nil && s.pending.Expired(time.Now()) {
		s.logger.Warn("breakout signal expired before execution",
			slog.String("signal_id", s.pending.ID))
		s.pending = nil
		return nil
	}
	s.pending = nil

	_, err := s.hedge.OpenHedgePosition(ctx, s.userID, s.params.Instrument, s.params.Amount, domain.StrategyDeltaNeutral)
	return err
}

// ShouldClose triggers on the group's combined PnL moving past the stop-loss
// or take-profit fraction of the long leg's notional.
func (s *DeltaNeutralStrategy) ShouldClose(ctx context.Context, hedgeGroupID string) (bool, error) {
	hp, err := s.positions.GetHedgePosition(ctx, hedgeGroupID)
	if err != nil {
		return false, err
	}
	if !hp.IsOpen() {
		return false, nil
	}

	pnl, err := s.hedge.GetPositionPnL(ctx, hedgeGroupID)
	if err != nil {
		return false, err
	}

	notional := hp.Long.EntryPrice * hp.Long.Amount
	if notional == 0 {
		return false, nil
	}

	if s.params.StopLossPct > 0 && pnl <= -notional*s.params.StopLossPct {
		s.logger.Warn("stop loss reached",
			slog.String("hedge_group_id", hedgeGroupID), slog.Float64("pnl", pnl))
		return true, nil
	}
	if s.params.TakeProfitPct > 0 && pnl >= notional*s.params.TakeProfitPct {
		s.logger.Info("take profit reached",
			slog.String("hedge_group_id", hedgeGroupID), slog.Float64("pnl", pnl))
		return true, nil
	}
	return false, nil
}

// PositionSize is the combined notional of both legs.
func (s *DeltaNeutralStrategy) PositionSize() float64 {
	return s.params.Amount * 2
}
