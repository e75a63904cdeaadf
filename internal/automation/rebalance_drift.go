package automation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hedgeworks/hedgebot/internal/domain"
	"github.com/hedgeworks/hedgebot/internal/hedge"
	"github.com/hedgeworks/hedgebot/internal/position"
	"github.com/hedgeworks/hedgebot/internal/signal"
)

// RebalanceDriftStrategy watches the user's open hedge groups and rebalances
// any whose ratio has drifted past the configured threshold. It opens no new
// exposure and never closes positions.
type RebalanceDriftStrategy struct {
	logger    *slog.Logger
	signals   *signal.Engine
	hedge     *hedge.Engine
	positions *position.Manager
	userID    string
	params    domain.StrategyParams
}

// NewRebalanceDriftStrategy creates the strategy for one user.
func NewRebalanceDriftStrategy(logger *slog.Logger, signals *signal.Engine, hedgeEngine *hedge.Engine, positions *position.Manager, userID string, params domain.StrategyParams) *RebalanceDriftStrategy {
	return &RebalanceDriftStrategy{
		logger:    logger.With(slog.String("strategy", "rebalance_drift")),
		signals:   signals,
		hedge:     hedgeEngine,
		positions: positions,
		userID:    userID,
		params:    params,
	}
}

var _ Strategy = (*RebalanceDriftStrategy)(nil)

func (s *RebalanceDriftStrategy) Name() string {
	return "rebalance_drift"
}

// CanExecute reports whether any open hedge group has drifted past the
// threshold.
func (s *RebalanceDriftStrategy) CanExecute(ctx context.Context) (bool, error) {
	groups, err := s.openGroups(ctx)
	if err != nil {
		return false, err
	}
	for _, groupID := range groups {
		if _, fired := s.signals.CheckRebalanceNeeded(ctx, groupID, s.params.RebalanceThreshold); fired {
			return true, nil
		}
	}
	return false, nil
}

// Execute rebalances every drifted group, continuing past individual
// failures.
func (s *RebalanceDriftStrategy) Execute(ctx context.Context) error {
	groups, err := s.openGroups(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, groupID := range groups {
		sig, fired := s.signals.CheckRebalanceNeeded(ctx, groupID, s.params.RebalanceThreshold)
		if !fired {
			continue
		}
		s.logger.Info("rebalancing drifted hedge",
			slog.String("hedge_group_id", groupID),
			slog.Float64("drift", sig.Magnitude))
		if err := s.hedge.RebalancePosition(ctx, groupID, s.params.RebalanceThreshold); err != nil {
			s.logger.Error("rebalance failed",
				slog.String("hedge_group_id", groupID), slog.String("error", err.Error()))
			lastErr = err
		}
	}
	return lastErr
}

// ShouldClose never closes; the strategy only resizes.
func (s *RebalanceDriftStrategy) ShouldClose(context.Context, string) (bool, error) {
	return false, nil
}

// PositionSize is zero: rebalancing commits no new notional.
func (s *RebalanceDriftStrategy) PositionSize() float64 {
	return 0
}

func (s *RebalanceDriftStrategy) openGroups(ctx context.Context) ([]string, error) {
	open, err := s.positions.GetOpen(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("rebalance drift: load open positions: %w", err)
	}
	seen := make(map[string]bool)
	var groups []string
	for _, p := range open {
		if p.HedgeGroupID == "" || seen[p.HedgeGroupID] {
			continue
		}
		seen[p.HedgeGroupID] = true
		groups = append(groups, p.HedgeGroupID)
	}
	return groups, nil
}
