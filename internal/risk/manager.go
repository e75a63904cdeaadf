// Package risk evaluates trades and portfolios against configured limits.
// The manager only evaluates state; the single mutating path (EmergencyExit)
// delegates to a position-closing collaborator.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

const (
	// defaultStopLossPct applies when a caller passes a non-positive pct.
	defaultStopLossPct = 0.10

	// warnFraction is the share of a limit at which a warning is attached
	// before the limit actually blocks.
	warnFraction = 0.8

	// feeBufferMultiplier is the balance headroom required on top of the
	// trade amount to cover venue fees.
	feeBufferMultiplier = 1.01

	// feeReminder is attached to every trade decision.
	feeReminder = "keep a reserve for venue fees (about 1% per trade)"
)

// Params are the tunable risk limits.
type Params struct {
	MaxPositions             int
	MaxPositionSize          float64
	MinTradeAmount           float64
	MaxTradeAmount           float64
	MinHedgeRatio            float64
	MaxHedgeRatio            float64
	StopLossPct              float64
	TakeProfitPct            float64
	MaxDrawdownPct           float64
	MaxInstrumentExposurePct float64
	DailyLossLimitPct        float64
}

// Result is the outcome of a single validation rule.
type Result struct {
	Valid  bool
	Reason string
}

func ok() Result {
	return Result{Valid: true}
}

func fail(format string, args ...any) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// TradeDecision is the outcome of a portfolio-level trade check. Warnings are
// advisory and never block on their own.
type TradeDecision struct {
	Allowed  bool
	Reason   string
	Warnings []string
}

// PortfolioRisk summarises a user's current exposure.
type PortfolioRisk struct {
	OpenPositions      int
	PortfolioValue     float64
	UnrealizedPnL      float64
	DailyRealizedPnL   float64
	InstrumentExposure map[string]float64
	Warnings           []string
}

// PositionCloser force-closes positions on behalf of the risk manager during
// an emergency exit. Implemented by the position manager.
type PositionCloser interface {
	EmergencyCloseAllPositions(ctx context.Context, userID string) (domain.CloseReport, error)
}

// Manager evaluates risk rules. All validators are side-effect free.
type Manager struct {
	logger    *slog.Logger
	params    Params
	positions domain.PositionStore
	closer    PositionCloser
}

// NewManager creates a risk manager. closer may be nil when the emergency
// exit path is not wired (evaluation-only deployments).
func NewManager(logger *slog.Logger, params Params, positions domain.PositionStore, closer PositionCloser) *Manager {
	return &Manager{
		logger:    logger.With(slog.String("component", "risk_manager")),
		params:    params,
		positions: positions,
		closer:    closer,
	}
}

// MaxPositions exposes the configured open-position limit.
func (m *Manager) MaxPositions() int {
	return m.params.MaxPositions
}

// ValidateMaxPositions checks the open-position count against the limit.
func (m *Manager) ValidateMaxPositions(count int) Result {
	if count >= m.params.MaxPositions {
		return fail("open position count %d has reached the limit of %d", count, m.params.MaxPositions)
	}
	return ok()
}

// EnforceMaxPositionSize checks a position size against max; a non-positive
// max falls back to the configured limit.
func (m *Manager) EnforceMaxPositionSize(amount, max float64) Result {
	if max <= 0 {
		max = m.params.MaxPositionSize
	}
	if amount > max {
		return fail("position size %.2f exceeds maximum %.2f", amount, max)
	}
	return ok()
}

// ValidateHedgeRatio checks that the ratio lies within the configured bounds.
func (m *Manager) ValidateHedgeRatio(ratio float64) Result {
	if ratio < m.params.MinHedgeRatio || ratio > m.params.MaxHedgeRatio {
		return fail("hedge ratio %.4f outside bounds [%.2f, %.2f]",
			ratio, m.params.MinHedgeRatio, m.params.MaxHedgeRatio)
	}
	return ok()
}

// ValidateTradeAmount checks that the amount lies within the configured
// trade bounds.
func (m *Manager) ValidateTradeAmount(amount float64) Result {
	if amount < m.params.MinTradeAmount || amount > m.params.MaxTradeAmount {
		return fail("trade amount %.2f outside bounds [%.2f, %.2f]",
			amount, m.params.MinTradeAmount, m.params.MaxTradeAmount)
	}
	return ok()
}

// CheckSufficientBalance verifies the balance covers the required amount and
// a 1% fee buffer on top. The two shortfalls produce distinct reasons.
func (m *Manager) CheckSufficientBalance(required, available float64) Result {
	if available < required {
		return fail("balance %.2f short of required %.2f", available, required)
	}
	if available < required*feeBufferMultiplier {
		return fail("balance %.2f short of required %.2f plus 1%% fee buffer", available, required*feeBufferMultiplier)
	}
	return ok()
}

// ShouldTriggerStopLoss reports whether the price has moved against the
// position by at least pct (default 0.10). For a long the trigger is a fall
// from entry; for a short it is a rise.
func (m *Manager) ShouldTriggerStopLoss(current, entry float64, side domain.PositionSide, pct float64) bool {
	if pct <= 0 {
		pct = defaultStopLossPct
	}
	if entry == 0 {
		return false
	}
	switch side {
	case domain.PositionSideLong:
		return (entry-current)/entry >= pct
	case domain.PositionSideShort:
		return (current-entry)/entry >= pct
	}
	return false
}

// ShouldTriggerTakeProfit is the favorable-move mirror of the stop loss.
func (m *Manager) ShouldTriggerTakeProfit(current, entry float64, side domain.PositionSide, pct float64) bool {
	if pct <= 0 {
		pct = m.params.TakeProfitPct
	}
	if pct <= 0 || entry == 0 {
		return false
	}
	switch side {
	case domain.PositionSideLong:
		return (current-entry)/entry >= pct
	case domain.PositionSideShort:
		return (entry-current)/entry >= pct
	}
	return false
}

// NeedsRebalancing reports whether the relative drift of current from target
// exceeds threshold.
func (m *Manager) NeedsRebalancing(current, target, threshold float64) bool {
	if target == 0 {
		return false
	}
	return math.Abs(current-target)/target > threshold
}

// ValidateTrade runs the portfolio-level checks for a prospective trade:
// position count, single-instrument exposure, and the trailing-24h loss
// limit. Warnings fire at 80% of each limit.
func (m *Manager) ValidateTrade(ctx context.Context, userID, instrument string, amount float64) (TradeDecision, error) {
	open, err := m.positions.GetOpen(ctx, userID)
	if err != nil {
		return TradeDecision{}, fmt.Errorf("risk: load open positions: %w", err)
	}

	decision := TradeDecision{Allowed: true, Warnings: []string{feeReminder}}

	if len(open) >= m.params.MaxPositions {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("open position count %d has reached the limit of %d", len(open), m.params.MaxPositions)
		return decision, nil
	}
	if float64(len(open)) >= warnFraction*float64(m.params.MaxPositions) {
		decision.Warnings = append(decision.Warnings,
			fmt.Sprintf("open position count %d at %.0f%% of the %d limit",
				len(open), 100*float64(len(open))/float64(m.params.MaxPositions), m.params.MaxPositions))
	}

	portfolioValue := amount
	instrumentValue := amount
	for _, p := range open {
		portfolioValue += p.Value()
		if p.Instrument == instrument {
			instrumentValue += p.Value()
		}
	}

	if portfolioValue > 0 {
		exposure := instrumentValue / portfolioValue
		limit := m.params.MaxInstrumentExposurePct
		switch {
		case exposure > limit:
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("instrument %s exposure %.1f%% exceeds the %.0f%% cap",
				instrument, exposure*100, limit*100)
			return decision, nil
		case exposure > warnFraction*limit:
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("instrument %s exposure %.1f%% approaching the %.0f%% cap",
					instrument, exposure*100, limit*100))
		}
	}

	dayAgo := time.Now().Add(-24 * time.Hour)
	dailyPnL, err := m.positions.RealizedPnLSince(ctx, userID, dayAgo)
	if err != nil {
		return TradeDecision{}, fmt.Errorf("risk: load daily pnl: %w", err)
	}
	if portfolioValue > 0 && dailyPnL < 0 {
		lossLimit := m.params.DailyLossLimitPct * portfolioValue
		loss := -dailyPnL
		switch {
		case loss > lossLimit:
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("trailing 24h loss %.2f exceeds the %.2f daily limit", loss, lossLimit)
			return decision, nil
		case loss > warnFraction*lossLimit:
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("trailing 24h loss %.2f at %.0f%% of the %.2f daily limit",
					loss, 100*loss/lossLimit, lossLimit))
		}
	}

	return decision, nil
}

// GetPortfolioRisk aggregates the user's current exposure and attaches
// warnings for limits that are close or breached.
func (m *Manager) GetPortfolioRisk(ctx context.Context, userID string) (PortfolioRisk, error) {
	open, err := m.positions.GetOpen(ctx, userID)
	if err != nil {
		return PortfolioRisk{}, fmt.Errorf("risk: load open positions: %w", err)
	}

	pr := PortfolioRisk{
		OpenPositions:      len(open),
		InstrumentExposure: make(map[string]float64),
	}
	for _, p := range open {
		pr.PortfolioValue += p.Value()
		pr.UnrealizedPnL += p.UnrealizedPnL
		pr.InstrumentExposure[p.Instrument] += p.Value()
	}

	if len(open) >= m.params.MaxPositions {
		pr.Warnings = append(pr.Warnings,
			fmt.Sprintf("open position count %d at the %d limit", len(open), m.params.MaxPositions))
	} else if float64(len(open)) >= warnFraction*float64(m.params.MaxPositions) {
		pr.Warnings = append(pr.Warnings,
			fmt.Sprintf("open position count %d approaching the %d limit", len(open), m.params.MaxPositions))
	}

	if pr.PortfolioValue > 0 {
		for instrument, value := range pr.InstrumentExposure {
			exposure := value / pr.PortfolioValue
			if exposure > m.params.MaxInstrumentExposurePct {
				pr.Warnings = append(pr.Warnings,
					fmt.Sprintf("instrument %s exposure %.1f%% exceeds the %.0f%% cap",
						instrument, exposure*100, m.params.MaxInstrumentExposurePct*100))
			}
		}

		if pr.UnrealizedPnL < 0 && -pr.UnrealizedPnL/pr.PortfolioValue > m.params.MaxDrawdownPct {
			pr.Warnings = append(pr.Warnings,
				fmt.Sprintf("unrealized drawdown %.1f%% exceeds the %.0f%% limit",
					-pr.UnrealizedPnL/pr.PortfolioValue*100, m.params.MaxDrawdownPct*100))
		}
	}

	dayAgo := time.Now().Add(-24 * time.Hour)
	dailyPnL, err := m.positions.RealizedPnLSince(ctx, userID, dayAgo)
	if err != nil {
		return PortfolioRisk{}, fmt.Errorf("risk: load daily pnl: %w", err)
	}
	pr.DailyRealizedPnL = dailyPnL

	return pr, nil
}

// EmergencyExit force-closes all of the user's open positions through the
// position closer. Individual failures are collected in the report, never
// re-raised.
func (m *Manager) EmergencyExit(ctx context.Context, userID string) (domain.CloseReport, error) {
	if m.closer == nil {
		return domain.CloseReport{}, fmt.Errorf("risk: emergency exit: no position closer wired")
	}

	m.logger.Warn("emergency exit requested", slog.String("user_id", userID))

	report, err := m.closer.EmergencyCloseAllPositions(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("risk: emergency exit: %w", err)
	}

	m.logger.Warn("emergency exit complete",
		slog.String("user_id", userID),
		slog.Int("closed", report.ClosedCount),
		slog.Int("failures", len(report.Errors)),
		slog.Float64("total_pnl", report.TotalPnL))
	return report, nil
}
