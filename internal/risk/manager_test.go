package risk

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

func testParams() Params {
	return Params{
		MaxPositions:             10,
		MaxPositionSize:          10_000,
		MinTradeAmount:           1,
		MaxTradeAmount:           5_000,
		MinHedgeRatio:            0.5,
		MaxHedgeRatio:            2.0,
		StopLossPct:              0.10,
		TakeProfitPct:            0.20,
		MaxDrawdownPct:           0.25,
		MaxInstrumentExposurePct: 0.30,
		DailyLossLimitPct:        0.10,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePositionStore is an in-memory domain.PositionStore for risk tests.
type fakePositionStore struct {
	open     []domain.Position
	dailyPnL float64
}

func (f *fakePositionStore) Create(context.Context, domain.Position) error { return nil }
func (f *fakePositionStore) Update(context.Context, domain.Position) error { return nil }
func (f *fakePositionStore) Close(context.Context, string, float64, float64) error {
	return nil
}
func (f *fakePositionStore) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositionStore) GetOpen(context.Context, string) ([]domain.Position, error) {
	return f.open, nil
}
func (f *fakePositionStore) GetByHedgeGroup(context.Context, string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositionStore) ListHistory(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositionStore) ListClosedBefore(context.Context, string, time.Time) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositionStore) RealizedPnLSince(context.Context, string, time.Time) (float64, error) {
	return f.dailyPnL, nil
}

func newTestManager(store *fakePositionStore) *Manager {
	return NewManager(testLogger(), testParams(), store, nil)
}

func TestValidateHedgeRatioBounds(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	// Property over random ratios: valid iff min <= r <= max.
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		r := rng.Float64() * 4
		got := m.ValidateHedgeRatio(r).Valid
		want := r >= 0.5 && r <= 2.0
		if got != want {
			t.Fatalf("ValidateHedgeRatio(%v).Valid = %v, want %v", r, got, want)
		}
	}

	for _, r := range []float64{0.5, 2.0} {
		if !m.ValidateHedgeRatio(r).Valid {
			t.Errorf("boundary ratio %v should be valid", r)
		}
	}
}

func TestCheckSufficientBalance(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	tests := []struct {
		name      string
		required  float64
		available float64
		valid     bool
	}{
		{"covers amount and fee buffer", 100, 101, true},
		{"covers amount but not fee buffer", 100, 100.5, false},
		{"short of amount", 100, 99, false},
		{"exactly the buffered amount", 100, 101.0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.CheckSufficientBalance(tt.required, tt.available)
			if res.Valid != tt.valid {
				t.Errorf("CheckSufficientBalance(%v, %v) = %v (%s), want valid=%v",
					tt.required, tt.available, res.Valid, res.Reason, tt.valid)
			}
		})
	}
}

func TestCheckSufficientBalanceDistinctReasons(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	short := m.CheckSufficientBalance(100, 50)
	buffered := m.CheckSufficientBalance(100, 100.2)
	if short.Reason == buffered.Reason {
		t.Errorf("expected distinct reasons, both were %q", short.Reason)
	}
}

func TestShouldTriggerStopLoss(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	tests := []struct {
		name    string
		current float64
		entry   float64
		side    domain.PositionSide
		want    bool
	}{
		{"long fell 11%", 89, 100, domain.PositionSideLong, true},
		{"short rose 11%", 111, 100, domain.PositionSideShort, true},
		{"long fell only 5%", 95, 100, domain.PositionSideLong, false},
		{"long fell exactly 10%", 90, 100, domain.PositionSideLong, true},
		{"short fell", 89, 100, domain.PositionSideShort, false},
		{"long rose", 111, 100, domain.PositionSideLong, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.ShouldTriggerStopLoss(tt.current, tt.entry, tt.side, 0.10)
			if got != tt.want {
				t.Errorf("ShouldTriggerStopLoss(%v, %v, %s) = %v, want %v",
					tt.current, tt.entry, tt.side, got, tt.want)
			}
		})
	}
}

func TestShouldTriggerStopLossDefaultPct(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	// pct <= 0 falls back to the 10% default.
	if !m.ShouldTriggerStopLoss(89, 100, domain.PositionSideLong, 0) {
		t.Error("default pct should trigger on an 11% fall")
	}
	if m.ShouldTriggerStopLoss(95, 100, domain.PositionSideLong, 0) {
		t.Error("default pct should not trigger on a 5% fall")
	}
}

func TestShouldTriggerTakeProfit(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	if !m.ShouldTriggerTakeProfit(125, 100, domain.PositionSideLong, 0.20) {
		t.Error("long up 25% should take profit at 20%")
	}
	if !m.ShouldTriggerTakeProfit(75, 100, domain.PositionSideShort, 0.20) {
		t.Error("short down 25% should take profit at 20%")
	}
	if m.ShouldTriggerTakeProfit(110, 100, domain.PositionSideLong, 0.20) {
		t.Error("long up 10% should not take profit at 20%")
	}
}

func TestNeedsRebalancing(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	if !m.NeedsRebalancing(1.2, 1.0, 0.05) {
		t.Error("drift 0.2 over threshold 0.05 should need rebalancing")
	}
	if m.NeedsRebalancing(1.02, 1.0, 0.05) {
		t.Error("drift 0.02 under threshold 0.05 should not need rebalancing")
	}
	if m.NeedsRebalancing(1.2, 0, 0.05) {
		t.Error("zero target ratio should never need rebalancing")
	}
}

func TestValidateMaxPositions(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	if !m.ValidateMaxPositions(9).Valid {
		t.Error("9 of 10 should be valid")
	}
	if m.ValidateMaxPositions(10).Valid {
		t.Error("10 of 10 should be rejected")
	}
}

func TestValidateTradeAmountBounds(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	for _, tt := range []struct {
		amount float64
		valid  bool
	}{
		{0.5, false}, {1, true}, {2_500, true}, {5_000, true}, {5_001, false},
	} {
		if got := m.ValidateTradeAmount(tt.amount).Valid; got != tt.valid {
			t.Errorf("ValidateTradeAmount(%v) = %v, want %v", tt.amount, got, tt.valid)
		}
	}
}

func TestValidateTradeBlocksAtPositionLimit(t *testing.T) {
	store := &fakePositionStore{}
	for i := 0; i < 10; i++ {
		store.open = append(store.open, domain.Position{
			ID: "p", Instrument: "SOL/USDC", Amount: 10, CurrentPrice: 1,
			Status: domain.PositionStatusOpen,
		})
	}
	m := newTestManager(store)

	decision, err := m.ValidateTrade(context.Background(), "u1", "SOL/USDC", 100)
	if err != nil {
		t.Fatalf("ValidateTrade: %v", err)
	}
	if decision.Allowed {
		t.Error("trade should be blocked at the position limit")
	}
}

func TestValidateTradeBlocksConcentratedExposure(t *testing.T) {
	store := &fakePositionStore{open: []domain.Position{
		{ID: "a", Instrument: "SOL/USDC", Amount: 100, CurrentPrice: 10, Status: domain.PositionStatusOpen},
		{ID: "b", Instrument: "ETH/USDC", Amount: 1, CurrentPrice: 100, Status: domain.PositionStatusOpen},
	}}
	m := newTestManager(store)

	// Adding 500 to SOL/USDC puts that instrument at 1500/1600 ≈ 94% of the
	// portfolio, far past the 30% cap.
	decision, err := m.ValidateTrade(context.Background(), "u1", "SOL/USDC", 500)
	if err != nil {
		t.Fatalf("ValidateTrade: %v", err)
	}
	if decision.Allowed {
		t.Error("concentrated trade should be blocked by the exposure cap")
	}
}

func TestValidateTradeBlocksAfterDailyLossLimit(t *testing.T) {
	store := &fakePositionStore{
		open: []domain.Position{
			{ID: "a", Instrument: "ETH/USDC", Amount: 10, CurrentPrice: 100, Status: domain.PositionStatusOpen},
		},
		dailyPnL: -500, // limit is 10% of ~1100 portfolio value
	}
	m := newTestManager(store)

	decision, err := m.ValidateTrade(context.Background(), "u1", "SOL/USDC", 100)
	if err != nil {
		t.Fatalf("ValidateTrade: %v", err)
	}
	if decision.Allowed {
		t.Error("trade should be blocked after the daily loss limit is hit")
	}
}

func TestValidateTradeCarriesFeeReminder(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	decision, err := m.ValidateTrade(context.Background(), "u1", "SOL/USDC", 100)
	if err != nil {
		t.Fatalf("ValidateTrade: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("trade should be allowed, got: %s", decision.Reason)
	}
	found := false
	for _, w := range decision.Warnings {
		if w == feeReminder {
			found = true
		}
	}
	if !found {
		t.Error("decision should carry the fee reminder warning")
	}
}

type fakeCloser struct {
	report domain.CloseReport
}

func (f *fakeCloser) EmergencyCloseAllPositions(context.Context, string) (domain.CloseReport, error) {
	return f.report, nil
}

func TestEmergencyExitDelegates(t *testing.T) {
	closer := &fakeCloser{report: domain.CloseReport{ClosedCount: 2, TotalPnL: 50}}
	m := NewManager(testLogger(), testParams(), &fakePositionStore{}, closer)

	report, err := m.EmergencyExit(context.Background(), "u1")
	if err != nil {
		t.Fatalf("EmergencyExit: %v", err)
	}
	if report.ClosedCount != 2 || report.TotalPnL != 50 {
		t.Errorf("report = %+v", report)
	}
}

func TestEmergencyExitWithoutCloser(t *testing.T) {
	m := newTestManager(&fakePositionStore{})

	if _, err := m.EmergencyExit(context.Background(), "u1"); err == nil {
		t.Error("expected an error when no closer is wired")
	}
}
