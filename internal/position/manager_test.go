package position

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory domain.PositionStore. failClose marks position
// IDs whose Close call should fail.
type memStore struct {
	positions map[string]*domain.Position
	failClose map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[string]*domain.Position),
		failClose: make(map[string]bool),
	}
}

func (s *memStore) Create(_ context.Context, p domain.Position) error {
	if _, exists := s.positions[p.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.positions[p.ID] = &p
	return nil
}

func (s *memStore) Update(_ context.Context, p domain.Position) error {
	if _, exists := s.positions[p.ID]; !exists {
		return domain.ErrNotFound
	}
	s.positions[p.ID] = &p
	return nil
}

func (s *memStore) Close(_ context.Context, id string, exitPrice, realizedPnL float64) error {
	if s.failClose[id] {
		return errors.New("storage unavailable")
	}
	p, exists := s.positions[id]
	if !exists || p.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	now := time.Now()
	p.Status = domain.PositionStatusClosed
	p.CurrentPrice = exitPrice
	p.RealizedPnL = realizedPnL
	p.UnrealizedPnL = 0
	p.ClosedAt = &now
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	p, exists := s.positions[id]
	if !exists {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *memStore) GetOpen(_ context.Context, userID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == domain.PositionStatusOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) GetByHedgeGroup(_ context.Context, groupID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.positions {
		if p.HedgeGroupID == groupID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) ListHistory(_ context.Context, userID string, _ domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) ListClosedBefore(_ context.Context, userID string, before time.Time) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == domain.PositionStatusClosed && p.ClosedAt != nil && !p.ClosedAt.After(before) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) RealizedPnLSince(_ context.Context, userID string, since time.Time) (float64, error) {
	var total float64
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == domain.PositionStatusClosed && p.ClosedAt != nil && !p.ClosedAt.Before(since) {
			total += p.RealizedPnL
		}
	}
	return total, nil
}

func openLeg(id, userID string, side domain.PositionSide, amount, entry, current float64) domain.Position {
	return domain.Position{
		ID:           id,
		UserID:       userID,
		Side:         side,
		PoolRef:      "pool-1",
		Instrument:   "SOL/USDC",
		Amount:       amount,
		EntryPrice:   entry,
		CurrentPrice: current,
		HedgeRatio:   1.0,
		Status:       domain.PositionStatusOpen,
		OpenedAt:     time.Now(),
	}
}

func TestOpenFillsDefaults(t *testing.T) {
	store := newMemStore()
	m := NewManager(testLogger(), store, nil, nil)

	pos, err := m.Open(context.Background(), domain.Position{
		UserID: "u1", Side: domain.PositionSideLong,
		Instrument: "SOL/USDC", PoolRef: "pool-1",
		Amount: 100, EntryPrice: 150,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.ID == "" {
		t.Error("ID should be assigned")
	}
	if pos.CurrentPrice != 150 {
		t.Errorf("current price should default to entry, got %v", pos.CurrentPrice)
	}
	if pos.Status != domain.PositionStatusOpen {
		t.Errorf("status = %s", pos.Status)
	}
}

func TestOpenHedgePairValidation(t *testing.T) {
	m := NewManager(testLogger(), newMemStore(), nil, nil)
	ctx := context.Background()

	long := openLeg("l1", "u1", domain.PositionSideLong, 100, 150, 150)
	long.HedgeGroupID = "g1"
	short := openLeg("s1", "u1", domain.PositionSideShort, 100, 150, 150)
	short.HedgeGroupID = "g2"

	if _, err := m.OpenHedgePair(ctx, long, short); err == nil {
		t.Error("mismatched group IDs should be rejected")
	}

	short.HedgeGroupID = "g1"
	short.Side = domain.PositionSideLong
	if _, err := m.OpenHedgePair(ctx, long, short); err == nil {
		t.Error("two long legs should be rejected")
	}
}

func TestCloseComputesRealizedPnL(t *testing.T) {
	store := newMemStore()
	m := NewManager(testLogger(), store, nil, nil)
	ctx := context.Background()

	leg := openLeg("p1", "u1", domain.PositionSideLong, 100, 100, 100)
	store.positions["p1"] = &leg

	realized, err := m.Close(ctx, "p1", 110)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if realized != 1000 {
		t.Errorf("realized = %v, want 1000", realized)
	}

	// Closing again reports not found.
	if _, err := m.Close(ctx, "p1", 120); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("double close should be ErrNotFound, got %v", err)
	}
}

func TestGetHedgePositionRejectsIncompleteGroup(t *testing.T) {
	store := newMemStore()
	m := NewManager(testLogger(), store, nil, nil)

	leg := openLeg("l1", "u1", domain.PositionSideLong, 100, 150, 150)
	leg.HedgeGroupID = "g1"
	store.positions["l1"] = &leg

	_, err := m.GetHedgePosition(context.Background(), "g1")
	if !errors.Is(err, domain.ErrIncompleteGroup) {
		t.Errorf("expected ErrIncompleteGroup, got %v", err)
	}
}

func TestUpdateTrackedPrice(t *testing.T) {
	store := newMemStore()
	m := NewManager(testLogger(), store, nil, nil)
	ctx := context.Background()

	leg := openLeg("p1", "u1", domain.PositionSideLong, 100, 100, 100)
	store.positions["p1"] = &leg

	if err := m.UpdateTrackedPrice(ctx, "p1", 105); err != nil {
		t.Fatalf("UpdateTrackedPrice: %v", err)
	}
	got, _ := store.GetByID(ctx, "p1")
	if got.CurrentPrice != 105 || got.UnrealizedPnL != 500 {
		t.Errorf("position = %+v", got)
	}
}

func TestEmergencyCloseAllCollectsFailures(t *testing.T) {
	store := newMemStore()
	m := NewManager(testLogger(), store, nil, nil)

	for _, id := range []string{"p1", "p2", "p3"} {
		leg := openLeg(id, "u1", domain.PositionSideLong, 10, 100, 105)
		store.positions[id] = &leg
	}
	store.failClose["p2"] = true

	report, err := m.EmergencyCloseAllPositions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("EmergencyCloseAllPositions: %v", err)
	}
	if report.ClosedCount != 2 {
		t.Errorf("closed = %d, want 2", report.ClosedCount)
	}
	if len(report.Errors) != 1 {
		t.Errorf("errors = %d, want 1", len(report.Errors))
	}
	if report.TotalPnL != 100 { // two legs, (105-100)*10 each
		t.Errorf("total pnl = %v, want 100", report.TotalPnL)
	}
}

func TestEmergencyCloseAllHedgePositions(t *testing.T) {
	store := newMemStore()
	m := NewManager(testLogger(), store, nil, nil)

	long := openLeg("l1", "u1", domain.PositionSideLong, 100, 100, 110)
	long.HedgeGroupID = "g1"
	short := openLeg("s1", "u1", domain.PositionSideShort, 100, 100, 95)
	short.HedgeGroupID = "g1"
	store.positions["l1"] = &long
	store.positions["s1"] = &short

	report, err := m.EmergencyCloseAllHedgePositions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("EmergencyCloseAllHedgePositions: %v", err)
	}
	if report.ClosedCount != 2 || len(report.Errors) != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.TotalPnL != 500 { // 1000 long - 500 short
		t.Errorf("total pnl = %v, want 500", report.TotalPnL)
	}
}

func TestClosePositionsExceedingStopLoss(t *testing.T) {
	store := newMemStore()
	m := NewManager(testLogger(), store, nil, nil)

	breachedLong := openLeg("p1", "u1", domain.PositionSideLong, 10, 100, 88)
	safeLong := openLeg("p2", "u1", domain.PositionSideLong, 10, 100, 95)
	breachedShort := openLeg("p3", "u1", domain.PositionSideShort, 10, 100, 112)
	store.positions["p1"] = &breachedLong
	store.positions["p2"] = &safeLong
	store.positions["p3"] = &breachedShort

	report, err := m.ClosePositionsExceedingStopLoss(context.Background(), "u1", 0.10)
	if err != nil {
		t.Fatalf("ClosePositionsExceedingStopLoss: %v", err)
	}
	if report.ClosedCount != 2 {
		t.Errorf("closed = %d, want 2 (the breached legs)", report.ClosedCount)
	}
	got, _ := store.GetByID(context.Background(), "p2")
	if !got.IsOpen() {
		t.Error("safe position should remain open")
	}
}

func TestStats(t *testing.T) {
	store := newMemStore()
	m := NewManager(testLogger(), store, nil, nil)
	ctx := context.Background()

	open := openLeg("p1", "u1", domain.PositionSideLong, 10, 100, 105)
	store.positions["p1"] = &open

	win := openLeg("p2", "u1", domain.PositionSideLong, 10, 100, 100)
	store.positions["p2"] = &win
	if _, err := m.Close(ctx, "p2", 120); err != nil {
		t.Fatalf("close win: %v", err)
	}

	loss := openLeg("p3", "u1", domain.PositionSideLong, 10, 100, 100)
	store.positions["p3"] = &loss
	if _, err := m.Close(ctx, "p3", 90); err != nil {
		t.Fatalf("close loss: %v", err)
	}

	stats, err := m.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.OpenCount != 1 || stats.ClosedCount != 2 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.WinCount != 1 || stats.LossCount != 1 {
		t.Errorf("win/loss = %+v", stats)
	}
	if stats.TotalRealized != 100 { // +200 - 100
		t.Errorf("total realized = %v, want 100", stats.TotalRealized)
	}
}
