package hedge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
	"github.com/hedgeworks/hedgebot/internal/executor"
	"github.com/hedgeworks/hedgebot/internal/position"
	"github.com/hedgeworks/hedgebot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory domain.PositionStore for engine tests.
type memStore struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]*domain.Position)}
}

func (s *memStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = &p
	return nil
}

func (s *memStore) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.positions[p.ID] = &p
	return nil
}

func (s *memStore) Close(_ context.Context, id string, exitPrice, realizedPnL float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PositionStatusOpen {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *memStore) GetOpen(_ context.Context, userID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == domain.PositionStatusOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) GetByHedgeGroup(_ context.Context, groupID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.HedgeGroupID == groupID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) ListHistory(_ context.Context, userID string, _ domain.ListOpts) ([]domain.Position, error) {
	return s.GetOpen(context.Background(), userID)
}

func (s *memStore) ListClosedBefore(context.Context, string, time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (s *memStore) RealizedPnLSince(context.Context, string, time.Time) (float64, error) {
	return 0, nil
}

// scriptedFeed serves a base price and optionally a queue of one-shot prices
// consumed in call order. Subscriptions can be fed updates directly.
type scriptedFeed struct {
	mu    sync.Mutex
	base  float64
	queue []float64
	subs  []func(domain.PriceUpdate)
}

func (f *scriptedFeed) CurrentPrice(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) > 0 {
		p := f.queue[0]
		f.queue = f.queue[1:]
		return p, nil
	}
	return f.base, nil
}

func (f *scriptedFeed) Subscribe(_ string, fn func(domain.PriceUpdate)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}, nil
}

func (f *scriptedFeed) push(update domain.PriceUpdate) {
	f.mu.Lock()
	subs := append([]func(domain.PriceUpdate){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(update)
	}
}

type stubVenue struct {
	sigs  []string
	calls int
}

func (v *stubVenue) PlaceLiquidityOrder(context.Context, string, string, float64, int) (string, error) {
	sig := "sig"
	if v.calls < len(v.sigs) {
		sig = v.sigs[v.calls]
	}
	v.calls++
	return sig, nil
}

func (v *stubVenue) BestExecutionPool(context.Context, string, string, float64) (domain.PoolQuote, error) {
	return domain.PoolQuote{Ref: "pool-1", ExpectedOutput: 1, PriceImpact: 0.001}, nil
}

func (v *stubVenue) ExecutionStatus(context.Context, string) (domain.TxStatus, error) {
	return domain.TxStatusConfirmed, nil
}

type stubWallet struct{ balance float64 }

func (w *stubWallet) SigningKey(context.Context, string) (string, error) { return "key", nil }
func (w *stubWallet) CheckBalance(context.Context, string, string) (float64, error) {
	return w.balance, nil
}

type stubOrderStore struct{}

func (stubOrderStore) Create(context.Context, domain.Order) error                 { return nil }
func (stubOrderStore) MarkFilled(context.Context, string, string, float64, float64) error { return nil }
func (stubOrderStore) MarkFailed(context.Context, string, string) error           { return nil }
func (stubOrderStore) GetByID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
func (stubOrderStore) ListByUser(context.Context, string, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}

func testRiskParams() risk.Params {
	return risk.Params{
		MaxPositions:             10,
		MaxPositionSize:          100_000,
		MinTradeAmount:           1,
		MaxTradeAmount:           100_000,
		MinHedgeRatio:            0.5,
		MaxHedgeRatio:            2.0,
		StopLossPct:              0.10,
		TakeProfitPct:            0.20,
		MaxDrawdownPct:           0.25,
		MaxInstrumentExposurePct: 0.30,
		DailyLossLimitPct:        0.10,
	}
}

func newTestEngine(store *memStore, feed *scriptedFeed, venue *stubVenue, balance float64) *Engine {
	logger := testLogger()
	riskMgr := risk.NewManager(logger, testRiskParams(), store, nil)
	posMgr := position.NewManager(logger, store, nil, nil)
	wallet := &stubWallet{balance: balance}
	single := executor.New(logger, venue, feed, wallet, stubOrderStore{}, executor.Config{
		QuoteAsset:     "USDC",
		SlippageBps:    50,
		RequestsPerSec: 1_000,
	})
	pair := executor.NewHedgeExecutor(logger, single, nil)
	return NewEngine(logger, riskMgr, pair, posMgr, feed, venue, wallet, Config{
		QuoteAsset:        "USDC",
		DefaultHedgeRatio: 1.0,
		StopLossPct:       0.10,
		MaxSlippage:       0.05,
	})
}

func TestOpenAndCloseHedgePosition(t *testing.T) {
	store := newMemStore()
	feed := &scriptedFeed{base: 100}
	engine := newTestEngine(store, feed, &stubVenue{sigs: []string{"L1", "S1"}}, 10_000)
	ctx := context.Background()

	hp, err := engine.OpenHedgePosition(ctx, "u1", "X/USDC", 100, domain.StrategyDeltaNeutral)
	if err != nil {
		t.Fatalf("OpenHedgePosition: %v", err)
	}

	if hp.Long.Amount != 100 || hp.Short.Amount != 100 {
		t.Errorf("leg amounts = %v / %v, want 100 / 100", hp.Long.Amount, hp.Short.Amount)
	}
	if hp.Long.Side != domain.PositionSideLong || hp.Short.Side != domain.PositionSideShort {
		t.Error("legs should take opposite sides")
	}
	if hp.Long.HedgeGroupID != hp.Short.HedgeGroupID || hp.Long.HedgeGroupID == "" {
		t.Error("legs should share a hedge group")
	}
	if hp.Long.EntryPrice != hp.Short.EntryPrice {
		t.Errorf("entry prices differ: %v vs %v", hp.Long.EntryPrice, hp.Short.EntryPrice)
	}

	select {
	case ev := <-engine.Events():
		if ev.Kind != domain.PositionOpened || ev.HedgeGroupID != hp.GroupID {
			t.Errorf("open event = %+v", ev)
		}
	default:
		t.Error("expected an open event")
	}

	// Long leg is priced first on close: 110 then 95.
	feed.mu.Lock()
	feed.queue = []float64{110, 95}
	feed.mu.Unlock()

	total, err := engine.CloseHedgePosition(ctx, hp.GroupID)
	if err != nil {
		t.Fatalf("CloseHedgePosition: %v", err)
	}
	if total != 500 {
		t.Errorf("total pnl = %v, want 500 (long +1000, short -500)", total)
	}

	longLeg, _ := store.GetByID(ctx, hp.Long.ID)
	shortLeg, _ := store.GetByID(ctx, hp.Short.ID)
	if longLeg.RealizedPnL != 1000 || shortLeg.RealizedPnL != -500 {
		t.Errorf("leg pnl = %v / %v, want 1000 / -500", longLeg.RealizedPnL, shortLeg.RealizedPnL)
	}

	select {
	case ev := <-engine.Events():
		if ev.Kind != domain.PositionClosed || ev.TotalPnL != 500 {
			t.Errorf("close event = %+v", ev)
		}
	default:
		t.Error("expected a close event")
	}
}

func TestOpenHedgePositionRejectsInsufficientBalance(t *testing.T) {
	store := newMemStore()
	feed := &scriptedFeed{base: 100}
	// Both legs need 2*100 plus the fee buffer; 150 cannot cover it.
	engine := newTestEngine(store, feed, &stubVenue{}, 150)

	_, err := engine.OpenHedgePosition(context.Background(), "u1", "X/USDC", 100, domain.StrategyDeltaNeutral)
	var fundsErr *domain.InsufficientFundsError
	if !errors.As(err, &fundsErr) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
}

func TestCloseHedgePositionRejectsIncompleteGroup(t *testing.T) {
	store := newMemStore()
	feed := &scriptedFeed{base: 100}
	engine := newTestEngine(store, feed, &stubVenue{}, 10_000)
	ctx := context.Background()

	leg := domain.Position{
		ID: "l1", UserID: "u1", Side: domain.PositionSideLong,
		Instrument: "X/USDC", Amount: 100, EntryPrice: 100, CurrentPrice: 100,
		HedgeGroupID: "g1", HedgeRatio: 1.0,
		Status: domain.PositionStatusOpen, OpenedAt: time.Now(),
	}
	if err := store.Create(ctx, leg); err != nil {
		t.Fatal(err)
	}

	_, err := engine.CloseHedgePosition(ctx, "g1")
	if !errors.Is(err, domain.ErrIncompleteGroup) {
		t.Errorf("expected ErrIncompleteGroup, got %v", err)
	}
}

func TestRebalancePosition(t *testing.T) {
	store := newMemStore()
	feed := &scriptedFeed{base: 100}
	engine := newTestEngine(store, feed, &stubVenue{}, 10_000)
	ctx := context.Background()

	long := domain.Position{
		ID: "l1", UserID: "u1", Side: domain.PositionSideLong,
		Instrument: "X/USDC", Amount: 100, EntryPrice: 1.0, CurrentPrice: 1.2,
		HedgeGroupID: "g1", HedgeRatio: 1.0,
		Status: domain.PositionStatusOpen, OpenedAt: time.Now(),
	}
	short := domain.Position{
		ID: "s1", UserID: "u1", Side: domain.PositionSideShort,
		Instrument: "X/USDC", Amount: 100, EntryPrice: 1.0, CurrentPrice: 1.0,
		HedgeGroupID: "g1", HedgeRatio: 1.0,
		Status: domain.PositionStatusOpen, OpenedAt: time.Now(),
	}
	store.Create(ctx, long)
	store.Create(ctx, short)

	// Drift 0.2 over threshold 0.05 pulls the long leg back to ratio 1.0.
	if err := engine.RebalancePosition(ctx, "g1", 0.05); err != nil {
		t.Fatalf("RebalancePosition: %v", err)
	}

	got, _ := store.GetByID(ctx, "l1")
	if got.CurrentPrice != 1.0 {
		t.Errorf("long tracked price = %v, want 1.0", got.CurrentPrice)
	}

	// Within threshold: no-op.
	if err := engine.RebalancePosition(ctx, "g1", 0.05); err != nil {
		t.Fatalf("RebalancePosition (no-op): %v", err)
	}
}

func TestGetPositionPnL(t *testing.T) {
	store := newMemStore()
	feed := &scriptedFeed{base: 100}
	engine := newTestEngine(store, feed, &stubVenue{sigs: []string{"L1", "S1"}}, 10_000)
	ctx := context.Background()

	hp, err := engine.OpenHedgePosition(ctx, "u1", "X/USDC", 100, domain.StrategyDeltaNeutral)
	if err != nil {
		t.Fatalf("OpenHedgePosition: %v", err)
	}

	// Long refreshed at 105, short at 95: +500 - 500 = 0.
	feed.mu.Lock()
	feed.queue = []float64{105, 95}
	feed.mu.Unlock()

	pnl, err := engine.GetPositionPnL(ctx, hp.GroupID)
	if err != nil {
		t.Fatalf("GetPositionPnL: %v", err)
	}
	if pnl != 0 {
		t.Errorf("open pnl = %v, want 0", pnl)
	}

	feed.mu.Lock()
	feed.queue = []float64{110, 95}
	feed.mu.Unlock()
	if _, err := engine.CloseHedgePosition(ctx, hp.GroupID); err != nil {
		t.Fatalf("CloseHedgePosition: %v", err)
	}

	pnl, err = engine.GetPositionPnL(ctx, hp.GroupID)
	if err != nil {
		t.Fatalf("GetPositionPnL (closed): %v", err)
	}
	if pnl != 500 {
		t.Errorf("closed pnl = %v, want 500", pnl)
	}
}

func TestStopLossMonitoringAutoCloses(t *testing.T) {
	store := newMemStore()
	feed := &scriptedFeed{base: 100}
	engine := newTestEngine(store, feed, &stubVenue{sigs: []string{"L1", "S1"}}, 10_000)
	ctx := context.Background()

	hp, err := engine.OpenHedgePosition(ctx, "u1", "X/USDC", 100, domain.StrategyDeltaNeutral)
	if err != nil {
		t.Fatalf("OpenHedgePosition: %v", err)
	}

	// A 15% drop breaches the long leg's 10% stop.
	feed.push(domain.PriceUpdate{Instrument: "X/USDC", Price: 85, Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for {
		leg, _ := store.GetByID(ctx, hp.Long.ID)
		if !leg.IsOpen() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stop-loss breach did not auto-close the hedge")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
