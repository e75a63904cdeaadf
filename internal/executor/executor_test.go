package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVenue scripts placement outcomes per call and reports a fixed
// confirmation status per signature.
type fakeVenue struct {
	placements []placement
	calls      int
	statuses   map[string]domain.TxStatus
}

type placement struct {
	signature string
	err       error
}

func (v *fakeVenue) PlaceLiquidityOrder(_ context.Context, _, _ string, _ float64, _ int) (string, error) {
	if v.calls >= len(v.placements) {
		return "", fmt.Errorf("unexpected placement call %d", v.calls)
	}
	p := v.placements[v.calls]
	v.calls++
	return p.signature, p.err
}

func (v *fakeVenue) BestExecutionPool(_ context.Context, _, _ string, _ float64) (domain.PoolQuote, error) {
	return domain.PoolQuote{Ref: "pool-1"}, nil
}

func (v *fakeVenue) ExecutionStatus(_ context.Context, signature string) (domain.TxStatus, error) {
	if s, ok := v.statuses[signature]; ok {
		return s, nil
	}
	return domain.TxStatusConfirmed, nil
}

type fakeFeed struct {
	prices map[string]float64
	err    error
}

func (f *fakeFeed) CurrentPrice(_ context.Context, instrument string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.prices[instrument], nil
}

func (f *fakeFeed) Subscribe(string, func(domain.PriceUpdate)) (func(), error) {
	return func() {}, nil
}

type fakeWallet struct {
	balance float64
}

func (w *fakeWallet) SigningKey(context.Context, string) (string, error) { return "key", nil }
func (w *fakeWallet) CheckBalance(context.Context, string, string) (float64, error) {
	return w.balance, nil
}

type fakeOrderStore struct {
	created []domain.Order
	filled  []string
	failed  []string
}

func (s *fakeOrderStore) Create(_ context.Context, o domain.Order) error {
	s.created = append(s.created, o)
	return nil
}
func (s *fakeOrderStore) MarkFilled(_ context.Context, id, _ string, _, _ float64) error {
	s.filled = append(s.filled, id)
	return nil
}
func (s *fakeOrderStore) MarkFailed(_ context.Context, id string, _ string) error {
	s.failed = append(s.failed, id)
	return nil
}
func (s *fakeOrderStore) GetByID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
func (s *fakeOrderStore) ListByUser(context.Context, string, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}

func newTestExecutor(venue *fakeVenue, feed *fakeFeed, store *fakeOrderStore) (*Executor, *[]time.Duration) {
	e := New(testLogger(), venue, feed, &fakeWallet{balance: 1_000_000}, store, Config{
		QuoteAsset:     "USDC",
		SlippageBps:    50,
		RequestsPerSec: 1_000,
	})
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func marketOrder() domain.Order {
	return domain.Order{
		ID:         "o1",
		UserID:     "u1",
		Type:       domain.OrderTypeMarket,
		Side:       domain.PositionSideLong,
		Instrument: "SOL/USDC",
		PoolRef:    "pool-1",
		Amount:     100,
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := Backoff(i); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
	if got := Backoff(-1); got != 2*time.Second {
		t.Errorf("Backoff(-1) = %v, want 2s", got)
	}
}

func TestExecuteOrderFillsMarketOrder(t *testing.T) {
	venue := &fakeVenue{placements: []placement{{signature: "sig-1"}}}
	feed := &fakeFeed{prices: map[string]float64{"SOL/USDC": 150}}
	store := &fakeOrderStore{}
	e, _ := newTestExecutor(venue, feed, store)

	res, err := e.ExecuteOrder(context.Background(), marketOrder())
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	if !res.Success || res.Signature != "sig-1" || res.ExecutedPrice != 150 {
		t.Errorf("result = %+v", res)
	}
	if res.RetryAttempts != 1 {
		t.Errorf("attempts = %d, want 1", res.RetryAttempts)
	}
	if len(store.created) != 1 || len(store.filled) != 1 {
		t.Errorf("store: created=%d filled=%d", len(store.created), len(store.filled))
	}
}

func TestExecuteOrderRetriesNetworkErrors(t *testing.T) {
	venue := &fakeVenue{placements: []placement{
		{err: &domain.NetworkError{Op: "place", Err: errors.New("conn reset")}},
		{err: &domain.NetworkError{Op: "place", Err: errors.New("conn reset")}},
		{signature: "sig-1"},
	}}
	feed := &fakeFeed{prices: map[string]float64{"SOL/USDC": 150}}
	store := &fakeOrderStore{}
	e, slept := newTestExecutor(venue, feed, store)

	res, err := e.ExecuteOrder(context.Background(), marketOrder())
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	if !res.Success || res.RetryAttempts != 3 {
		t.Errorf("result = %+v", res)
	}
	wantSleeps := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != len(wantSleeps) {
		t.Fatalf("sleeps = %v, want %v", *slept, wantSleeps)
	}
	for i, w := range wantSleeps {
		if (*slept)[i] != w {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], w)
		}
	}
}

func TestExecuteOrderRateLimitOverridesBackoff(t *testing.T) {
	venue := &fakeVenue{placements: []placement{
		{err: &domain.RateLimitError{RetryAfter: 7 * time.Second}},
		{signature: "sig-1"},
	}}
	feed := &fakeFeed{prices: map[string]float64{"SOL/USDC": 150}}
	e, slept := newTestExecutor(venue, feed, &fakeOrderStore{})

	if _, err := e.ExecuteOrder(context.Background(), marketOrder()); err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 7*time.Second {
		t.Errorf("sleeps = %v, want [7s]", *slept)
	}
}

func TestExecuteOrderExhaustsRetries(t *testing.T) {
	netErr := &domain.NetworkError{Op: "place", Err: errors.New("down")}
	venue := &fakeVenue{placements: []placement{{err: netErr}, {err: netErr}, {err: netErr}, {err: netErr}}}
	feed := &fakeFeed{prices: map[string]float64{"SOL/USDC": 150}}
	store := &fakeOrderStore{}
	e, _ := newTestExecutor(venue, feed, store)

	res, err := e.ExecuteOrder(context.Background(), marketOrder())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if res.Success || res.RetryAttempts != maxAttempts {
		t.Errorf("result = %+v, want failure after %d attempts", res, maxAttempts)
	}
	if len(store.failed) != 1 {
		t.Errorf("order should be marked failed once, got %d", len(store.failed))
	}
}

func TestExecuteOrderSlippageFailsClosed(t *testing.T) {
	venue := &fakeVenue{placements: []placement{{signature: "sig-1"}}}
	feed := &fakeFeed{prices: map[string]float64{"SOL/USDC": 160}}
	store := &fakeOrderStore{}
	e, _ := newTestExecutor(venue, feed, store)

	order := marketOrder()
	order.ReferencePrice = 150
	order.MaxSlippage = 0.01 // live price moved 6.7%

	res, err := e.ExecuteOrder(context.Background(), order)
	var slipErr *domain.SlippageError
	if !errors.As(err, &slipErr) {
		t.Fatalf("expected SlippageError, got %v", err)
	}
	if res.Success || res.RetryAttempts != 1 {
		t.Errorf("slippage must fail closed without retries, got %+v", res)
	}
	if venue.calls != 0 {
		t.Errorf("no placement should reach the venue, got %d", venue.calls)
	}
}

func TestExecuteOrderRejectsBadInput(t *testing.T) {
	feed := &fakeFeed{prices: map[string]float64{"SOL/USDC": 150}}

	t.Run("non-positive amount", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeVenue{}, feed, &fakeOrderStore{})
		order := marketOrder()
		order.Amount = 0
		_, err := e.ExecuteOrder(context.Background(), order)
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("missing pool", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeVenue{}, feed, &fakeOrderStore{})
		order := marketOrder()
		order.PoolRef = ""
		_, err := e.ExecuteOrder(context.Background(), order)
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		e := New(testLogger(), &fakeVenue{}, feed, &fakeWallet{balance: 10}, &fakeOrderStore{}, Config{
			QuoteAsset: "USDC", RequestsPerSec: 1_000,
		})
		_, err := e.ExecuteOrder(context.Background(), marketOrder())
		var fundsErr *domain.InsufficientFundsError
		if !errors.As(err, &fundsErr) {
			t.Fatalf("expected InsufficientFundsError, got %v", err)
		}
	})
}

func TestExecuteOrderLimitTrigger(t *testing.T) {
	price := 150.0
	feed := &fakeFeed{prices: map[string]float64{"SOL/USDC": price}}

	t.Run("long limit below market does not trigger", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeVenue{}, feed, &fakeOrderStore{})
		order := marketOrder()
		order.Type = domain.OrderTypeLimit
		trigger := 140.0
		order.Price = &trigger

		_, err := e.ExecuteOrder(context.Background(), order)
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected trigger validation error, got %v", err)
		}
	})

	t.Run("long limit at market fills", func(t *testing.T) {
		venue := &fakeVenue{placements: []placement{{signature: "sig-1"}}}
		e, _ := newTestExecutor(venue, feed, &fakeOrderStore{})
		order := marketOrder()
		order.Type = domain.OrderTypeLimit
		trigger := 150.0
		order.Price = &trigger

		res, err := e.ExecuteOrder(context.Background(), order)
		if err != nil || !res.Success {
			t.Fatalf("expected fill, got %+v, %v", res, err)
		}
	})

	t.Run("short stop loss triggers on rise", func(t *testing.T) {
		venue := &fakeVenue{placements: []placement{{signature: "sig-1"}}}
		e, _ := newTestExecutor(venue, feed, &fakeOrderStore{})
		order := marketOrder()
		order.Type = domain.OrderTypeStopLoss
		order.Side = domain.PositionSideShort
		trigger := 145.0 // market 150 has risen past it
		order.Price = &trigger

		res, err := e.ExecuteOrder(context.Background(), order)
		if err != nil || !res.Success {
			t.Fatalf("expected fill, got %+v, %v", res, err)
		}
	})
}

func TestExecuteOrderConfirmationFailure(t *testing.T) {
	venue := &fakeVenue{
		placements: []placement{{signature: "sig-1"}},
		statuses:   map[string]domain.TxStatus{"sig-1": domain.TxStatusFailed},
	}
	feed := &fakeFeed{prices: map[string]float64{"SOL/USDC": 150}}
	e, _ := newTestExecutor(venue, feed, &fakeOrderStore{})

	_, err := e.ExecuteOrder(context.Background(), marketOrder())
	var confirmErr *domain.TransactionConfirmationError
	if !errors.As(err, &confirmErr) {
		t.Fatalf("expected TransactionConfirmationError, got %v", err)
	}
}

func TestExecuteOrderConfirmationTimeoutIsRetryable(t *testing.T) {
	err := &domain.TransactionTimeoutError{Signature: "sig-1", Waited: 30 * time.Second}
	if !domain.Retryable(err) {
		t.Error("confirmation timeout should be retryable")
	}
	confirmErr := &domain.TransactionConfirmationError{Signature: "sig-1", Reason: "reverted"}
	if domain.Retryable(confirmErr) {
		t.Error("on-chain failure should not be retryable")
	}
}
