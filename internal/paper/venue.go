// Package paper provides an in-memory venue, wallet and price feed for
// paper-trading mode. Every order fills instantly at the current simulated
// price; no network or keys are involved.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// Venue simulates an execution venue, wallet provider and price feed backed
// by in-memory state. Prices move only when SetPrice is called.
type Venue struct {
	logger *slog.Logger

	mu       sync.RWMutex
	prices   map[string]float64
	balances map[string]map[string]float64 // user ID -> asset -> balance
	statuses map[string]domain.TxStatus

	subMu     sync.Mutex
	subs      map[string]map[int]func(domain.PriceUpdate)
	nextSubID int
}

// NewVenue creates an empty simulated venue.
func NewVenue(logger *slog.Logger) *Venue {
	return &Venue{
		logger:   logger.With(slog.String("component", "paper_venue")),
		prices:   make(map[string]float64),
		balances: make(map[string]map[string]float64),
		statuses: make(map[string]domain.TxStatus),
		subs:     make(map[string]map[int]func(domain.PriceUpdate)),
	}
}

var (
	_ domain.ExecutionVenue = (*Venue)(nil)
	_ domain.WalletProvider = (*Venue)(nil)
	_ domain.PriceFeed      = (*Venue)(nil)
)

// SetPrice moves the simulated price for an instrument and notifies
// subscribers.
func (v *Venue) SetPrice(instrument string, price float64) {
	v.mu.Lock()
	v.prices[instrument] = price
	v.mu.Unlock()

	update := domain.PriceUpdate{
		Instrument: instrument,
		Price:      price,
		Timestamp:  time.Now(),
	}

	v.subMu.Lock()
	var fns []func(domain.PriceUpdate)
	for _, fn := range v.subs[instrument] {
		fns = append(fns, fn)
	}
	v.subMu.Unlock()

	for _, fn := range fns {
		fn(update)
	}
}

// Fund credits a user's simulated balance.
func (v *Venue) Fund(userID, asset string, amount float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balances[userID] == nil {
		v.balances[userID] = make(map[string]float64)
	}
	v.balances[userID][asset] += amount
}

// CurrentPrice returns the simulated price for an instrument.
func (v *Venue) CurrentPrice(_ context.Context, instrument string) (float64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	price, ok := v.prices[instrument]
	if !ok {
		return 0, fmt.Errorf("paper: price %s: %w", instrument, domain.ErrNotFound)
	}
	return price, nil
}

// Subscribe registers a callback invoked on every SetPrice for the
// instrument.
func (v *Venue) Subscribe(instrument string, fn func(domain.PriceUpdate)) (func(), error) {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	id := v.nextSubID
	v.nextSubID++
	if v.subs[instrument] == nil {
		v.subs[instrument] = make(map[int]func(domain.PriceUpdate))
	}
	v.subs[instrument][id] = fn

	return func() {
		v.subMu.Lock()
		defer v.subMu.Unlock()
		delete(v.subs[instrument], id)
	}, nil
}

// PlaceLiquidityOrder fills instantly and returns a synthetic signature.
func (v *Venue) PlaceLiquidityOrder(_ context.Context, userID, poolRef string, amount float64, _ int) (string, error) {
	if amount <= 0 {
		return "", &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	signature := "paper-" + uuid.NewString()
	v.mu.Lock()
	v.statuses[signature] = domain.TxStatusConfirmed
	v.mu.Unlock()

	v.logger.Debug("paper order filled",
		slog.String("user_id", userID),
		slog.String("pool", poolRef),
		slog.Float64("amount", amount),
		slog.String("signature", signature))
	return signature, nil
}

// BestExecutionPool returns a synthetic pool quote at the simulated price
// with zero price impact.
func (v *Venue) BestExecutionPool(ctx context.Context, base, quote string, amount float64) (domain.PoolQuote, error) {
	instrument := base + "/" + quote
	price, err := v.CurrentPrice(ctx, instrument)
	if err != nil {
		return domain.PoolQuote{}, err
	}
	return domain.PoolQuote{
		Ref:            "paper-pool:" + instrument,
		ExpectedOutput: amount * price,
		PriceImpact:    0,
	}, nil
}

// ExecutionStatus reports the status recorded at placement time.
func (v *Venue) ExecutionStatus(_ context.Context, signature string) (domain.TxStatus, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	status, ok := v.statuses[signature]
	if !ok {
		return "", fmt.Errorf("paper: signature %s: %w", signature, domain.ErrNotFound)
	}
	return status, nil
}

// SigningKey returns a fixed placeholder; paper mode signs nothing.
func (v *Venue) SigningKey(_ context.Context, userID string) (string, error) {
	return "paper-key:" + userID, nil
}

// CheckBalance reports the simulated balance.
func (v *Venue) CheckBalance(_ context.Context, userID, asset string) (float64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[userID][asset], nil
}
