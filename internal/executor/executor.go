// Package executor places orders against the venue with retry, slippage
// protection and confirmation polling, and composes single-leg executions
// into atomic-attempt hedge pairs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

const (
	// defaultConfirmTimeout bounds confirmation polling per placement.
	defaultConfirmTimeout = 30 * time.Second

	// confirmPollInterval is the cadence of confirmation status checks.
	confirmPollInterval = time.Second

	// venueFeeRate estimates the venue fee taken per fill.
	venueFeeRate = 0.003
)

// Config tunes the executor.
type Config struct {
	QuoteAsset     string
	SlippageBps    int
	ConfirmTimeout time.Duration
	RequestsPerSec float64
}

// Executor implements single-order execution with bounded retries.
type Executor struct {
	logger  *slog.Logger
	venue   domain.ExecutionVenue
	feed    domain.PriceFeed
	wallet  domain.WalletProvider
	orders  domain.OrderStore
	limiter *rate.Limiter

	quoteAsset     string
	slippageBps    int
	confirmTimeout time.Duration

	// sleep and pollInterval are swapped out in tests.
	sleep        func(ctx context.Context, d time.Duration) error
	pollInterval time.Duration
}

// New creates an Executor.
func New(logger *slog.Logger, venue domain.ExecutionVenue, feed domain.PriceFeed, wallet domain.WalletProvider, orders domain.OrderStore, cfg Config) *Executor {
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 8
	}
	return &Executor{
		logger:         logger.With(slog.String("component", "order_executor")),
		venue:          venue,
		feed:           feed,
		wallet:         wallet,
		orders:         orders,
		limiter:        rate.NewLimiter(rate.Limit(rps), 1),
		quoteAsset:     cfg.QuoteAsset,
		slippageBps:    cfg.SlippageBps,
		confirmTimeout: confirmTimeout,
		sleep:          sleepCtx,
		pollInterval:   confirmPollInterval,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteOrder runs an order through validation, a pending record, and up to
// four placement attempts with exponential backoff. Non-retryable failures
// return immediately; a venue-supplied retry-after overrides the schedule.
func (e *Executor) ExecuteOrder(ctx context.Context, order domain.Order) (domain.ExecutionResult, error) {
	result := domain.ExecutionResult{OrderID: order.ID}

	if err := e.validateOrder(ctx, order); err != nil {
		return result, err
	}

	order.Status = domain.OrderStatusPending
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if err := e.orders.Create(ctx, order); err != nil {
		return result, fmt.Errorf("executor: record order %s: %w", order.ID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.RetryAttempts = attempt

		fill, err := e.attempt(ctx, order)
		if err == nil {
			result.Success = true
			result.Signature = fill.signature
			result.ExecutedPrice = fill.price
			result.ExecutedAmount = order.Amount
			result.Fee = fill.fee

			if markErr := e.orders.MarkFilled(ctx, order.ID, fill.signature, fill.price, fill.fee); markErr != nil {
				e.logger.Error("order filled but record update failed",
					slog.String("order_id", order.ID), slog.String("error", markErr.Error()))
			}
			e.logger.Info("order filled",
				slog.String("order_id", order.ID),
				slog.String("signature", fill.signature),
				slog.Float64("price", fill.price),
				slog.Int("attempts", attempt))
			return result, nil
		}

		lastErr = err
		if !domain.Retryable(err) {
			e.markFailed(ctx, order.ID, err)
			return result, err
		}

		if attempt < maxAttempts {
			delay := Backoff(attempt - 1)
			var rateErr *domain.RateLimitError
			if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
				delay = rateErr.RetryAfter
			}
			e.logger.Warn("order attempt failed, retrying",
				slog.String("order_id", order.ID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
				e.markFailed(ctx, order.ID, sleepErr)
				return result, fmt.Errorf("executor: retry wait: %w", sleepErr)
			}
		}
	}

	result.RetryAttempts = maxAttempts
	e.markFailed(ctx, order.ID, lastErr)
	return result, fmt.Errorf("executor: order %s exhausted %d attempts: %w", order.ID, maxAttempts, lastErr)
}

// validateOrder rejects malformed orders before any venue traffic.
func (e *Executor) validateOrder(ctx context.Context, order domain.Order) error {
	if order.Amount <= 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if order.PoolRef == "" {
		return &domain.ValidationError{Field: "pool_ref", Reason: "must not be empty"}
	}

	available, err := e.wallet.CheckBalance(ctx, order.UserID, e.quoteAsset)
	if err != nil {
		return &domain.NetworkError{Op: "check balance", Err: err}
	}
	if available < order.Amount {
		return &domain.InsufficientFundsError{Required: order.Amount, Available: available}
	}
	return nil
}

type fill struct {
	signature string
	price     float64
	fee       float64
}

// attempt runs one placement: trigger check, slippage check, venue dispatch,
// confirmation.
func (e *Executor) attempt(ctx context.Context, order domain.Order) (fill, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return fill{}, &domain.NetworkError{Op: "rate limiter wait", Err: err}
	}

	current, err := e.feed.CurrentPrice(ctx, order.Instrument)
	if err != nil {
		return fill{}, &domain.NetworkError{Op: "fetch price", Err: err}
	}

	// Conditional types verify their trigger against the live price, then
	// fall through to the market path.
	if order.Type != domain.OrderTypeMarket {
		if err := checkTrigger(order, current); err != nil {
			return fill{}, err
		}
	}

	if order.ReferencePrice > 0 {
		slippage := math.Abs(current-order.ReferencePrice) / order.ReferencePrice
		if slippage > order.MaxSlippage {
			return fill{}, &domain.SlippageError{
				Expected: order.ReferencePrice,
				Actual:   current,
				Pct:      slippage,
				Max:      order.MaxSlippage,
			}
		}
	}

	signature, err := e.venue.PlaceLiquidityOrder(ctx, order.UserID, order.PoolRef, order.Amount, e.slippageBps)
	if err != nil {
		return fill{}, err
	}

	if err := e.awaitConfirmation(ctx, signature); err != nil {
		return fill{}, err
	}

	return fill{
		signature: signature,
		price:     current,
		fee:       order.Amount * venueFeeRate,
	}, nil
}

// checkTrigger validates conditional order types against the current price.
func checkTrigger(order domain.Order, current float64) error {
	if order.Price == nil {
		return &domain.ValidationError{Field: "price", Reason: fmt.Sprintf("%s order requires a trigger price", order.Type)}
	}
	trigger := *order.Price

	var triggered bool
	switch order.Type {
	case domain.OrderTypeLimit:
		// Limit buys fill at or below the limit; limit sells at or above.
		if order.Side == domain.PositionSideLong {
			triggered = current <= trigger
		} else {
			triggered = current >= trigger
		}
	case domain.OrderTypeStopLoss:
		if order.Side == domain.PositionSideLong {
			triggered = current <= trigger
		} else {
			triggered = current >= trigger
		}
	case domain.OrderTypeTakeProfit:
		if order.Side == domain.PositionSideLong {
			triggered = current >= trigger
		} else {
			triggered = current <= trigger
		}
	default:
		return &domain.ValidationError{Field: "order_type", Reason: fmt.Sprintf("unknown type %q", order.Type)}
	}

	if !triggered {
		return &domain.ValidationError{
			Field:  "trigger",
			Reason: fmt.Sprintf("%s not triggered: current %.6f vs trigger %.6f", order.Type, current, trigger),
		}
	}
	return nil
}

// awaitConfirmation polls execution status until confirmed, failed, or the
// timeout elapses. Timeout and on-chain failure are distinct error kinds.
func (e *Executor) awaitConfirmation(ctx context.Context, signature string) error {
	deadline := time.Now().Add(e.confirmTimeout)
	for {
		status, err := e.venue.ExecutionStatus(ctx, signature)
		if err != nil {
			return &domain.NetworkError{Op: "confirmation status", Err: err}
		}
		switch status {
		case domain.TxStatusConfirmed:
			return nil
		case domain.TxStatusFailed:
			return &domain.TransactionConfirmationError{Signature: signature, Reason: "venue reported failure"}
		}

		if time.Now().Add(e.pollInterval).After(deadline) {
			return &domain.TransactionTimeoutError{Signature: signature, Waited: e.confirmTimeout}
		}
		if err := e.sleep(ctx, e.pollInterval); err != nil {
			return &domain.NetworkError{Op: "confirmation wait", Err: err}
		}
	}
}

func (e *Executor) markFailed(ctx context.Context, orderID string, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	if err := e.orders.MarkFailed(ctx, orderID, reason); err != nil {
		e.logger.Error("order failure record update failed",
			slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}
