package domain

import (
	"context"
	"time"
)

// PriceUpdate is a single observation pushed by a price feed.
type PriceUpdate struct {
	Instrument string
	Price      float64
	Volume     float64
	Timestamp  time.Time
}

// PriceFeed supplies current and streaming prices for venue instruments.
type PriceFeed interface {
	// CurrentPrice returns the latest known price for an instrument.
	CurrentPrice(ctx context.Context, instrument string) (float64, error)

	// Subscribe registers a callback for price updates on an instrument and
	// returns a function that cancels the subscription.
	Subscribe(instrument string, fn func(PriceUpdate)) (unsubscribe func(), err error)
}

// PoolQuote describes the best execution pool for a trade of a given size.
type PoolQuote struct {
	Ref            string
	ExpectedOutput float64
	PriceImpact    float64
}

// TxStatus is the venue-reported state of a submitted transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// ExecutionVenue places orders and reports execution state. Instruction
// encoding and signing are the venue implementation's concern.
type ExecutionVenue interface {
	// PlaceLiquidityOrder submits a single-leg order and returns the venue
	// transaction signature.
	PlaceLiquidityOrder(ctx context.Context, userID, poolRef string, amount float64, slippageBps int) (signature string, err error)

	// BestExecutionPool picks the pool with the best expected output for a
	// trade between two assets.
	BestExecutionPool(ctx context.Context, base, quote string, amount float64) (PoolQuote, error)

	// ExecutionStatus reports the confirmation state of a signature.
	ExecutionStatus(ctx context.Context, signature string) (TxStatus, error)
}

// WalletProvider resolves user wallets. Key generation and encryption happen
// outside the trading core.
type WalletProvider interface {
	SigningKey(ctx context.Context, userID string) (string, error)
	CheckBalance(ctx context.Context, userID, asset string) (float64, error)
}

// NotificationSink delivers operator alerts. Fire-and-forget: delivery
// failures must never affect the trading flow.
type NotificationSink interface {
	Notify(ctx context.Context, event, title, message string) error
}
