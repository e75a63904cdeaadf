package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest prices.
type PriceCache interface {
	SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, instrument string) (float64, time.Time, error)
	GetPrices(ctx context.Context, instruments []string) (map[string]float64, error)
}

// SignalBus provides pub/sub delivery of trading events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
