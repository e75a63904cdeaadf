package domain

import "time"

// SignalType classifies a detected trading signal.
type SignalType string

const (
	SignalTypeBreakout    SignalType = "breakout"
	SignalTypeSpread      SignalType = "spread"
	SignalTypeRebalance   SignalType = "rebalance"
	SignalTypeVolumeSpike SignalType = "volume_spike"
	SignalTypeTrend       SignalType = "trend"
)

// SignalDirection indicates which way the detected move points.
type SignalDirection string

const (
	DirectionLong      SignalDirection = "long"
	DirectionShort     SignalDirection = "short"
	DirectionUptrend   SignalDirection = "uptrend"
	DirectionDowntrend SignalDirection = "downtrend"
	DirectionNeutral   SignalDirection = "neutral"
)

// Signal is an ephemeral trading signal derived from streaming price data.
// Signals are consumed immediately by strategies and never persisted.
type Signal struct {
	ID         string
	Type       SignalType
	Instrument string
	Magnitude  float64
	Confidence float64 // in [0, 1]
	Direction  SignalDirection
	Reason     string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Expired reports whether the signal has passed its expiry, if it has one.
func (s Signal) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// PositionEventKind classifies lifecycle events emitted by the hedge engine.
type PositionEventKind string

const (
	PositionOpened PositionEventKind = "position_opened"
	PositionClosed PositionEventKind = "position_closed"
)

// PositionEvent is emitted by the hedge engine whenever a hedge group is
// opened or closed. The automation layer consumes these to keep its tracked
// position set in sync without reaching into engine internals.
type PositionEvent struct {
	Kind         PositionEventKind
	HedgeGroupID string
	Strategy     string
	TotalPnL     float64
	At           time.Time
}
