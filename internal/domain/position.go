package domain

import "time"

// PositionSide indicates the exposure direction of a single leg.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position represents one leg of exposure against a venue pool.
//
// UnrealizedPnL is recomputed only while the position is open; once closed,
// RealizedPnL is fixed and UnrealizedPnL is zero.
type Position struct {
	ID            string
	UserID        string
	Side          PositionSide
	PoolRef       string
	Instrument    string
	Amount        float64
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Fees          float64
	HedgeGroupID  string
	HedgeRatio    float64
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// Value returns the current notional value of the leg.
func (p Position) Value() float64 {
	return p.Amount * p.CurrentPrice
}

// IsOpen reports whether the position is still open.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// HedgePosition is the logical pairing of two legs sharing a hedge group ID,
// one long and one short. It is derived from storage, never stored itself.
type HedgePosition struct {
	GroupID string
	Long    Position
	Short   Position
}

// CurrentRatio returns longValue/shortValue for the pair. Returns 0 when the
// short leg has no value.
func (h HedgePosition) CurrentRatio() float64 {
	sv := h.Short.Value()
	if sv == 0 {
		return 0
	}
	return h.Long.Value() / sv
}

// TargetRatio returns the ratio the pair was opened with. The ratio is
// recorded identically on both legs; the long leg is authoritative.
func (h HedgePosition) TargetRatio() float64 {
	return h.Long.HedgeRatio
}

// IsOpen reports whether both legs are still open.
func (h HedgePosition) IsOpen() bool {
	return h.Long.IsOpen() && h.Short.IsOpen()
}

// PairLegs assembles a HedgePosition from the legs stored under one hedge
// group. It returns false unless there are exactly two legs, one per side.
func PairLegs(groupID string, legs []Position) (HedgePosition, bool) {
	if len(legs) != 2 {
		return HedgePosition{}, false
	}
	hp := HedgePosition{GroupID: groupID}
	for _, leg := range legs {
		switch leg.Side {
		case PositionSideLong:
			hp.Long = leg
		case PositionSideShort:
			hp.Short = leg
		}
	}
	if hp.Long.ID == "" || hp.Short.ID == "" {
		return HedgePosition{}, false
	}
	return hp, true
}

// PositionStats summarises a user's historical and open positions.
type PositionStats struct {
	OpenCount     int
	ClosedCount   int
	TotalRealized float64
	TotalFees     float64
	WinCount      int
	LossCount     int
}

// CloseReport is the outcome of a batch close (emergency close-all or a
// stop-loss sweep). Individual failures are collected, never re-raised.
type CloseReport struct {
	ClosedCount int
	TotalPnL    float64
	Errors      []error
}
