package domain

// StrategyType names a strategy variant. The set is closed: configuration is
// a tagged variant rather than a free-form blob, so unknown types are
// rejected at load time instead of failing mid-cycle.
type StrategyType string

const (
	StrategyDeltaNeutral   StrategyType = "delta_neutral"
	StrategyRebalanceDrift StrategyType = "rebalance_drift"
)

// StrategyParams are the tunables shared by strategy variants. Fields not
// relevant to a variant are ignored by it.
type StrategyParams struct {
	Instrument         string
	Amount             float64
	HedgeRatio         float64
	BreakoutThreshold  float64
	RebalanceThreshold float64
	StopLossPct        float64
	TakeProfitPct      float64
}

// StrategyConfig is a closed tagged variant selecting a strategy and its
// parameters.
type StrategyConfig struct {
	Type       StrategyType
	Enabled    bool
	Parameters StrategyParams
}

// Valid reports whether the strategy type is a known variant.
func (c StrategyConfig) Valid() bool {
	switch c.Type {
	case StrategyDeltaNeutral, StrategyRebalanceDrift:
		return true
	}
	return false
}
