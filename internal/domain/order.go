package domain

import "time"

// OrderType selects the execution path for an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// OrderStatus tracks the order lifecycle. Filled and failed are terminal.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusFilled  OrderStatus = "filled"
	OrderStatusFailed  OrderStatus = "failed"
)

// Order is a single-leg instruction against the venue. The record is created
// pending before the first execution attempt and updated to a terminal status
// afterwards.
type Order struct {
	ID         string
	UserID     string
	Type       OrderType
	Side       PositionSide
	Instrument string
	PoolRef    string
	Amount     float64

	// Price is the trigger price for limit and conditional orders; nil for
	// pure market orders.
	Price *float64

	// ReferencePrice, when non-zero, is the price the order was quoted at.
	// Execution fails closed if the live price has slipped past MaxSlippage
	// relative to it.
	ReferencePrice float64
	MaxSlippage    float64

	Status    OrderStatus
	Signature string
	Strategy  string
	CreatedAt time.Time
	FilledAt  *time.Time
}

// ExecutionResult reports the outcome of a single order execution.
type ExecutionResult struct {
	Success        bool
	OrderID        string
	Signature      string
	ExecutedPrice  float64
	ExecutedAmount float64
	Fee            float64
	RetryAttempts  int
}

// HedgeExecutionResult reports the outcome of a paired long/short execution.
// SuccessfulOrders holds venue signatures of filled legs; FailedOrders names
// the legs that did not fill. Success is true only when both legs filled.
type HedgeExecutionResult struct {
	Success          bool
	SuccessfulOrders []string
	FailedOrders     []string
	TotalFees        float64
}
