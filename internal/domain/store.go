package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. The persistence layer is the single
// source of truth for position state and must guarantee atomic single-row
// updates.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	Close(ctx context.Context, id string, exitPrice, realizedPnL float64) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpen(ctx context.Context, userID string) ([]Position, error)
	GetByHedgeGroup(ctx context.Context, groupID string) ([]Position, error)
	ListHistory(ctx context.Context, userID string, opts ListOpts) ([]Position, error)

	// ListClosedBefore returns positions closed at or before the given time.
	// Open positions are never included, regardless of when they were opened.
	ListClosedBefore(ctx context.Context, userID string, before time.Time) ([]Position, error)

	// RealizedPnLSince sums realized PnL over positions closed at or after
	// the given time. Used for the trailing daily-loss risk check.
	RealizedPnLSince(ctx context.Context, userID string, since time.Time) (float64, error)
}

// OrderStore persists order records with terminal statuses.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	MarkFilled(ctx context.Context, id, signature string, executedPrice, fee float64) error
	MarkFailed(ctx context.Context, id string, reason string) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Order, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
