package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ domain.OrderStore = (*OrderStore)(nil)

const orderSelectCols = `id, user_id, order_type, side, instrument, pool_ref,
	amount, price, reference_price, max_slippage, status, signature, strategy,
	created_at, filled_at`

func scanOrderRow(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var orderType, side, status string

	err := row.Scan(
		&o.ID, &o.UserID, &orderType, &side, &o.Instrument, &o.PoolRef,
		&o.Amount, &o.Price, &o.ReferencePrice, &o.MaxSlippage,
		&status, &o.Signature, &o.Strategy,
		&o.CreatedAt, &o.FilledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Type = domain.OrderType(orderType)
	o.Side = domain.PositionSide(side)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// Create inserts a new order record, typically in pending status.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, user_id, order_type, side, instrument, pool_ref,
			amount, price, reference_price, max_slippage,
			status, signature, strategy, created_at, filled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.UserID, string(o.Type), string(o.Side), o.Instrument, o.PoolRef,
		o.Amount, o.Price, o.ReferencePrice, o.MaxSlippage,
		string(o.Status), o.Signature, o.Strategy, o.CreatedAt, o.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// MarkFilled transitions a pending order to filled with its execution details.
func (s *OrderStore) MarkFilled(ctx context.Context, id, signature string, executedPrice, fee float64) error {
	const query = `
		UPDATE orders SET
			status         = 'filled',
			signature      = $2,
			executed_price = $3,
			fee            = $4,
			filled_at      = NOW(),
			updated_at     = NOW()
		WHERE id = $1 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, query, id, signature, executedPrice, fee)
	if err != nil {
		return fmt.Errorf("postgres: mark order %s filled: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed transitions a pending order to failed, recording the reason.
func (s *OrderStore) MarkFailed(ctx context.Context, id string, reason string) error {
	const query = `
		UPDATE orders SET
			status      = 'failed',
			fail_reason = $2,
			updated_at  = NOW()
		WHERE id = $1 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: mark order %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single order by its ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrderRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByUser returns orders for the given user with pagination and optional
// time filtering.
func (s *OrderStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return orders, nil
}
