package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `id, user_id, side, pool_ref, instrument,
	amount, entry_price, current_price, unrealized_pnl, realized_pnl, fees,
	hedge_group_id, hedge_ratio, status, opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string

	err := row.Scan(
		&p.ID, &p.UserID, &side, &p.PoolRef, &p.Instrument,
		&p.Amount, &p.EntryPrice, &p.CurrentPrice,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.Fees,
		&p.HedgeGroupID, &p.HedgeRatio,
		&status, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, user_id, side, pool_ref, instrument,
			amount, entry_price, current_price, unrealized_pnl, realized_pnl, fees,
			hedge_group_id, hedge_ratio, status, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, string(p.Side), p.PoolRef, p.Instrument,
		p.Amount, p.EntryPrice, p.CurrentPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.Fees,
		p.HedgeGroupID, p.HedgeRatio,
		string(p.Status), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			side           = $2,
			pool_ref       = $3,
			instrument     = $4,
			amount         = $5,
			entry_price    = $6,
			current_price  = $7,
			unrealized_pnl = $8,
			realized_pnl   = $9,
			fees           = $10,
			hedge_group_id = $11,
			hedge_ratio    = $12,
			status         = $13,
			closed_at      = $14,
			updated_at     = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Side), p.PoolRef, p.Instrument,
		p.Amount, p.EntryPrice, p.CurrentPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.Fees,
		p.HedgeGroupID, p.HedgeRatio,
		string(p.Status), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks a position as closed, recording the exit price and realized
// PnL. The status guard makes the transition idempotent-safe: closing an
// already closed position reports ErrNotFound.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice, realizedPnL float64) error {
	const query = `
		UPDATE positions SET
			status        = 'closed',
			current_price = $2,
			realized_pnl  = $3,
			closed_at     = NOW(),
			updated_at    = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, exitPrice, realizedPnL)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns all open positions for the given user.
func (s *PositionStore) GetOpen(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND status = 'open'
		 ORDER BY opened_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// GetByHedgeGroup returns all positions (any status) sharing a hedge group.
func (s *PositionStore) GetByHedgeGroup(ctx context.Context, groupID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE hedge_group_id = $1
		 ORDER BY side ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get hedge group %s: %w", groupID, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan hedge group %s: %w", groupID, err)
	}
	return positions, nil
}

// ListHistory returns positions for the given user with pagination and
// optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns positions closed at or before the given time.
// The status predicate keeps open positions out of the result even when they
// were opened long before the cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, userID string, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND status = 'closed' AND closed_at <= $2
		 ORDER BY closed_at ASC`, userID, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// RealizedPnLSince sums realized PnL over positions closed at or after since.
func (s *PositionStore) RealizedPnLSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE user_id = $1 AND status = 'closed' AND closed_at >= $2`

	var total float64
	if err := s.pool.QueryRow(ctx, query, userID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("postgres: realized pnl since %s: %w", since.Format(time.RFC3339), err)
	}
	return total, nil
}
