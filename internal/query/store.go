package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the read model has no row for the key.
var ErrNotFound = errors.New("not found")

// Store reads projection tables.
type Store interface {
	Watermark(ctx context.Context) (int64, error)
	PositionsByTrader(ctx context.Context, trader uuid.UUID) ([]PositionRow, error)
	Provider(ctx context.Context, provider uuid.UUID) (*ProviderRow, error)
	Balance(ctx context.Context, accountPath string, assetID uint16) (int64, error)
}

// PgStore is the projection reader over a pgx pool.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection = 'venue'`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (s *PgStore) PositionsByTrader(ctx context.Context, trader uuid.UUID) ([]PositionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, direction, status, size_usd, collateral, size_in_tokens,
		       realized_pnl, payout, opened_at, closed_at, last_sequence
		FROM projections.positions
		WHERE trader = $1
		ORDER BY idx
	`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(
			&p.Index, &p.Direction, &p.Status, &p.SizeUsd, &p.Collateral, &p.SizeInTokens,
			&p.RealizedPnL, &p.Payout, &p.OpenedAt, &p.ClosedAt, &p.LastSequence,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgStore) Provider(ctx context.Context, provider uuid.UUID) (*ProviderRow, error) {
	var p ProviderRow
	err := s.pool.QueryRow(ctx, `
		SELECT shares::TEXT, deposited, withdrawn, last_sequence
		FROM projections.providers
		WHERE provider = $1
	`, provider).Scan(&p.Shares, &p.Deposited, &p.Withdrawn, &p.LastSequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", provider, err)
	}
	return &p, nil
}

// Balance returns 0 for accounts the journal never touched.
func (s *PgStore) Balance(ctx context.Context, accountPath string, assetID uint16) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, accountPath, int32(assetID)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
