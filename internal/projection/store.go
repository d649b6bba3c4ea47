package projection

import (
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore applies projection updates through a pgx pool.
type PgStore struct {
	pool    *pgxpool.Pool
	metrics *observability.Metrics
}

func NewPgStore(pool *pgxpool.Pool, metrics *observability.Metrics) *PgStore {
	return &PgStore{pool: pool, metrics: metrics}
}

// Watermark returns the last applied sequence, -1 if none.
func (s *PgStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection = 'venue'`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return seq, nil
}

// Apply folds one output into the read model in a single transaction.
func (s *PgStore) Apply(ctx context.Context, out ProjectionOutput) (err error) {
	stmts, err := statements(out)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, st := range stmts {
		start := time.Now()
		if _, err = tx.Exec(ctx, st.sql, st.args...); err != nil {
			if s.metrics != nil {
				s.metrics.ProjectionErrors.WithLabelValues(st.name).Inc()
			}
			return fmt.Errorf("%s projection at seq %d: %w", st.name, out.Sequence, err)
		}
		if s.metrics != nil {
			s.metrics.ProjectionUpdateDur.WithLabelValues(st.name).Observe(time.Since(start).Seconds())
		}
	}

	return tx.Commit(ctx)
}

// Reset empties every projection table ahead of a rebuild.
func (s *PgStore) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE projections.providers, projections.positions, projections.balances;
		UPDATE projections.pool_state SET
			total_liquidity_usd = 0, total_shares = 0,
			long_oi_usd = 0, long_oi_tokens = 0,
			short_oi_usd = 0, short_oi_tokens = 0,
			last_sequence = -1, updated_at = NOW()
		WHERE id = 1;
		DELETE FROM projections.watermark WHERE projection = 'venue';
	`)
	return err
}

// LoadOutputs reads up to limit logged events from fromSequence with their
// journal entries.
func (s *PgStore) LoadOutputs(ctx context.Context, fromSequence int64, limit int) ([]ProjectionOutput, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, event_type, payload, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}

	var outs []ProjectionOutput
	bySeq := make(map[int64]int)
	for rows.Next() {
		var (
			env     event.Envelope
			evtType string
		)
		if err := rows.Scan(&env.Sequence, &evtType, &env.Payload, &env.Timestamp); err != nil {
			rows.Close()
			return nil, err
		}
		env.EventType = event.ParseEventType(evtType)
		out, err := FromEnvelope(&env)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}
		bySeq[out.Sequence] = len(outs)
		outs = append(outs, out)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(outs) == 0 {
		return nil, nil
	}

	jrows, err := s.pool.Query(ctx, `
		SELECT sequence, debit_account, credit_account, asset_id, amount
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence, journal_id
	`, outs[0].Sequence, outs[len(outs)-1].Sequence)
	if err != nil {
		return nil, err
	}
	defer jrows.Close()

	for jrows.Next() {
		var (
			seq     int64
			j       JournalEntry
			assetID int32
		)
		if err := jrows.Scan(&seq, &j.DebitAccount, &j.CreditAccount, &assetID, &j.Amount); err != nil {
			return nil, err
		}
		j.AssetID = uint16(assetID)
		if i, ok := bySeq[seq]; ok {
			outs[i].JournalEntries = append(outs[i].JournalEntries, j)
		}
	}
	return outs, jrows.Err()
}
