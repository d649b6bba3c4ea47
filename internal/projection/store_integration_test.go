package projection_test

import (
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/testutil"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, "../../migrations", observability.NewTestLogger(io.Discard))
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, testutil.TestPostgresDSN())
	if err != nil {
		t.Fatalf("pgx pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// ============================================================================
// Test: projection writes are readable through the query store
// ============================================================================

func TestPgStore_ApplyThenQuery(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	writer := projection.NewPgStore(pool, nil)
	reader := query.NewPgStore(pool)

	provider := uuid.New()
	trader := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	outs := []projection.ProjectionOutput{
		{
			Sequence:  0,
			EventType: event.EventTypeLiquidityDeposited,
			Event: &event.LiquidityDeposited{
				Provider:     provider,
				Amount:       1_000_000_000,
				AmountUsd:    1_000_000_000,
				SharesMinted: "1000000000000000000000",
				TotalShares:  "1000000000000000000000",
				Timestamp:    now,
			},
			JournalEntries: []projection.JournalEntry{{
				DebitAccount:  "venue:pool:USDC",
				CreditAccount: "user:" + provider.String() + ":wallet:USDC",
				AssetID:       1,
				Amount:        1_000_000_000,
			}},
			Timestamp: now,
		},
		{
			Sequence:  1,
			EventType: event.EventTypePositionOpened,
			Event: &event.PositionOpened{
				Trader:       trader,
				Index:        0,
				Direction:    event.DirectionLong,
				Size:         10_000_000_000,
				Collateral:   1_000_000_000,
				SizeInTokens: 50_000_000,
				Timestamp:    now,
			},
			Timestamp: now,
		},
	}
	for _, out := range outs {
		if err := writer.Apply(ctx, out); err != nil {
			t.Fatalf("apply seq %d: %v", out.Sequence, err)
		}
	}

	wm, err := reader.Watermark(ctx)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != 1 {
		t.Errorf("expected watermark 1, got %d", wm)
	}

	p, err := reader.Provider(ctx, provider)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if p.Shares != "1000000000000000000000" || p.Deposited != 1_000_000_000 {
		t.Errorf("unexpected provider row %+v", p)
	}

	positions, err := reader.PositionsByTrader(ctx, trader)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Status != "open" || positions[0].Direction != "long" {
		t.Fatalf("unexpected positions %+v", positions)
	}

	bal, err := reader.Balance(ctx, "venue:pool:USDC", 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 1_000_000_000 {
		t.Errorf("expected pool balance 1000000000, got %d", bal)
	}

	if _, err := reader.Provider(ctx, uuid.New()); err != query.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================================
// Test: Reset clears the read model
// ============================================================================

func TestPgStore_Reset(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	writer := projection.NewPgStore(pool, nil)
	provider := uuid.New()
	err := writer.Apply(ctx, projection.ProjectionOutput{
		Sequence:  0,
		EventType: event.EventTypeLiquidityDeposited,
		Event: &event.LiquidityDeposited{
			Provider:     provider,
			Amount:       5_000_000,
			AmountUsd:    5_000_000,
			SharesMinted: "5000000000000000000",
			TotalShares:  "5000000000000000000",
			Timestamp:    time.Now(),
		},
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := writer.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	wm, err := writer.Watermark(ctx)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != -1 {
		t.Errorf("expected watermark -1 after reset, got %d", wm)
	}
	if _, err := query.NewPgStore(pool).Provider(ctx, provider); err != query.ErrNotFound {
		t.Errorf("expected provider gone after reset, got %v", err)
	}
}
