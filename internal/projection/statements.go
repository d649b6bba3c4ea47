package projection

import (
	"PerpVault/internal/event"
	"fmt"
)

// stmt is one parameterized statement of a projection update.
type stmt struct {
	name string // projection label for metrics
	sql  string
	args []any
}

// statements renders the SQL that folds out into the read model. Every
// update also advances pool_state.last_sequence and the watermark, all in
// one transaction.
func statements(out ProjectionOutput) ([]stmt, error) {
	var stmts []stmt

	switch e := out.Event.(type) {
	case *event.LiquidityDeposited:
		stmts = append(stmts,
			stmt{"providers", `
				INSERT INTO projections.providers (provider, shares, deposited, withdrawn, last_sequence, updated_at)
				VALUES ($1, $2::NUMERIC, $3, 0, $4, $5)
				ON CONFLICT (provider) DO UPDATE SET
					shares = projections.providers.shares + EXCLUDED.shares,
					deposited = projections.providers.deposited + EXCLUDED.deposited,
					last_sequence = EXCLUDED.last_sequence,
					updated_at = EXCLUDED.updated_at`,
				[]any{e.Provider, e.SharesMinted, e.Amount, out.Sequence, out.Timestamp}},
			stmt{"pool_state", `
				UPDATE projections.pool_state SET
					total_liquidity_usd = total_liquidity_usd + $1,
					total_shares = $2::NUMERIC
				WHERE id = 1`,
				[]any{e.AmountUsd, e.TotalShares}},
		)

	case *event.LiquidityWithdrawn:
		stmts = append(stmts,
			stmt{"providers", `
				UPDATE projections.providers SET
					shares = shares - $2::NUMERIC,
					withdrawn = withdrawn + $3,
					last_sequence = $4,
					updated_at = $5
				WHERE provider = $1`,
				[]any{e.Provider, e.SharesBurned, e.Amount, out.Sequence, out.Timestamp}},
			stmt{"pool_state", `
				UPDATE projections.pool_state SET
					total_liquidity_usd = total_liquidity_usd - $1,
					total_shares = $2::NUMERIC
				WHERE id = 1`,
				[]any{e.AmountUsd, e.TotalShares}},
		)

	case *event.PositionOpened:
		stmts = append(stmts, stmt{"positions", `
			INSERT INTO projections.positions
				(trader, idx, direction, status, size_usd, collateral, size_in_tokens, opened_at, last_sequence)
			VALUES ($1, $2, $3, 'open', $4, $5, $6, $7, $8)
			ON CONFLICT (trader, idx) DO NOTHING`,
			[]any{e.Trader, e.Index, e.Direction.String(), e.Size, e.Collateral, e.SizeInTokens, e.Timestamp, out.Sequence}})

	case *event.PositionIncreased:
		stmts = append(stmts, stmt{"positions", `
			UPDATE projections.positions SET
				size_usd = $3,
				collateral = $4,
				size_in_tokens = $5,
				last_sequence = $6
			WHERE trader = $1 AND idx = $2`,
			[]any{e.Trader, e.Index, e.Size, e.Collateral, e.SizeInTokens, out.Sequence}})

	case *event.PositionClosed:
		stmts = append(stmts,
			stmt{"positions", `
				UPDATE projections.positions SET
					status = 'closed',
					realized_pnl = $3,
					payout = $4,
					closed_at = $5,
					last_sequence = $6
				WHERE trader = $1 AND idx = $2`,
				[]any{e.Trader, e.Index, e.RealizedPnL, e.Payout, e.Timestamp, out.Sequence}},
			stmt{"pool_state", `
				UPDATE projections.pool_state SET
					total_liquidity_usd = total_liquidity_usd + $1
				WHERE id = 1`,
				[]any{e.LiquidityDelta}},
		)

	case *event.OpenInterestUpdated:
		stmts = append(stmts, stmt{"pool_state", `
			UPDATE projections.pool_state SET
				long_oi_usd = $1,
				long_oi_tokens = $2,
				short_oi_usd = $3,
				short_oi_tokens = $4
			WHERE id = 1`,
			[]any{e.LongUsd, e.LongTokens, e.ShortUsd, e.ShortTokens}})

	case *event.WalletFunded:
		// Balances come from the journal entries below.

	default:
		return nil, fmt.Errorf("no projection for %s", out.EventType)
	}

	for _, j := range out.JournalEntries {
		stmts = append(stmts,
			stmt{"balances", `
				INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (account_path, asset_id)
				DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4`,
				[]any{j.DebitAccount, int32(j.AssetID), j.Amount, out.Sequence}},
			stmt{"balances", `
				INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
				VALUES ($1, $2, -$3::BIGINT, $4)
				ON CONFLICT (account_path, asset_id)
				DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4`,
				[]any{j.CreditAccount, int32(j.AssetID), j.Amount, out.Sequence}},
		)
	}

	stmts = append(stmts,
		stmt{"pool_state", `
			UPDATE projections.pool_state SET last_sequence = $1, updated_at = $2 WHERE id = 1`,
			[]any{out.Sequence, out.Timestamp}},
		stmt{"watermark", `
			INSERT INTO projections.watermark (projection, last_sequence, updated_at)
			VALUES ('venue', $1, NOW())
			ON CONFLICT (projection) DO UPDATE SET last_sequence = $1, updated_at = NOW()`,
			[]any{out.Sequence}},
	)
	return stmts, nil
}
