package core

import (
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PoolState is a consistent read of the pool at one price snapshot.
type PoolState struct {
	TotalLiquidityUsd  int64
	TotalShares        *uint256.Int
	AvailableLiquidity int64
	NetValue           int64
	TotalPnL           int64
	OpenInterest       state.OpenInterestLedger
	Sequence           int64
	Halted             bool
	Prices             oracle.PriceSnapshot
}

// AvailableLiquidity is the USD amount that may still be committed to new
// exposure or withdrawn.
func (v *Venue) AvailableLiquidity(ctx context.Context) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap, err := v.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return state.AvailableLiquidity(v.pool, &v.oi, snap, v.market)
}

// NetValue is the pool's value to liquidity providers. An insolvent pool
// halts the venue.
func (v *Venue) NetValue(ctx context.Context) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap, err := v.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	pnl, err := state.TotalPnL(&v.oi, snap.Index.Value, v.market.Index.Decimals)
	if err != nil {
		return 0, err
	}
	nv, err := state.NetValue(v.pool.TotalLiquidityUsd, pnl)
	if errors.Is(err, state.ErrInsolventPool) {
		v.haltInsolvent(err)
	}
	return nv, err
}

// TotalPnL is the signed unrealized PnL owed to all traders.
func (v *Venue) TotalPnL(ctx context.Context) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap, err := v.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return state.TotalPnL(&v.oi, snap.Index.Value, v.market.Index.Decimals)
}

// GetPosition returns a copy of the position. No price is needed.
func (v *Venue) GetPosition(trader uuid.UUID, index int) (*state.Position, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	pos, err := v.book.Get(trader, index)
	if err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

// UnrealizedPnL values an open position at the current index price.
func (v *Venue) UnrealizedPnL(ctx context.Context, trader uuid.UUID, index int) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	pos, err := v.openPosition(trader, index)
	if err != nil {
		return 0, err
	}
	snap, err := v.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return state.PositionPnL(pos.Direction, pos.Size, pos.SizeInTokens, snap.Index.Value, v.market.Index.Decimals)
}

// PositionsOf returns copies of every position the trader has opened.
func (v *Venue) PositionsOf(trader uuid.UUID) []*state.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.Of(trader)
}

func (v *Venue) ShareBalance(provider uuid.UUID) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.pool.SharesOf(provider)
}

// WalletBalance reads the custody wallet when custody exposes balances.
func (v *Venue) WalletBalance(account uuid.UUID) (int64, bool) {
	cs, ok := v.custody.(custodyState)
	if !ok {
		return 0, false
	}
	return cs.WalletBalance(account), true
}

// PoolState reads every pool aggregate against one price snapshot. An
// insolvent pool reports zero net value and halts the venue.
func (v *Venue) PoolState(ctx context.Context) (*PoolState, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap, err := v.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	avail, err := state.AvailableLiquidity(v.pool, &v.oi, snap, v.market)
	if err != nil {
		return nil, err
	}
	pnl, err := state.TotalPnL(&v.oi, snap.Index.Value, v.market.Index.Decimals)
	if err != nil {
		return nil, err
	}
	nv, err := state.NetValue(v.pool.TotalLiquidityUsd, pnl)
	if err != nil {
		v.haltInsolvent(err)
	}

	return &PoolState{
		TotalLiquidityUsd:  v.pool.TotalLiquidityUsd,
		TotalShares:        v.pool.TotalShares(),
		AvailableLiquidity: avail,
		NetValue:           nv,
		TotalPnL:           pnl,
		OpenInterest:       v.oi,
		Sequence:           v.sequence,
		Halted:             v.halted.Load(),
		Prices:             snap,
	}, nil
}

// GetSequence returns the next sequence to assign.
func (v *Venue) GetSequence() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (v *Venue) GetStateHash() [32]byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.hasher.GetPrevHash()
}

func (v *Venue) snapshot(ctx context.Context) (oracle.PriceSnapshot, error) {
	return v.prices.Snapshot(ctx, v.market.Collateral.PriceSource, v.market.Index.PriceSource)
}
