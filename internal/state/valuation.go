package state

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"fmt"
)

// PositionPnL is the unrealized PnL of sizeInTokens opened at sizeUsd,
// valued at indexPrice. Positive means the trader is owed.
func PositionPnL(d event.Direction, sizeUsd, sizeInTokens, indexPrice int64, indexDecimals int) (int64, error) {
	value, err := fpmath.ComputeTokenValueUsd(sizeInTokens, indexPrice, indexDecimals)
	if err != nil {
		return 0, fmt.Errorf("value position: %w", err)
	}

	switch d {
	case event.DirectionLong:
		return value - sizeUsd, nil
	case event.DirectionShort:
		return sizeUsd - value, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidDirection, d)
	}
}

// TotalPnL is computed on the aggregates, not by summing positions.
func TotalPnL(oi *OpenInterestLedger, indexPrice int64, indexDecimals int) (int64, error) {
	longPnL, err := PositionPnL(event.DirectionLong, oi.Long.UsdTotal, oi.Long.TokenTotal, indexPrice, indexDecimals)
	if err != nil {
		return 0, err
	}
	shortPnL, err := PositionPnL(event.DirectionShort, oi.Short.UsdTotal, oi.Short.TokenTotal, indexPrice, indexDecimals)
	if err != nil {
		return 0, err
	}
	return longPnL + shortPnL, nil
}

// NetValue is liquidity minus what the pool owes traders. Trader losses are
// not counted as pool gains, so the result never exceeds liquidity.
func NetValue(totalLiquidityUsd, totalPnL int64) (int64, error) {
	if totalPnL > totalLiquidityUsd {
		return 0, &InsolventPoolError{LiquidityUsd: totalLiquidityUsd, TotalPnL: totalPnL}
	}
	return totalLiquidityUsd - max(totalPnL, 0), nil
}

// ReserveHeadroom is the unfloored reserve: exposure cap minus owed PnL minus
// the reserve held against open interest. Negative means the reserve
// invariant is broken.
func ReserveHeadroom(pool *LiquidityPool, oi *OpenInterestLedger, snap oracle.PriceSnapshot, m Market) (int64, error) {
	maxAvailable, err := fpmath.ApplyPercent(pool.TotalLiquidityUsd, m.Params.MaxExposurePercent)
	if err != nil {
		return 0, fmt.Errorf("exposure cap: %w", err)
	}

	pnl, err := TotalPnL(oi, snap.Index.Value, m.Index.Decimals)
	if err != nil {
		return 0, err
	}
	maxAvailable -= max(pnl, 0)

	// Short tokens are marked at the collateral price, long tokens at the
	// index price.
	used, err := fpmath.ComputeReserveUsd(
		oi.Short.TokenTotal, snap.Collateral.Value,
		oi.Long.TokenTotal, snap.Index.Value,
		m.Index.Decimals)
	if err != nil {
		return 0, fmt.Errorf("reserve in use: %w", err)
	}

	return maxAvailable - used, nil
}

// AvailableLiquidity is ReserveHeadroom floored at zero.
func AvailableLiquidity(pool *LiquidityPool, oi *OpenInterestLedger, snap oracle.PriceSnapshot, m Market) (int64, error) {
	h, err := ReserveHeadroom(pool, oi, snap, m)
	if err != nil {
		return 0, err
	}
	return max(h, 0), nil
}

// CheckReserveBefore rejects a request larger than available liquidity.
// Zero available always rejects.
func CheckReserveBefore(requested, available int64) error {
	if available == 0 || requested > available {
		return &InsufficientLiquidityError{Requested: requested, Available: available}
	}
	return nil
}

// CheckReserveAfter runs on post-mutation state. The pre-check alone does
// not cover rounding in the token conversion.
func CheckReserveAfter(headroom int64) error {
	if headroom < 0 {
		return &InsufficientLiquidityError{Requested: -headroom, Available: 0}
	}
	return nil
}
