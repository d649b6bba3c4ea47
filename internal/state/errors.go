package state

import (
	"errors"
	"fmt"
)

var (
	ErrZeroAmount             = errors.New("zero amount")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrSizeTooSmall           = errors.New("size too small")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrCollateralExceedsSize  = errors.New("collateral exceeds size")
	ErrLeverageTooHigh        = errors.New("leverage too high")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrInsolventPool          = errors.New("insolvent pool")
	ErrInvalidPrice           = errors.New("invalid price")
	ErrInvalidDirection       = errors.New("invalid direction")
	ErrPositionNotFound       = errors.New("position not found")
	ErrPositionNotOpen        = errors.New("position not open")
	ErrInvariant              = errors.New("invariant violated")
	ErrInvalidAccount         = errors.New("invalid account")
)

// InsufficientLiquidityError reports the available liquidity at rejection time.
type InsufficientLiquidityError struct {
	Requested int64
	Available int64
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity: requested=%d available=%d", e.Requested, e.Available)
}

func (e *InsufficientLiquidityError) Unwrap() error { return ErrInsufficientLiquidity }

type SizeTooSmallError struct {
	Given   int64
	Minimum int64
}

func (e *SizeTooSmallError) Error() string {
	return fmt.Sprintf("size too small: given=%d minimum=%d", e.Given, e.Minimum)
}

func (e *SizeTooSmallError) Unwrap() error { return ErrSizeTooSmall }

type InsufficientCollateralError struct {
	Given   int64
	Minimum int64
}

func (e *InsufficientCollateralError) Error() string {
	return fmt.Sprintf("insufficient collateral: given=%d minimum=%d", e.Given, e.Minimum)
}

func (e *InsufficientCollateralError) Unwrap() error { return ErrInsufficientCollateral }

// CollateralExceedsSizeError compares the collateral's USD value against the size.
type CollateralExceedsSizeError struct {
	CollateralUsd int64
	Size          int64
}

func (e *CollateralExceedsSizeError) Error() string {
	return fmt.Sprintf("collateral exceeds size: collateral_usd=%d size=%d", e.CollateralUsd, e.Size)
}

func (e *CollateralExceedsSizeError) Unwrap() error { return ErrCollateralExceedsSize }

// LeverageTooHighError values are at leverage scale (10x == 100_000).
type LeverageTooHighError struct {
	Computed int64
	Maximum  int64
}

func (e *LeverageTooHighError) Error() string {
	return fmt.Sprintf("leverage too high: computed=%d maximum=%d", e.Computed, e.Maximum)
}

func (e *LeverageTooHighError) Unwrap() error { return ErrLeverageTooHigh }

// InsolventPoolError means owed trader PnL leaves the pool no net value.
// Never a normal rejection: the venue halts when it sees one.
type InsolventPoolError struct {
	LiquidityUsd int64
	TotalPnL     int64
}

func (e *InsolventPoolError) Error() string {
	return fmt.Sprintf("insolvent pool: total_pnl=%d against liquidity=%d", e.TotalPnL, e.LiquidityUsd)
}

func (e *InsolventPoolError) Unwrap() error { return ErrInsolventPool }

type InsufficientSharesError struct {
	Required string
	Balance  string
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares: required=%s balance=%s", e.Required, e.Balance)
}

func (e *InsufficientSharesError) Unwrap() error { return ErrInsufficientShares }
