package core

import (
	"PerpVault/internal/ledger"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"errors"
)

var (
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrVenueHalted        = errors.New("venue halted")
	ErrFundingUnsupported = errors.New("custody does not support wallet funding")
	ErrStateHashMismatch  = errors.New("state hash mismatch")
)

var rejectReasons = []struct {
	target error
	reason string
}{
	{ErrDuplicateRequest, "duplicate"},
	{ErrVenueHalted, "halted"},
	{oracle.ErrStalePrice, "stale_price"},
	{oracle.ErrUnknownAsset, "unknown_asset"},
	{state.ErrZeroAmount, "zero_amount"},
	{state.ErrInsufficientLiquidity, "insufficient_liquidity"},
	{state.ErrSizeTooSmall, "size_too_small"},
	{state.ErrInsufficientCollateral, "insufficient_collateral"},
	{state.ErrCollateralExceedsSize, "collateral_exceeds_size"},
	{state.ErrLeverageTooHigh, "leverage_too_high"},
	{state.ErrInsufficientShares, "insufficient_shares"},
	{state.ErrInsolventPool, "insolvent_pool"},
	{state.ErrInvalidPrice, "invalid_price"},
	{state.ErrInvalidDirection, "invalid_direction"},
	{state.ErrPositionNotFound, "position_not_found"},
	{state.ErrPositionNotOpen, "position_not_open"},
	{ledger.ErrInsufficientFunds, "insufficient_funds"},
	{ErrFundingUnsupported, "unsupported"},
}

// reasonOf maps an operation error to a low-cardinality metric label.
func reasonOf(err error) string {
	for _, r := range rejectReasons {
		if errors.Is(err, r.target) {
			return r.reason
		}
	}
	return "internal"
}
