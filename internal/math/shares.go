package math

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrNonPositiveAmount = errors.New("math: amount must be positive")
	ErrZeroNetValue      = errors.New("math: cannot price shares against zero net value")
	ErrNoShares          = errors.New("math: no shares outstanding")
	ErrDustAmount        = errors.New("math: amount mints no shares")
)

// shareOffset is 10^ShareOffsetDecimals.
var shareOffset = uint256.NewInt(uint64(Pow10(ShareOffsetDecimals)))

// SharesToMint prices a deposit of amountUsd against the pool's net value
// before the deposit. An empty pool mints 1:1 at the share offset.
// Rounds down.
func SharesToMint(amountUsd int64, totalShares *uint256.Int, netValueUsd int64) (*uint256.Int, error) {
	if amountUsd <= 0 {
		return nil, ErrNonPositiveAmount
	}
	amount := uint256.NewInt(uint64(amountUsd))

	if totalShares == nil || totalShares.IsZero() {
		return new(uint256.Int).Mul(amount, shareOffset), nil
	}
	if netValueUsd <= 0 {
		return nil, ErrZeroNetValue
	}

	minted, overflow := new(uint256.Int).MulDivOverflow(amount, totalShares, uint256.NewInt(uint64(netValueUsd)))
	if overflow {
		return nil, ErrOverflow
	}
	if minted.IsZero() {
		return nil, ErrDustAmount
	}
	return minted, nil
}

// SharesToBurn prices a withdrawal of amountUsd against the pool's net value
// before the withdrawal. Rounds down, with a floor of one share. Against a
// round-down mint at unchanged PnL this burns exactly the shares a deposit of
// the same amount minted.
func SharesToBurn(amountUsd int64, totalShares *uint256.Int, netValueUsd int64) (*uint256.Int, error) {
	if amountUsd <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if totalShares == nil || totalShares.IsZero() {
		return nil, ErrNoShares
	}
	if netValueUsd <= 0 {
		return nil, ErrZeroNetValue
	}

	amount := uint256.NewInt(uint64(amountUsd))
	nav := uint256.NewInt(uint64(netValueUsd))

	burned, overflow := new(uint256.Int).MulDivOverflow(amount, totalShares, nav)
	if overflow {
		return nil, ErrOverflow
	}
	if burned.IsZero() {
		burned.SetOne()
	}
	return burned, nil
}
