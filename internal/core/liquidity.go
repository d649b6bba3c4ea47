package core

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Deposit adds collateral to the pool and mints shares against the net
// value before the deposit.
func (v *Venue) Deposit(ctx context.Context, req DepositRequest) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, oc, err := v.begin(ctx, OpDeposit, req.RequestID, true)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	amountUsd, err := v.bookAmount(req.Amount)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	if req.Provider == state.HouseAccount {
		return nil, v.reject(oc, fmt.Errorf("%w: provider %s", state.ErrInvalidAccount, req.Provider))
	}

	nv, err := v.netValueAt(oc)
	if err != nil {
		return nil, v.reject(oc, err)
	}
	shares, err := fpmath.SharesToMint(amountUsd, v.pool.TotalShares(), nv)
	switch {
	case errors.Is(err, fpmath.ErrZeroNetValue):
		// Owed PnL equals liquidity: outstanding shares are worth nothing.
		return nil, v.reject(oc, &state.InsolventPoolError{
			LiquidityUsd: v.pool.TotalLiquidityUsd,
			TotalPnL:     v.pool.TotalLiquidityUsd,
		})
	case errors.Is(err, fpmath.ErrDustAmount):
		return nil, v.reject(oc, fmt.Errorf("%w: amount %d mints no shares", state.ErrZeroAmount, req.Amount))
	case err != nil:
		return nil, v.reject(oc, fmt.Errorf("price shares: %w", err))
	}

	cp := v.checkpoint(uuid.Nil, nil)
	if err := v.custody.MoveIn(ctx, req.Provider, req.Amount); err != nil {
		return nil, v.reject(oc, fmt.Errorf("collateral transfer: %w", err))
	}
	cp.onUndo(func(ctx context.Context) error {
		return v.custody.MoveOut(ctx, req.Provider, req.Amount)
	})

	v.pool.Mint(req.Provider, shares, amountUsd)

	if err := v.postCheck(ctx, oc, cp); err != nil {
		return nil, v.reject(oc, err)
	}

	evt := &event.LiquidityDeposited{
		RequestID:    oc.requestID,
		Provider:     req.Provider,
		Amount:       req.Amount,
		AmountUsd:    amountUsd,
		SharesMinted: shares.Dec(),
		TotalShares:  v.pool.TotalShares().Dec(),
		Timestamp:    oc.at,
	}
	if err := v.commit(ctx, oc, cp, evt); err != nil {
		return nil, v.reject(oc, err)
	}

	v.logger.Info().
		Str("provider", req.Provider.String()).
		Int64("amount", req.Amount).
		Str("shares", shares.Dec()).
		Msg("liquidity deposited")

	return shares, nil
}

// Withdraw removes collateral from the pool, burning shares priced against
// the net value before the withdrawal. Rejected when the amount exceeds
// available liquidity.
func (v *Venue) Withdraw(ctx context.Context, req WithdrawRequest) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, oc, err := v.begin(ctx, OpWithdraw, req.RequestID, true)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	amountUsd, err := v.bookAmount(req.Amount)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	if req.Provider == state.HouseAccount {
		return nil, v.reject(oc, fmt.Errorf("%w: provider %s", state.ErrInvalidAccount, req.Provider))
	}

	// Reserve pre-check. The post-check below runs as well.
	if err := state.CheckReserveBefore(amountUsd, oc.available()); err != nil {
		return nil, v.reject(oc, err)
	}

	nv, err := v.netValueAt(oc)
	if err != nil {
		return nil, v.reject(oc, err)
	}
	burn, err := fpmath.SharesToBurn(amountUsd, v.pool.TotalShares(), nv)
	switch {
	case errors.Is(err, fpmath.ErrNoShares):
		return nil, v.reject(oc, &state.InsufficientSharesError{Required: "1", Balance: "0"})
	case errors.Is(err, fpmath.ErrZeroNetValue):
		return nil, v.reject(oc, &state.InsolventPoolError{
			LiquidityUsd: v.pool.TotalLiquidityUsd,
			TotalPnL:     v.pool.TotalLiquidityUsd,
		})
	case err != nil:
		return nil, v.reject(oc, fmt.Errorf("price shares: %w", err))
	}

	cp := v.checkpoint(uuid.Nil, nil)
	if err := v.pool.Burn(req.Provider, burn, amountUsd); err != nil {
		return nil, v.reject(oc, err)
	}

	if err := v.custody.MoveOut(ctx, req.Provider, req.Amount); err != nil {
		v.rollback(ctx, oc, cp)
		return nil, v.reject(oc, fmt.Errorf("collateral transfer: %w", err))
	}
	cp.onUndo(func(ctx context.Context) error {
		return v.custody.MoveIn(ctx, req.Provider, req.Amount)
	})

	if err := v.postCheck(ctx, oc, cp); err != nil {
		return nil, v.reject(oc, err)
	}

	evt := &event.LiquidityWithdrawn{
		RequestID:    oc.requestID,
		Provider:     req.Provider,
		Amount:       req.Amount,
		AmountUsd:    amountUsd,
		SharesBurned: burn.Dec(),
		TotalShares:  v.pool.TotalShares().Dec(),
		Timestamp:    oc.at,
	}
	if err := v.commit(ctx, oc, cp, evt); err != nil {
		return nil, v.reject(oc, err)
	}

	v.logger.Info().
		Str("provider", req.Provider.String()).
		Int64("amount", req.Amount).
		Str("shares", burn.Dec()).
		Msg("liquidity withdrawn")

	return burn, nil
}

// FundWallet credits a custody wallet from outside the venue. Development
// and test deployments use it to seed traders and providers.
func (v *Venue) FundWallet(ctx context.Context, req FundWalletRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, oc, err := v.begin(ctx, OpFundWallet, req.RequestID, false)
	if err != nil {
		return v.reject(oc, err)
	}
	funder, ok := v.custody.(walletFunder)
	if !ok {
		return v.reject(oc, ErrFundingUnsupported)
	}
	if req.Amount <= 0 {
		return v.reject(oc, fmt.Errorf("%w: amount %d", state.ErrZeroAmount, req.Amount))
	}

	cp := v.checkpoint(uuid.Nil, nil)
	if err := funder.Fund(ctx, req.Account, req.Amount); err != nil {
		return v.reject(oc, err)
	}

	evt := &event.WalletFunded{
		RequestID: oc.requestID,
		Account:   req.Account,
		Amount:    req.Amount,
		Timestamp: oc.at,
	}
	if err := v.commit(ctx, oc, cp, evt); err != nil {
		return v.reject(oc, err)
	}
	return nil
}

// bookAmount validates a collateral amount and converts it to USD book value.
func (v *Venue) bookAmount(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount %d", state.ErrZeroAmount, amount)
	}
	usd, err := v.market.Collateral.ToUsdBook(amount)
	if err != nil {
		return 0, fmt.Errorf("convert amount: %w", err)
	}
	if usd == 0 {
		return 0, fmt.Errorf("%w: amount %d is below one USD unit", state.ErrZeroAmount, amount)
	}
	return usd, nil
}

func (v *Venue) netValueAt(oc *opContext) (int64, error) {
	pnl, err := state.TotalPnL(&v.oi, oc.snap.Index.Value, v.market.Index.Decimals)
	if err != nil {
		return 0, err
	}
	return state.NetValue(v.pool.TotalLiquidityUsd, pnl)
}
