package core

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// OpenPosition validates and opens a leveraged position. Preconditions run
// in a fixed order and the first failure is returned.
func (v *Venue) OpenPosition(ctx context.Context, req OpenPositionRequest) (*state.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, oc, err := v.begin(ctx, OpOpenPosition, req.RequestID, true)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	if req.Direction != event.DirectionLong && req.Direction != event.DirectionShort {
		return nil, v.reject(oc, fmt.Errorf("%w: %d", state.ErrInvalidDirection, req.Direction))
	}
	leverage, err := v.checkPosition(oc, req.Size, req.Collateral, req.Size)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	cp := v.checkpoint(req.Trader, nil)
	if err := v.custody.MoveIn(ctx, req.Trader, req.Collateral); err != nil {
		return nil, v.reject(oc, fmt.Errorf("collateral transfer: %w", err))
	}
	cp.onUndo(func(ctx context.Context) error {
		return v.custody.MoveOut(ctx, req.Trader, req.Collateral)
	})

	tokens, oiEvt, err := v.oi.RecordOpen(req.Direction, req.Size, oc.snap.Index.Value, v.market.Index.Decimals)
	if err != nil {
		v.rollback(ctx, oc, cp)
		return nil, v.reject(oc, err)
	}

	pos := &state.Position{
		Trader:       req.Trader,
		Direction:    req.Direction,
		Status:       state.StatusOpen,
		Size:         req.Size,
		Collateral:   req.Collateral,
		SizeInTokens: tokens,
		OpenedAt:     oc.at,
	}
	v.book.Append(pos)

	if err := v.postCheck(ctx, oc, cp); err != nil {
		return nil, v.reject(oc, err)
	}

	opened := &event.PositionOpened{
		RequestID:       oc.requestID,
		Trader:          pos.Trader,
		Index:           pos.Index,
		Direction:       pos.Direction,
		Size:            pos.Size,
		Collateral:      pos.Collateral,
		SizeInTokens:    pos.SizeInTokens,
		Leverage:        leverage,
		IndexPrice:      oc.snap.Index.Value,
		CollateralPrice: oc.snap.Collateral.Value,
		Timestamp:       oc.at,
	}
	oiEvt.RequestID = oc.requestID
	oiEvt.Timestamp = oc.at
	if err := v.commit(ctx, oc, cp, opened, &oiEvt); err != nil {
		return nil, v.reject(oc, err)
	}

	if v.metrics != nil {
		v.metrics.PositionsOpened.WithLabelValues(pos.Direction.String()).Inc()
	}
	v.logger.Info().
		Str("trader", pos.Trader.String()).
		Int("index", pos.Index).
		Str("direction", pos.Direction.String()).
		Int64("size", pos.Size).
		Int64("collateral", pos.Collateral).
		Int64("leverage", leverage).
		Msg("position opened")

	return pos.Clone(), nil
}

// OpenLong opens a long position and returns its index.
func (v *Venue) OpenLong(ctx context.Context, requestID, trader uuid.UUID, size, collateral int64) (int, error) {
	return v.openIndex(ctx, OpenPositionRequest{RequestID: requestID, Trader: trader, Direction: event.DirectionLong, Size: size, Collateral: collateral})
}

// OpenShort opens a short position and returns its index.
func (v *Venue) OpenShort(ctx context.Context, requestID, trader uuid.UUID, size, collateral int64) (int, error) {
	return v.openIndex(ctx, OpenPositionRequest{RequestID: requestID, Trader: trader, Direction: event.DirectionShort, Size: size, Collateral: collateral})
}

func (v *Venue) openIndex(ctx context.Context, req OpenPositionRequest) (int, error) {
	pos, err := v.OpenPosition(ctx, req)
	if err != nil {
		return 0, err
	}
	return pos.Index, nil
}

// IncreaseSize grows an open position by sizeDelta at the current price.
// The open preconditions are re-run on the resulting position, with the
// liquidity check applied to the delta.
func (v *Venue) IncreaseSize(ctx context.Context, req IncreaseSizeRequest) (*state.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, oc, err := v.begin(ctx, OpIncreaseSize, req.RequestID, true)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	pos, err := v.openPosition(req.Trader, req.Index)
	if err != nil {
		return nil, v.reject(oc, err)
	}
	if req.SizeDelta <= 0 {
		return nil, v.reject(oc, fmt.Errorf("%w: size delta %d", state.ErrZeroAmount, req.SizeDelta))
	}
	newSize := pos.Size + req.SizeDelta
	leverage, err := v.checkPosition(oc, newSize, pos.Collateral, req.SizeDelta)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	cp := v.checkpoint(uuid.Nil, pos)
	tokens, oiEvt, err := v.oi.RecordIncrease(pos.Direction, req.SizeDelta, oc.snap.Index.Value, v.market.Index.Decimals)
	if err != nil {
		return nil, v.reject(oc, err)
	}
	pos.Size = newSize
	pos.SizeInTokens += tokens

	if err := v.postCheck(ctx, oc, cp); err != nil {
		return nil, v.reject(oc, err)
	}

	increased := &event.PositionIncreased{
		RequestID:    oc.requestID,
		Trader:       pos.Trader,
		Index:        pos.Index,
		Direction:    pos.Direction,
		SizeDelta:    req.SizeDelta,
		TokensDelta:  tokens,
		Size:         pos.Size,
		SizeInTokens: pos.SizeInTokens,
		Collateral:   pos.Collateral,
		Leverage:     leverage,
		Timestamp:    oc.at,
	}
	oiEvt.RequestID = oc.requestID
	oiEvt.Timestamp = oc.at
	if err := v.commit(ctx, oc, cp, increased, &oiEvt); err != nil {
		return nil, v.reject(oc, err)
	}

	return pos.Clone(), nil
}

// IncreaseCollateral adds collateral to an open position. Open interest is
// unchanged.
func (v *Venue) IncreaseCollateral(ctx context.Context, req IncreaseCollateralRequest) (*state.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, oc, err := v.begin(ctx, OpIncreaseCollateral, req.RequestID, true)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	pos, err := v.openPosition(req.Trader, req.Index)
	if err != nil {
		return nil, v.reject(oc, err)
	}
	if req.CollateralDelta <= 0 {
		return nil, v.reject(oc, fmt.Errorf("%w: collateral delta %d", state.ErrZeroAmount, req.CollateralDelta))
	}
	newCollateral := pos.Collateral + req.CollateralDelta

	params := v.market.Params
	if newCollateral < params.MinPositionCollateral {
		return nil, v.reject(oc, &state.InsufficientCollateralError{Given: newCollateral, Minimum: params.MinPositionCollateral})
	}
	leverage, err := v.checkCollateral(oc, pos.Size, newCollateral)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	cp := v.checkpoint(uuid.Nil, pos)
	if err := v.custody.MoveIn(ctx, req.Trader, req.CollateralDelta); err != nil {
		return nil, v.reject(oc, fmt.Errorf("collateral transfer: %w", err))
	}
	cp.onUndo(func(ctx context.Context) error {
		return v.custody.MoveOut(ctx, req.Trader, req.CollateralDelta)
	})
	pos.Collateral = newCollateral

	increased := &event.PositionIncreased{
		RequestID:       oc.requestID,
		Trader:          pos.Trader,
		Index:           pos.Index,
		Direction:       pos.Direction,
		CollateralDelta: req.CollateralDelta,
		Size:            pos.Size,
		SizeInTokens:    pos.SizeInTokens,
		Collateral:      pos.Collateral,
		Leverage:        leverage,
		Timestamp:       oc.at,
	}
	if err := v.commit(ctx, oc, cp, increased); err != nil {
		return nil, v.reject(oc, err)
	}

	return pos.Clone(), nil
}

// ClosePosition settles an open position in full at the snapshot price.
// The trader receives collateral plus PnL, floored at zero and capped at
// what the pool can pay. Exits are never blocked by the reserve check.
func (v *Venue) ClosePosition(ctx context.Context, req ClosePositionRequest) (*event.PositionClosed, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, oc, err := v.begin(ctx, OpClosePosition, req.RequestID, true)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	pos, err := v.openPosition(req.Trader, req.Index)
	if err != nil {
		return nil, v.reject(oc, err)
	}
	if oc.snap.Index.Value <= 0 || oc.snap.Collateral.Value <= 0 {
		return nil, v.reject(oc, fmt.Errorf("%w: cannot settle at index=%d collateral=%d",
			state.ErrInvalidPrice, oc.snap.Index.Value, oc.snap.Collateral.Value))
	}

	pnl, err := state.PositionPnL(pos.Direction, pos.Size, pos.SizeInTokens, oc.snap.Index.Value, v.market.Index.Decimals)
	if err != nil {
		return nil, v.reject(oc, err)
	}
	payout, liquidityDelta, err := v.settle(oc, pos.Collateral, pnl)
	if err != nil {
		return nil, v.reject(oc, err)
	}

	cp := v.checkpoint(uuid.Nil, pos)
	oiEvt, err := v.oi.RecordClose(pos.Direction, pos.Size, pos.SizeInTokens)
	if err != nil {
		return nil, v.reject(oc, err)
	}
	if err := v.pool.AdjustLiquidity(liquidityDelta); err != nil {
		v.rollback(ctx, oc, cp)
		return nil, v.reject(oc, err)
	}
	if payout > 0 {
		if err := v.custody.MoveOut(ctx, pos.Trader, payout); err != nil {
			v.rollback(ctx, oc, cp)
			return nil, v.reject(oc, fmt.Errorf("payout transfer: %w", err))
		}
		cp.onUndo(func(ctx context.Context) error {
			return v.custody.MoveIn(ctx, pos.Trader, payout)
		})
	}

	pos.Status = state.StatusClosed
	pos.RealizedPnL = pnl
	pos.ClosedAt = oc.at

	closed := &event.PositionClosed{
		RequestID:      oc.requestID,
		Trader:         pos.Trader,
		Index:          pos.Index,
		Direction:      pos.Direction,
		Size:           pos.Size,
		SizeInTokens:   pos.SizeInTokens,
		Collateral:     pos.Collateral,
		RealizedPnL:    pnl,
		Payout:         payout,
		LiquidityDelta: liquidityDelta,
		IndexPrice:     oc.snap.Index.Value,
		Timestamp:      oc.at,
	}
	oiEvt.RequestID = oc.requestID
	oiEvt.Timestamp = oc.at
	if err := v.commit(ctx, oc, cp, closed, &oiEvt); err != nil {
		return nil, v.reject(oc, err)
	}

	if v.metrics != nil {
		v.metrics.PositionsClosed.WithLabelValues(pos.Direction.String()).Inc()
	}
	v.logger.Info().
		Str("trader", pos.Trader.String()).
		Int("index", pos.Index).
		Int64("realized_pnl", pnl).
		Int64("payout", payout).
		Msg("position closed")

	// The close stands; an insolvent pool halts the venue afterwards.
	if _, err := v.netValueAt(oc); err != nil {
		v.haltInsolvent(err)
	}

	return closed, nil
}

// checkPosition runs the open preconditions for a position of size backed
// by collateral, where reserveAmount is the new exposure to reserve.
// Returns the resulting leverage.
func (v *Venue) checkPosition(oc *opContext, size, collateral, reserveAmount int64) (int64, error) {
	params := v.market.Params

	if size < params.MinPositionSize {
		return 0, &state.SizeTooSmallError{Given: size, Minimum: params.MinPositionSize}
	}
	if collateral < params.MinPositionCollateral {
		return 0, &state.InsufficientCollateralError{Given: collateral, Minimum: params.MinPositionCollateral}
	}
	collateralUsd, err := v.market.Collateral.ValueUsd(collateral, oc.snap.Collateral.Value)
	if err != nil {
		return 0, fmt.Errorf("value collateral: %w", err)
	}
	if collateralUsd > size {
		return 0, &state.CollateralExceedsSizeError{CollateralUsd: collateralUsd, Size: size}
	}
	if err := state.CheckReserveBefore(reserveAmount, oc.available()); err != nil {
		return 0, err
	}
	leverage := fpmath.ComputeLeverage(size, collateralUsd)
	if leverage > params.MaxLeverage {
		return 0, &state.LeverageTooHighError{Computed: leverage, Maximum: params.MaxLeverage}
	}
	if oc.snap.Index.Value <= 0 {
		return 0, fmt.Errorf("%w: index price %d", state.ErrInvalidPrice, oc.snap.Index.Value)
	}
	return leverage, nil
}

// checkCollateral applies the collateral-value and leverage bounds only.
func (v *Venue) checkCollateral(oc *opContext, size, collateral int64) (int64, error) {
	collateralUsd, err := v.market.Collateral.ValueUsd(collateral, oc.snap.Collateral.Value)
	if err != nil {
		return 0, fmt.Errorf("value collateral: %w", err)
	}
	if collateralUsd > size {
		return 0, &state.CollateralExceedsSizeError{CollateralUsd: collateralUsd, Size: size}
	}
	leverage := fpmath.ComputeLeverage(size, collateralUsd)
	if leverage > v.market.Params.MaxLeverage {
		return 0, &state.LeverageTooHighError{Computed: leverage, Maximum: v.market.Params.MaxLeverage}
	}
	return leverage, nil
}

// settle converts pnl to collateral units and clamps the payout. Profits
// round down and losses round up, both in the pool's favour.
func (v *Venue) settle(oc *opContext, collateral, pnl int64) (payout, liquidityDelta int64, err error) {
	asset := v.market.Collateral
	price := oc.snap.Collateral.Value

	var pnlUnits int64
	if pnl >= 0 {
		pnlUnits, err = fpmath.UsdToTokens(pnl, price, asset.Decimals, fpmath.RoundDown)
	} else {
		var loss int64
		loss, err = fpmath.UsdToTokens(-pnl, price, asset.Decimals, fpmath.RoundUp)
		pnlUnits = -loss
	}
	if err != nil {
		return 0, 0, fmt.Errorf("convert pnl: %w", err)
	}

	liquidityUnits, err := asset.FromUsdBook(v.pool.TotalLiquidityUsd)
	if err != nil {
		return 0, 0, fmt.Errorf("convert liquidity: %w", err)
	}

	payout = collateral + pnlUnits
	payout = max(payout, 0)
	payout = min(payout, collateral+liquidityUnits)

	liquidityDelta, err = asset.ToUsdBook(collateral - payout)
	if err != nil {
		return 0, 0, fmt.Errorf("convert settlement: %w", err)
	}
	return payout, liquidityDelta, nil
}

func (v *Venue) openPosition(trader uuid.UUID, index int) (*state.Position, error) {
	pos, err := v.book.Get(trader, index)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("%w: trader=%s index=%d status=%s", state.ErrPositionNotOpen, trader, index, pos.Status)
	}
	return pos, nil
}
