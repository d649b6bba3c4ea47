package core_test

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

const (
	usd  = int64(1_000_000)    // USD scale
	usdc = int64(1_000_000)    // collateral units, 6 decimals
	one  = int64(1_00000000)   // $1 at price scale
	btc  = int64(20_000 * one) // $20,000
)

// --- Test helpers ---

type harness struct {
	venue   *core.Venue
	feed    *oracle.Feed
	custody *ledger.Custody
	persist chan core.CoreOutput
	now     time.Time
	halts   []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		feed:    oracle.NewFeed(),
		persist: make(chan core.CoreOutput, 1024),
		now:     time.Unix(1_700_000_000, 0).UTC(),
	}
	h.feed.Set("USDC", one, h.now)
	h.feed.Set("BTC", btc, h.now)

	custody, err := ledger.NewCustody("USDC")
	if err != nil {
		t.Fatalf("NewCustody failed: %v", err)
	}
	h.custody = custody
	h.venue = h.newVenue(t, custody)
	return h
}

func (h *harness) newVenue(t *testing.T, custody core.Custody) *core.Venue {
	t.Helper()
	gw := oracle.NewGateway(h.feed, func() time.Time { return h.now })
	v, err := core.NewVenue(core.Config{
		Market: state.DefaultMarket,
		Logger: observability.NewTestLogger(io.Discard),
		OnHalt: func(reason string) { h.halts = append(h.halts, reason) },
	}, gw, custody, h.persist, nil)
	if err != nil {
		t.Fatalf("NewVenue failed: %v", err)
	}
	return v
}

func (h *harness) setBTC(price int64) {
	h.feed.Set("BTC", price, h.now)
}

func (h *harness) fund(t *testing.T, account uuid.UUID, amount int64) {
	t.Helper()
	err := h.venue.FundWallet(context.Background(), core.FundWalletRequest{
		RequestID: uuid.New(), Account: account, Amount: amount,
	})
	if err != nil {
		t.Fatalf("FundWallet failed: %v", err)
	}
}

func (h *harness) deposit(t *testing.T, provider uuid.UUID, amount int64) {
	t.Helper()
	h.fund(t, provider, amount)
	_, err := h.venue.Deposit(context.Background(), core.DepositRequest{
		RequestID: uuid.New(), Provider: provider, Amount: amount,
	})
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
}

func (h *harness) openLong(t *testing.T, trader uuid.UUID, size, collateral int64) int {
	t.Helper()
	idx, err := h.venue.OpenLong(context.Background(), uuid.New(), trader, size, collateral)
	if err != nil {
		t.Fatalf("OpenLong failed: %v", err)
	}
	return idx
}

func (h *harness) available(t *testing.T) int64 {
	t.Helper()
	avail, err := h.venue.AvailableLiquidity(context.Background())
	if err != nil {
		t.Fatalf("AvailableLiquidity failed: %v", err)
	}
	return avail
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Liquidity
// ============================================================================

func TestDeposit_MintsSharesAndFreesLiquidity(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()

	h.deposit(t, lp, 1000*usdc)

	shares := h.venue.ShareBalance(lp)
	if shares.Dec() != "1000000000000000000000" {
		t.Errorf("expected 1000e6 * 1e12 shares, got %s", shares.Dec())
	}
	if avail := h.available(t); avail != 700*usd {
		t.Errorf("expected 700 USD available, got %d", avail)
	}
	if bal := h.custody.PoolBalance(); bal != 1000*usdc {
		t.Errorf("expected pool custody 1000 USDC, got %d", bal)
	}
	if bal := h.custody.WalletBalance(lp); bal != 0 {
		t.Errorf("expected empty LP wallet, got %d", bal)
	}
}

func TestDeposit_SecondProviderPricedAtNetValue(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(t, a, 1000*usdc)
	h.deposit(t, b, 500*usdc)

	sa, sb := h.venue.ShareBalance(a), h.venue.ShareBalance(b)
	// Equal share price: b holds exactly half of a.
	doubled := sb.Clone()
	doubled.Add(doubled, sb)
	if !doubled.Eq(sa) {
		t.Errorf("expected b shares to be half of a: a=%s b=%s", sa.Dec(), sb.Dec())
	}
}

func TestDeposit_ZeroAmountRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.venue.Deposit(context.Background(), core.DepositRequest{Provider: uuid.New(), Amount: 0})
	if !errors.Is(err, state.ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestWithdraw_BurnsSharesAndPaysOut(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.deposit(t, lp, 1000*usdc)

	burned, err := h.venue.Withdraw(context.Background(), core.WithdrawRequest{
		RequestID: uuid.New(), Provider: lp, Amount: 300 * usdc,
	})
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if burned.Dec() != "300000000000000000000" {
		t.Errorf("unexpected shares burned: %s", burned.Dec())
	}
	if bal := h.custody.WalletBalance(lp); bal != 300*usdc {
		t.Errorf("expected 300 USDC back in wallet, got %d", bal)
	}
	if avail := h.available(t); avail != 490*usd {
		t.Errorf("expected 490 USD available, got %d", avail)
	}
}

func TestWithdraw_ExceedsAvailable(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.deposit(t, lp, 1000*usdc)

	_, err := h.venue.Withdraw(context.Background(), core.WithdrawRequest{Provider: lp, Amount: 701 * usdc})
	var le *state.InsufficientLiquidityError
	if !errors.As(err, &le) {
		t.Fatalf("expected InsufficientLiquidityError, got %v", err)
	}
	if le.Available != 700*usd {
		t.Errorf("expected available 700 USD in error, got %d", le.Available)
	}
	if h.venue.ShareBalance(lp).IsZero() {
		t.Error("rejected withdrawal must not burn shares")
	}
}

func TestWithdraw_WithoutSharesRejected(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)

	_, err := h.venue.Withdraw(context.Background(), core.WithdrawRequest{Provider: uuid.New(), Amount: 10 * usdc})
	if !errors.Is(err, state.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestWithdraw_ExactlyAvailableAccepted(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.deposit(t, lp, 1000*usdc)

	if _, err := h.venue.Withdraw(context.Background(), core.WithdrawRequest{
		RequestID: uuid.New(), Provider: lp, Amount: 700 * usdc,
	}); err != nil {
		t.Fatalf("withdrawal of exactly the available liquidity failed: %v", err)
	}
	if bal := h.custody.WalletBalance(lp); bal != 700*usdc {
		t.Errorf("expected 700 USDC back in wallet, got %d", bal)
	}
	if avail := h.available(t); avail != 210*usd {
		t.Errorf("expected 210 USD available, got %d", avail)
	}
}

func TestDeposit_WithdrawRoundTripWithOpenPnL(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(t, a, 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 10*usdc)
	h.openLong(t, trader, 100*usd, 10*usdc)

	h.setBTC(21_400 * one) // +7%: traders are owed 7 USD
	pnl, err := h.venue.TotalPnL(context.Background())
	if err != nil {
		t.Fatalf("TotalPnL failed: %v", err)
	}
	if pnl != 7*usd {
		t.Fatalf("expected 7 USD owed, got %d", pnl)
	}

	h.deposit(t, b, usdc)
	minted := h.venue.ShareBalance(b)
	burned, err := h.venue.Withdraw(context.Background(), core.WithdrawRequest{
		RequestID: uuid.New(), Provider: b, Amount: usdc,
	})
	if err != nil {
		t.Fatalf("round-trip withdrawal failed: %v", err)
	}
	if !burned.Eq(minted) {
		t.Errorf("burned %s, minted %s", burned.Dec(), minted.Dec())
	}
	if !h.venue.ShareBalance(b).IsZero() {
		t.Errorf("expected no shares left, got %s", h.venue.ShareBalance(b).Dec())
	}
	if bal := h.custody.WalletBalance(b); bal != usdc {
		t.Errorf("expected 1 USDC back, got %d", bal)
	}

	// The incumbent provider can round-trip the same amount too.
	before := h.venue.ShareBalance(a)
	h.deposit(t, a, 50*usdc)
	if _, err := h.venue.Withdraw(context.Background(), core.WithdrawRequest{
		RequestID: uuid.New(), Provider: a, Amount: 50 * usdc,
	}); err != nil {
		t.Fatalf("incumbent round trip failed: %v", err)
	}
	if !h.venue.ShareBalance(a).Eq(before) {
		t.Errorf("incumbent shares drifted: %s -> %s", before.Dec(), h.venue.ShareBalance(a).Dec())
	}

	pool, err := h.venue.PoolState(context.Background())
	if err != nil {
		t.Fatalf("PoolState failed: %v", err)
	}
	if pool.TotalLiquidityUsd != 1000*usd {
		t.Errorf("expected liquidity back at 1000 USD, got %d", pool.TotalLiquidityUsd)
	}
}

func TestDeposit_HouseAccountRejected(t *testing.T) {
	h := newHarness(t)
	h.fund(t, state.HouseAccount, 10*usdc)

	_, err := h.venue.Deposit(context.Background(), core.DepositRequest{
		RequestID: uuid.New(), Provider: state.HouseAccount, Amount: 10 * usdc,
	})
	if !errors.Is(err, state.ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
	_, err = h.venue.Withdraw(context.Background(), core.WithdrawRequest{
		RequestID: uuid.New(), Provider: state.HouseAccount, Amount: usdc,
	})
	if !errors.Is(err, state.ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount on withdraw, got %v", err)
	}
}

// ============================================================================
// Test: Positions
// ============================================================================

func TestOpenLong_ReservesAtIndexPrice(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 100*usdc)
	drainOutputs(h.persist)

	idx := h.openLong(t, trader, 100*usd, 10*usdc)
	if idx != 0 {
		t.Errorf("expected first index 0, got %d", idx)
	}

	pos, err := h.venue.GetPosition(trader, idx)
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if pos.SizeInTokens != 500_000 || pos.Status != state.StatusOpen {
		t.Errorf("unexpected position: %+v", pos)
	}
	if avail := h.available(t); avail != 600*usd {
		t.Errorf("expected 600 USD available, got %d", avail)
	}
	if bal := h.custody.WalletBalance(trader); bal != 90*usdc {
		t.Errorf("expected 90 USDC left in wallet, got %d", bal)
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.EventTypePositionOpened ||
		outputs[1].Envelope.EventType != event.EventTypeOpenInterestUpdated {
		t.Errorf("unexpected event types: %s, %s", outputs[0].Envelope.EventType, outputs[1].Envelope.EventType)
	}
	if len(outputs[0].Batches) != 1 || len(outputs[1].Batches) != 0 {
		t.Errorf("custody batch must ride on the first output only")
	}
	oi := outputs[1].Event.(*event.OpenInterestUpdated)
	if oi.LongUsd != 100*usd || oi.LongTokens != 500_000 {
		t.Errorf("unexpected open interest notification: %+v", oi)
	}
}

func TestOpenShort_ReservesTokensAtCollateralPrice(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 100*usdc)

	if _, err := h.venue.OpenShort(context.Background(), uuid.New(), trader, 100*usd, 10*usdc); err != nil {
		t.Fatalf("OpenShort failed: %v", err)
	}
	// 0.005 BTC short valued at the $1 collateral price.
	if avail := h.available(t); avail != 699_995_000 {
		t.Errorf("expected 699.995 USD available, got %d", avail)
	}
}

func TestOpenPosition_PreconditionOrder(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 1000*usdc)

	tests := []struct {
		name       string
		direction  event.Direction
		size       int64
		collateral int64
		want       error
	}{
		{"bad direction", event.DirectionUnknown, 100 * usd, 10 * usdc, state.ErrInvalidDirection},
		{"size below minimum", event.DirectionLong, 9 * usd, 1 * usdc, state.ErrSizeTooSmall},
		{"size check precedes collateral check", event.DirectionLong, 5 * usd, 0, state.ErrSizeTooSmall},
		{"collateral below minimum", event.DirectionLong, 100 * usd, usdc - 1, state.ErrInsufficientCollateral},
		{"collateral above size", event.DirectionLong, 10 * usd, 11 * usdc, state.ErrCollateralExceedsSize},
		{"exceeds available", event.DirectionLong, 701 * usd, 100 * usdc, state.ErrInsufficientLiquidity},
		{"reserve precedes leverage", event.DirectionShort, 800 * usd, 1 * usdc, state.ErrInsufficientLiquidity},
		{"leverage above maximum", event.DirectionLong, 200 * usd, 10 * usdc, state.ErrLeverageTooHigh},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.venue.OpenPosition(context.Background(), core.OpenPositionRequest{
				Trader: trader, Direction: tc.direction, Size: tc.size, Collateral: tc.collateral,
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if n := len(h.venue.PositionsOf(trader)); n != 0 {
		t.Errorf("rejected opens must not create positions, got %d", n)
	}
	if bal := h.custody.WalletBalance(trader); bal != 1000*usdc {
		t.Errorf("rejected opens must not move collateral, wallet=%d", bal)
	}
}

func TestOpenPosition_LeverageAtMaximumAccepted(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 10*usdc)

	pos, err := h.venue.OpenPosition(context.Background(), core.OpenPositionRequest{
		Trader: trader, Direction: event.DirectionLong, Size: 150 * usd, Collateral: 10 * usdc,
	})
	if err != nil {
		t.Fatalf("15x must be accepted: %v", err)
	}
	if pos.Size != 150*usd {
		t.Errorf("unexpected size %d", pos.Size)
	}
}

func TestOpenPosition_ZeroIndexPriceRejected(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 10*usdc)
	h.setBTC(-5) // clamped to zero by the gateway

	_, err := h.venue.OpenLong(context.Background(), uuid.New(), trader, 100*usd, 10*usdc)
	if !errors.Is(err, state.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestOpenPosition_CustodyFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New() // never funded

	before := h.venue.GetStateHash()
	_, err := h.venue.OpenLong(context.Background(), uuid.New(), trader, 100*usd, 10*usdc)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if n := len(h.venue.PositionsOf(trader)); n != 0 {
		t.Errorf("expected no positions, got %d", n)
	}
	if avail := h.available(t); avail != 700*usd {
		t.Errorf("open interest leaked: available=%d", avail)
	}
	if h.venue.GetStateHash() != before {
		t.Error("rejected operation must not advance the hash chain")
	}
}

func TestIncreaseSize_ReappliesChecks(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 100*usdc)
	idx := h.openLong(t, trader, 100*usd, 10*usdc)

	pos, err := h.venue.IncreaseSize(context.Background(), core.IncreaseSizeRequest{
		Trader: trader, Index: idx, SizeDelta: 50 * usd,
	})
	if err != nil {
		t.Fatalf("IncreaseSize failed: %v", err)
	}
	if pos.Size != 150*usd || pos.SizeInTokens != 750_000 {
		t.Errorf("unexpected position after increase: %+v", pos)
	}
	if avail := h.available(t); avail != 550*usd {
		t.Errorf("expected 550 USD available, got %d", avail)
	}

	_, err = h.venue.IncreaseSize(context.Background(), core.IncreaseSizeRequest{
		Trader: trader, Index: idx, SizeDelta: 10 * usd,
	})
	if !errors.Is(err, state.ErrLeverageTooHigh) {
		t.Fatalf("expected ErrLeverageTooHigh past 15x, got %v", err)
	}
	pos, _ = h.venue.GetPosition(trader, idx)
	if pos.Size != 150*usd {
		t.Errorf("rejected increase changed size to %d", pos.Size)
	}
}

func TestIncreaseCollateral_LowersLeverage(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 100*usdc)
	idx := h.openLong(t, trader, 150*usd, 10*usdc)

	pos, err := h.venue.IncreaseCollateral(context.Background(), core.IncreaseCollateralRequest{
		Trader: trader, Index: idx, CollateralDelta: 5 * usdc,
	})
	if err != nil {
		t.Fatalf("IncreaseCollateral failed: %v", err)
	}
	if pos.Collateral != 15*usdc {
		t.Errorf("expected 15 USDC collateral, got %d", pos.Collateral)
	}
	if bal := h.custody.WalletBalance(trader); bal != 85*usdc {
		t.Errorf("expected 85 USDC in wallet, got %d", bal)
	}

	// Now there is room for more size at 15x.
	if _, err := h.venue.IncreaseSize(context.Background(), core.IncreaseSizeRequest{
		Trader: trader, Index: idx, SizeDelta: 75 * usd,
	}); err != nil {
		t.Fatalf("IncreaseSize after collateral top-up failed: %v", err)
	}

	_, err = h.venue.IncreaseCollateral(context.Background(), core.IncreaseCollateralRequest{
		Trader: trader, Index: idx, CollateralDelta: 300 * usdc,
	})
	if !errors.Is(err, state.ErrCollateralExceedsSize) {
		t.Fatalf("expected ErrCollateralExceedsSize, got %v", err)
	}
}

func TestClosePosition_ProfitPaidFromPool(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 100*usdc)
	idx := h.openLong(t, trader, 100*usd, 10*usdc)

	h.setBTC(22_000 * one)
	closed, err := h.venue.ClosePosition(context.Background(), core.ClosePositionRequest{Trader: trader, Index: idx})
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if closed.RealizedPnL != 10*usd || closed.Payout != 20*usdc || closed.LiquidityDelta != -10*usd {
		t.Errorf("unexpected settlement: %+v", closed)
	}
	if bal := h.custody.WalletBalance(trader); bal != 110*usdc {
		t.Errorf("expected 110 USDC in wallet, got %d", bal)
	}

	ps, err := h.venue.PoolState(context.Background())
	if err != nil {
		t.Fatalf("PoolState failed: %v", err)
	}
	if ps.TotalLiquidityUsd != 990*usd || ps.OpenInterest != (state.OpenInterestLedger{}) {
		t.Errorf("unexpected pool after close: %+v", ps)
	}

	pos, _ := h.venue.GetPosition(trader, idx)
	if pos.Status != state.StatusClosed || pos.RealizedPnL != 10*usd {
		t.Errorf("unexpected closed position: %+v", pos)
	}

	_, err = h.venue.ClosePosition(context.Background(), core.ClosePositionRequest{Trader: trader, Index: idx})
	if !errors.Is(err, state.ErrPositionNotOpen) {
		t.Fatalf("expected ErrPositionNotOpen on second close, got %v", err)
	}
}

func TestClosePosition_LossKeptByPool(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 100*usdc)
	idx, err := h.venue.OpenShort(context.Background(), uuid.New(), trader, 100*usd, 10*usdc)
	if err != nil {
		t.Fatalf("OpenShort failed: %v", err)
	}

	h.setBTC(25_000 * one) // short loses 25 USD, more than its collateral
	closed, err := h.venue.ClosePosition(context.Background(), core.ClosePositionRequest{Trader: trader, Index: idx})
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if closed.Payout != 0 || closed.LiquidityDelta != 10*usd {
		t.Errorf("expected zero payout and collateral kept, got %+v", closed)
	}
	if bal := h.custody.WalletBalance(trader); bal != 90*usdc {
		t.Errorf("expected wallet unchanged at 90 USDC, got %d", bal)
	}
}

func TestClosePosition_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.venue.ClosePosition(context.Background(), core.ClosePositionRequest{Trader: uuid.New(), Index: 3})
	if !errors.Is(err, state.ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 100*usdc)
	idx := h.openLong(t, trader, 100*usd, 10*usdc)

	h.setBTC(18_000 * one)
	pnl, err := h.venue.UnrealizedPnL(context.Background(), trader, idx)
	if err != nil {
		t.Fatalf("UnrealizedPnL failed: %v", err)
	}
	if pnl != -10*usd {
		t.Errorf("expected -10 USD, got %d", pnl)
	}
}

func TestOpenPosition_ExactlyAvailableAccepted(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 200*usdc)

	_, err := h.venue.OpenLong(context.Background(), uuid.New(), trader, 700*usd+1, 70*usdc)
	var le *state.InsufficientLiquidityError
	if !errors.As(err, &le) {
		t.Fatalf("expected InsufficientLiquidityError one unit over, got %v", err)
	}
	if le.Available != 700*usd {
		t.Errorf("expected available 700 USD in error, got %d", le.Available)
	}

	h.openLong(t, trader, 700*usd, 70*usdc)
	if avail := h.available(t); avail != 0 {
		t.Errorf("expected nothing left available, got %d", avail)
	}
	if h.venue.Halted() {
		t.Errorf("zero headroom must not halt the venue: %v", h.halts)
	}
}

func TestShortPnL_MonotoneInPrice(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)
	trader := uuid.New()
	h.fund(t, trader, 10*usdc)
	if _, err := h.venue.OpenShort(context.Background(), uuid.New(), trader, 100*usd, 10*usdc); err != nil {
		t.Fatalf("OpenShort failed: %v", err)
	}

	// Below entry the short is in profit. Above it net value is capped at
	// liquidity, so only PnL keeps moving.
	prices := []int64{16_000 * one, 18_000 * one, 19_000 * one, 20_000 * one, 21_000 * one, 24_000 * one}
	prevPnL, prevNV := int64(0), int64(0)
	for i, price := range prices {
		h.setBTC(price)
		pnl, err := h.venue.TotalPnL(context.Background())
		if err != nil {
			t.Fatalf("TotalPnL at %d failed: %v", price, err)
		}
		nv, err := h.venue.NetValue(context.Background())
		if err != nil {
			t.Fatalf("NetValue at %d failed: %v", price, err)
		}
		if i > 0 {
			if pnl >= prevPnL {
				t.Errorf("short pnl must fall as price rises: %d -> %d at %d", prevPnL, pnl, price)
			}
			if nv < prevNV {
				t.Errorf("net value must not fall as price rises: %d -> %d at %d", prevNV, nv, price)
			}
			if prevPnL > 0 && nv <= prevNV {
				t.Errorf("net value must rise while traders are owed: %d -> %d at %d", prevNV, nv, price)
			}
		}
		prevPnL, prevNV = pnl, nv
	}
	if prevNV != 1000*usd {
		t.Errorf("expected net value capped at 1000 USD, got %d", prevNV)
	}
}

// ============================================================================
// Test: Oracle staleness
// ============================================================================

func TestStalePrice_RejectsPricedOperations(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.fund(t, lp, 100*usdc)

	h.now = h.now.Add(oracle.StalenessBound + time.Second)
	_, err := h.venue.Deposit(context.Background(), core.DepositRequest{Provider: lp, Amount: 100 * usdc})
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if _, err := h.venue.AvailableLiquidity(context.Background()); !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("queries must refuse stale prices too, got %v", err)
	}
	if bal := h.custody.WalletBalance(lp); bal != 100*usdc {
		t.Errorf("stale rejection moved funds: wallet=%d", bal)
	}
}

func TestStalePrice_ExactlyAtBoundAccepted(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.fund(t, lp, 100*usdc)

	h.now = h.now.Add(oracle.StalenessBound)
	if _, err := h.venue.Deposit(context.Background(), core.DepositRequest{Provider: lp, Amount: 100 * usdc}); err != nil {
		t.Fatalf("price exactly at the bound must be fresh: %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateRequestRejected(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.fund(t, lp, 200*usdc)
	drainOutputs(h.persist)

	req := core.DepositRequest{RequestID: uuid.New(), Provider: lp, Amount: 100 * usdc}
	if _, err := h.venue.Deposit(context.Background(), req); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	_, err := h.venue.Deposit(context.Background(), req)
	if !errors.Is(err, core.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	if outputs := drainOutputs(h.persist); len(outputs) != 1 {
		t.Errorf("expected 1 output, got %d", len(outputs))
	}
	if bal := h.custody.WalletBalance(lp); bal != 100*usdc {
		t.Errorf("duplicate moved funds: wallet=%d", bal)
	}
}

func TestIdempotency_RejectedRequestMayRetry(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	req := core.DepositRequest{RequestID: uuid.New(), Provider: lp, Amount: 100 * usdc}

	if _, err := h.venue.Deposit(context.Background(), req); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	h.fund(t, lp, 100*usdc)
	if _, err := h.venue.Deposit(context.Background(), req); err != nil {
		t.Fatalf("retry after rejection failed: %v", err)
	}
}

// ============================================================================
// Test: Reserve invariant and insolvency
// ============================================================================

func TestDeposit_IntoStressedPoolAccepted(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.deposit(t, lp, 100*usdc)
	trader := uuid.New()
	h.fund(t, trader, 10*usdc)
	h.openLong(t, trader, 70*usd, 7*usdc)

	h.setBTC(26_000 * one) // headroom goes negative
	if avail := h.available(t); avail != 0 {
		t.Fatalf("expected 0 available, got %d", avail)
	}

	h.fund(t, lp, 50*usdc)
	if _, err := h.venue.Deposit(context.Background(), core.DepositRequest{Provider: lp, Amount: 50 * usdc}); err != nil {
		t.Fatalf("deposit that improves headroom must be accepted: %v", err)
	}

	// Withdrawals stay blocked while nothing is available.
	_, err := h.venue.Withdraw(context.Background(), core.WithdrawRequest{Provider: lp, Amount: usdc})
	if !errors.Is(err, state.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestInsolvency_HaltsVenue(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.deposit(t, lp, 100*usdc)
	trader := uuid.New()
	h.fund(t, trader, 10*usdc)
	h.openLong(t, trader, 70*usd, 7*usdc)

	h.setBTC(60_000 * one) // long pnl 140 USD against 100 USD liquidity
	h.fund(t, lp, 10*usdc)
	_, err := h.venue.Deposit(context.Background(), core.DepositRequest{Provider: lp, Amount: 10 * usdc})
	if !errors.Is(err, state.ErrInsolventPool) {
		t.Fatalf("expected ErrInsolventPool, got %v", err)
	}
	if !h.venue.Halted() {
		t.Fatal("venue must halt on insolvency")
	}
	if len(h.halts) != 1 {
		t.Errorf("expected one halt callback, got %d", len(h.halts))
	}

	_, err = h.venue.ClosePosition(context.Background(), core.ClosePositionRequest{Trader: trader, Index: 0})
	if !errors.Is(err, core.ErrVenueHalted) {
		t.Fatalf("expected ErrVenueHalted, got %v", err)
	}
	if _, err := h.venue.NetValue(context.Background()); !errors.Is(err, state.ErrInsolventPool) {
		t.Errorf("NetValue must keep reporting insolvency, got %v", err)
	}
	if len(h.halts) != 1 {
		t.Errorf("halt callback must fire once, got %d", len(h.halts))
	}
}

func TestDeposit_ZeroNetValueHaltsVenue(t *testing.T) {
	h := newHarness(t)
	lp := uuid.New()
	h.deposit(t, lp, 200*usdc)
	trader := uuid.New()
	h.fund(t, trader, 10*usdc)
	h.openLong(t, trader, 100*usd, 10*usdc)

	h.setBTC(60_000 * one) // long pnl 200 USD, exactly the liquidity
	nv, err := h.venue.NetValue(context.Background())
	if err != nil || nv != 0 {
		t.Fatalf("expected zero net value, got %d (%v)", nv, err)
	}

	h.fund(t, lp, 10*usdc)
	_, err = h.venue.Deposit(context.Background(), core.DepositRequest{
		RequestID: uuid.New(), Provider: lp, Amount: 10 * usdc,
	})
	if !errors.Is(err, state.ErrInsolventPool) {
		t.Fatalf("expected ErrInsolventPool, got %v", err)
	}
	if !h.venue.Halted() {
		t.Error("venue must halt when shares are worth nothing")
	}
	if bal := h.custody.WalletBalance(lp); bal != 10*usdc {
		t.Errorf("rejected deposit moved funds: wallet=%d", bal)
	}
}

func TestConcurrentOperations_KeepBooksBalanced(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, uuid.New(), 1000*usdc)

	const (
		workers    = 3
		iterations = 10
	)
	providers := make([]uuid.UUID, workers)
	traders := make([]uuid.UUID, workers)
	for i := 0; i < workers; i++ {
		providers[i], traders[i] = uuid.New(), uuid.New()
		h.fund(t, providers[i], iterations*50*usdc)
		h.fund(t, traders[i], iterations*2*usdc)
	}
	drainOutputs(h.persist)

	var (
		wg                         sync.WaitGroup
		deposited, withdrawn       atomic.Int64
		openedUsd, collateralTotal atomic.Int64
		accepted                   atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(lp uuid.UUID) {
			defer wg.Done()
			ctx := context.Background()
			for n := 0; n < iterations; n++ {
				if _, err := h.venue.Deposit(ctx, core.DepositRequest{RequestID: uuid.New(), Provider: lp, Amount: 50 * usdc}); err != nil {
					t.Errorf("Deposit failed: %v", err)
					continue
				}
				deposited.Add(50 * usd)
				accepted.Add(1)
				_, err := h.venue.Withdraw(ctx, core.WithdrawRequest{RequestID: uuid.New(), Provider: lp, Amount: 20 * usdc})
				switch {
				case err == nil:
					withdrawn.Add(20 * usd)
					accepted.Add(1)
				case !errors.Is(err, state.ErrInsufficientLiquidity):
					t.Errorf("Withdraw failed: %v", err)
				}
			}
		}(providers[i])
		go func(trader uuid.UUID) {
			defer wg.Done()
			ctx := context.Background()
			for n := 0; n < iterations; n++ {
				_, err := h.venue.OpenLong(ctx, uuid.New(), trader, 20*usd, 2*usdc)
				switch {
				case err == nil:
					openedUsd.Add(20 * usd)
					collateralTotal.Add(2 * usdc)
					accepted.Add(2) // position plus open interest
				case !errors.Is(err, state.ErrInsufficientLiquidity):
					t.Errorf("OpenLong failed: %v", err)
				}
			}
		}(traders[i])
	}
	wg.Wait()

	pool, err := h.venue.PoolState(context.Background())
	if err != nil {
		t.Fatalf("PoolState failed: %v", err)
	}
	wantLiq := 1000*usd + deposited.Load() - withdrawn.Load()
	if pool.TotalLiquidityUsd != wantLiq {
		t.Errorf("expected liquidity %d, got %d", wantLiq, pool.TotalLiquidityUsd)
	}
	if pool.OpenInterest.Long.UsdTotal != openedUsd.Load() {
		t.Errorf("expected long open interest %d, got %d", openedUsd.Load(), pool.OpenInterest.Long.UsdTotal)
	}
	if bal := h.custody.PoolBalance(); bal != pool.TotalLiquidityUsd+collateralTotal.Load() {
		t.Errorf("custody pool %d, want liquidity plus collateral %d", bal, pool.TotalLiquidityUsd+collateralTotal.Load())
	}
	reserved, err := fpmath.ComputeTokenValueUsd(pool.OpenInterest.Long.TokenTotal, btc, 8)
	if err != nil {
		t.Fatalf("ComputeTokenValueUsd failed: %v", err)
	}
	limit, err := fpmath.ApplyPercent(pool.TotalLiquidityUsd, 70)
	if err != nil {
		t.Fatalf("ApplyPercent failed: %v", err)
	}
	if reserved > limit {
		t.Errorf("reserve %d exceeds exposure cap %d", reserved, limit)
	}
	if err := h.venue.VerifyCustody(); err != nil {
		t.Errorf("custody invariants broken: %v", err)
	}

	outputs := drainOutputs(h.persist)
	if int64(len(outputs)) != accepted.Load() {
		t.Fatalf("expected %d outputs, got %d", accepted.Load(), len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.Sequence != outputs[i-1].Envelope.Sequence+1 {
			t.Fatalf("sequence gap at %d: %d -> %d", i, outputs[i-1].Envelope.Sequence, outputs[i].Envelope.Sequence)
		}
	}
}

// ============================================================================
// Test: Hash chain, replay and snapshots
// ============================================================================

func runScenario(t *testing.T, h *harness) {
	t.Helper()
	lp, trader := uuid.MustParse("11111111-1111-1111-1111-111111111111"), uuid.MustParse("22222222-2222-2222-2222-222222222222")
	h.deposit(t, lp, 1000*usdc)
	h.fund(t, trader, 100*usdc)
	idx := h.openLong(t, trader, 100*usd, 10*usdc)
	if _, err := h.venue.IncreaseSize(context.Background(), core.IncreaseSizeRequest{Trader: trader, Index: idx, SizeDelta: 50 * usd}); err != nil {
		t.Fatalf("IncreaseSize failed: %v", err)
	}
	if _, err := h.venue.IncreaseCollateral(context.Background(), core.IncreaseCollateralRequest{Trader: trader, Index: idx, CollateralDelta: 5 * usdc}); err != nil {
		t.Fatalf("IncreaseCollateral failed: %v", err)
	}
	if _, err := h.venue.OpenShort(context.Background(), uuid.New(), trader, 40*usd, 4*usdc); err != nil {
		t.Fatalf("OpenShort failed: %v", err)
	}
	h.setBTC(21_000 * one)
	if _, err := h.venue.ClosePosition(context.Background(), core.ClosePositionRequest{Trader: trader, Index: idx}); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if _, err := h.venue.Withdraw(context.Background(), core.WithdrawRequest{Provider: lp, Amount: 200 * usdc}); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
}

func TestStateHashChain_Linked(t *testing.T) {
	h := newHarness(t)
	runScenario(t, h)

	outputs := drainOutputs(h.persist)
	if len(outputs) == 0 {
		t.Fatal("no outputs")
	}
	if outputs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first envelope must chain from genesis")
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d has sequence %d", i, o.Envelope.Sequence)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d does not chain from output %d", i, i-1)
		}
	}
	if h.venue.GetStateHash() != outputs[len(outputs)-1].Envelope.StateHash {
		t.Error("chain tip must equal the last state hash")
	}
}

func TestReplay_ReproducesStateAndHashes(t *testing.T) {
	h := newHarness(t)
	runScenario(t, h)
	outputs := drainOutputs(h.persist)

	custody, err := ledger.NewCustody("USDC")
	if err != nil {
		t.Fatalf("NewCustody failed: %v", err)
	}
	replica := h.newVenue(t, custody)
	for _, o := range outputs {
		if err := replica.Replay(context.Background(), o.Envelope); err != nil {
			t.Fatalf("Replay of sequence %d failed: %v", o.Envelope.Sequence, err)
		}
	}

	if replica.GetStateHash() != h.venue.GetStateHash() {
		t.Error("replayed chain tip differs")
	}
	if replica.GetSequence() != h.venue.GetSequence() {
		t.Errorf("sequence %d != %d", replica.GetSequence(), h.venue.GetSequence())
	}
	want, _ := h.venue.PoolState(context.Background())
	got, _ := replica.PoolState(context.Background())
	if got.TotalLiquidityUsd != want.TotalLiquidityUsd || !got.TotalShares.Eq(want.TotalShares) || got.OpenInterest != want.OpenInterest {
		t.Errorf("replayed pool differs: got %+v want %+v", got, want)
	}
	if custody.PoolBalance() != h.custody.PoolBalance() {
		t.Errorf("replayed custody pool %d != %d", custody.PoolBalance(), h.custody.PoolBalance())
	}

	// Replayed requests are known to the dedup cache.
	_, err = replica.Withdraw(context.Background(), core.WithdrawRequest{
		RequestID: outputs[len(outputs)-1].Event.(*event.LiquidityWithdrawn).RequestID,
		Provider:  uuid.New(),
		Amount:    usdc,
	})
	if !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest after replay, got %v", err)
	}
}

func TestReplay_DetectsTamperingAndGaps(t *testing.T) {
	h := newHarness(t)
	runScenario(t, h)
	outputs := drainOutputs(h.persist)

	custody, _ := ledger.NewCustody("USDC")
	replica := h.newVenue(t, custody)

	err := replica.Replay(context.Background(), outputs[1].Envelope)
	if err == nil {
		t.Fatal("expected sequence gap error")
	}

	tampered := *outputs[0].Envelope
	tampered.StateHash[0] ^= 0xff
	err = replica.Replay(context.Background(), &tampered)
	if !errors.Is(err, core.ErrStateHashMismatch) {
		t.Fatalf("expected ErrStateHashMismatch, got %v", err)
	}
	if !replica.Halted() {
		t.Error("hash mismatch must halt the venue")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	h := newHarness(t)
	runScenario(t, h)
	drainOutputs(h.persist)

	snap := h.venue.CreateSnapshotState()
	if snap.Sequence != h.venue.GetSequence()-1 {
		t.Errorf("snapshot sequence %d, venue next %d", snap.Sequence, h.venue.GetSequence())
	}

	custody, _ := ledger.NewCustody("USDC")
	restored := h.newVenue(t, custody)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot failed: %v", err)
	}
	if restored.GetStateHash() != h.venue.GetStateHash() {
		t.Fatal("restored chain tip differs")
	}

	// The same next operation yields the same hash on both.
	req := core.FundWalletRequest{RequestID: uuid.New(), Account: uuid.New(), Amount: 5 * usdc}
	if err := h.venue.FundWallet(context.Background(), req); err != nil {
		t.Fatalf("FundWallet failed: %v", err)
	}
	if err := restored.FundWallet(context.Background(), req); err != nil {
		t.Fatalf("FundWallet on restored venue failed: %v", err)
	}
	if restored.GetStateHash() != h.venue.GetStateHash() {
		t.Error("hashes diverge after restore")
	}

	trader := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	if got, want := len(restored.PositionsOf(trader)), len(h.venue.PositionsOf(trader)); got != want {
		t.Errorf("restored %d positions, want %d", got, want)
	}
	if custody.WalletBalance(trader) != h.custody.WalletBalance(trader) {
		t.Error("restored wallet differs")
	}
}

type brokenCustody struct{}

func (brokenCustody) MoveIn(context.Context, uuid.UUID, int64) error { return nil }

func (brokenCustody) MoveOut(context.Context, uuid.UUID, int64) error { return nil }

func (brokenCustody) CheckInvariants() error {
	return errors.New("ledger does not sum to zero")
}

func TestVerifyCustody(t *testing.T) {
	h := newHarness(t)
	runScenario(t, h)
	if err := h.venue.VerifyCustody(); err != nil {
		t.Fatalf("VerifyCustody after scenario: %v", err)
	}

	broken := h.newVenue(t, brokenCustody{})
	if err := broken.VerifyCustody(); !errors.Is(err, state.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	feed := oracle.NewFeed()
	now := time.Unix(1_700_000_000, 0)
	feed.Set("USDC", one, now)
	feed.Set("BTC", btc, now)
	custody, _ := ledger.NewCustody("USDC")

	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1) // tiny buffer, fills up
	v, err := core.NewVenue(core.Config{Market: state.DefaultMarket, Logger: observability.NewTestLogger(io.Discard)},
		oracle.NewGateway(feed, func() time.Time { return now }), custody, persistCh, projCh)
	if err != nil {
		t.Fatalf("NewVenue failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := v.FundWallet(context.Background(), core.FundWalletRequest{Account: uuid.New(), Amount: usdc}); err != nil {
			t.Fatalf("FundWallet %d failed: %v", i, err)
		}
	}
	if n := len(drainOutputs(persistCh)); n != 5 {
		t.Errorf("expected 5 persist outputs, got %d", n)
	}
	if n := len(drainOutputs(projCh)); n != 1 {
		t.Errorf("expected 1 projection output, got %d", n)
	}
}
