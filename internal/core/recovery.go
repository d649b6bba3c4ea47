package core

import (
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotState is the venue's full in-memory state at one sequence.
// Share balances are decimal strings; map keys are UUID strings.
type SnapshotState struct {
	Sequence          int64                    `json:"sequence"` // last applied sequence, -1 for none
	StateHash         [32]byte                 `json:"state_hash"`
	TotalLiquidityUsd int64                    `json:"total_liquidity_usd"`
	Shares            map[string]string        `json:"shares"`
	OpenInterest      state.OpenInterestLedger `json:"open_interest"`
	Positions         []*state.Position        `json:"positions"`
	Wallets           map[string]int64         `json:"wallets,omitempty"`
	CustodyPool       int64                    `json:"custody_pool"`
	Halted            bool                     `json:"halted"`
	HaltReason        string                   `json:"halt_reason,omitempty"`
	IdempotencyKeys   []string                 `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (v *Venue) CreateSnapshotState() *SnapshotState {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap := &SnapshotState{
		Sequence:          v.sequence - 1,
		StateHash:         v.hasher.GetPrevHash(),
		TotalLiquidityUsd: v.pool.TotalLiquidityUsd,
		Shares:            make(map[string]string),
		OpenInterest:      v.oi,
		Positions:         v.book.All(),
		Halted:            v.halted.Load(),
		HaltReason:        v.HaltReason(),
		IdempotencyKeys:   v.idempotency.lru.Keys(),
	}
	for i, p := range snap.Positions {
		snap.Positions[i] = p.Clone()
	}
	for _, provider := range v.pool.Providers() {
		snap.Shares[provider.String()] = v.pool.SharesOf(provider).Dec()
	}
	if cs, ok := v.custody.(custodyState); ok {
		snap.Wallets = make(map[string]int64)
		for user, bal := range cs.Balances() {
			snap.Wallets[user.String()] = bal
		}
		snap.CustodyPool = cs.PoolBalance()
	}
	return snap
}

// VerifyCustody runs the custody ledger's zero-sum and non-negative checks.
// Custodies without such checks pass.
func (v *Venue) VerifyCustody() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ic, ok := v.custody.(invariantChecker)
	if !ok {
		return nil
	}
	if err := ic.CheckInvariants(); err != nil {
		return fmt.Errorf("%w: custody: %v", state.ErrInvariant, err)
	}
	return nil
}

// RestoreFromSnapshot replaces in-memory state with snap. On warm restart
// the snapshot is loaded first and later events are replayed on top.
func (v *Venue) RestoreFromSnapshot(snap *SnapshotState) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pool := state.NewLiquidityPool()
	pool.TotalLiquidityUsd = snap.TotalLiquidityUsd
	for key, dec := range snap.Shares {
		provider, err := uuid.Parse(key)
		if err != nil {
			return fmt.Errorf("snapshot provider %q: %w", key, err)
		}
		amount, err := uint256.FromDecimal(dec)
		if err != nil {
			return fmt.Errorf("snapshot shares for %s: %w", key, err)
		}
		pool.RestoreShares(provider, amount)
	}

	book := state.NewPositionBook()
	for _, p := range snap.Positions {
		if err := book.Restore(p.Clone()); err != nil {
			return err
		}
	}

	if cs, ok := v.custody.(custodyState); ok {
		wallets := make(map[uuid.UUID]int64, len(snap.Wallets))
		for key, bal := range snap.Wallets {
			user, err := uuid.Parse(key)
			if err != nil {
				return fmt.Errorf("snapshot wallet %q: %w", key, err)
			}
			wallets[user] = bal
		}
		cs.Restore(wallets, snap.CustodyPool)
	}

	v.pool = pool
	v.book = book
	v.oi = snap.OpenInterest
	v.sequence = snap.Sequence + 1
	v.hasher.SetPrevHash(snap.StateHash)
	v.replaySeq.SetExpectedSequence(replayPartition, v.sequence)
	v.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if snap.Halted {
		v.halt(snap.HaltReason)
	}

	v.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Positions)).
		Int("providers", len(snap.Shares)).
		Msg("state restored from snapshot")
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache so restarts do
// not fall through to the database for recent requests.
func (v *Venue) WarmLRU(keys []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.idempotency.lru.WarmFromKeys(keys)
}

// Replay applies one logged event without re-running preconditions. The
// recomputed state hash must match the logged one.
func (v *Venue) Replay(ctx context.Context, env *event.Envelope) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.replaySeq.ValidateSequence(replayPartition, env.Sequence); err != nil {
		if v.metrics != nil {
			v.metrics.EventSequenceGap.WithLabelValues(replayPartition).Inc()
		}
		return err
	}

	evt, err := event.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return err
	}

	ctx = ledger.WithEventRef(ctx, env.IdempotencyKey)
	if err := v.applyRecorded(ctx, evt); err != nil {
		v.halt(fmt.Sprintf("replay of sequence %d failed: %v", env.Sequence, err))
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}
	// Journals of logged events are already persisted.
	v.drainBatches()

	hashStart := time.Now()
	hash := v.hasher.ComputeHash(env.Sequence, v.stateDigest(evt))
	if hash != env.StateHash {
		v.halt(fmt.Sprintf("state hash mismatch at sequence %d", env.Sequence))
		return fmt.Errorf("%w: sequence=%d computed=%x logged=%x", ErrStateHashMismatch, env.Sequence, hash, env.StateHash)
	}
	v.hasher.Advance(hash)
	v.sequence = env.Sequence + 1

	if _, ok := evt.(*event.OpenInterestUpdated); !ok {
		v.idempotency.MarkProcessed(evt.IdempotencyKey())
	}

	if v.metrics != nil {
		v.metrics.ReplayEventsTotal.Inc()
		v.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		v.metrics.Sequence.Set(float64(v.sequence))
	}
	return nil
}

func (v *Venue) applyRecorded(ctx context.Context, evt event.Event) error {
	switch e := evt.(type) {
	case *event.LiquidityDeposited:
		shares, err := uint256.FromDecimal(e.SharesMinted)
		if err != nil {
			return fmt.Errorf("shares minted: %w", err)
		}
		if err := v.custody.MoveIn(ctx, e.Provider, e.Amount); err != nil {
			return err
		}
		v.pool.Mint(e.Provider, shares, e.AmountUsd)

	case *event.LiquidityWithdrawn:
		shares, err := uint256.FromDecimal(e.SharesBurned)
		if err != nil {
			return fmt.Errorf("shares burned: %w", err)
		}
		if err := v.pool.Burn(e.Provider, shares, e.AmountUsd); err != nil {
			return err
		}
		return v.custody.MoveOut(ctx, e.Provider, e.Amount)

	case *event.WalletFunded:
		funder, ok := v.custody.(walletFunder)
		if !ok {
			return ErrFundingUnsupported
		}
		return funder.Fund(ctx, e.Account, e.Amount)

	case *event.PositionOpened:
		if err := v.custody.MoveIn(ctx, e.Trader, e.Collateral); err != nil {
			return err
		}
		if err := v.oi.ApplyRecorded(e.Direction, e.Size, e.SizeInTokens); err != nil {
			return err
		}
		return v.book.Restore(&state.Position{
			Trader:       e.Trader,
			Index:        e.Index,
			Direction:    e.Direction,
			Status:       state.StatusOpen,
			Size:         e.Size,
			Collateral:   e.Collateral,
			SizeInTokens: e.SizeInTokens,
			OpenedAt:     e.Timestamp,
		})

	case *event.PositionIncreased:
		pos, err := v.book.Get(e.Trader, e.Index)
		if err != nil {
			return err
		}
		if e.SizeDelta > 0 {
			if err := v.oi.ApplyRecorded(pos.Direction, e.SizeDelta, e.TokensDelta); err != nil {
				return err
			}
		}
		if e.CollateralDelta > 0 {
			if err := v.custody.MoveIn(ctx, e.Trader, e.CollateralDelta); err != nil {
				return err
			}
		}
		pos.Size = e.Size
		pos.SizeInTokens = e.SizeInTokens
		pos.Collateral = e.Collateral

	case *event.PositionClosed:
		pos, err := v.book.Get(e.Trader, e.Index)
		if err != nil {
			return err
		}
		if _, err := v.oi.RecordClose(pos.Direction, pos.Size, pos.SizeInTokens); err != nil {
			return err
		}
		if err := v.pool.AdjustLiquidity(e.LiquidityDelta); err != nil {
			return err
		}
		if e.Payout > 0 {
			if err := v.custody.MoveOut(ctx, e.Trader, e.Payout); err != nil {
				return err
			}
		}
		pos.Status = state.StatusClosed
		pos.RealizedPnL = e.RealizedPnL
		pos.ClosedAt = e.Timestamp

	case *event.OpenInterestUpdated:
		// Aggregates were applied with the position event; check they agree.
		if v.oi.Long.UsdTotal != e.LongUsd || v.oi.Long.TokenTotal != e.LongTokens ||
			v.oi.Short.UsdTotal != e.ShortUsd || v.oi.Short.TokenTotal != e.ShortTokens {
			return fmt.Errorf("%w: open interest %+v does not match logged %+v", state.ErrInvariant, v.oi, *e)
		}

	default:
		return fmt.Errorf("event type %s is not part of the venue log", evt.EventType())
	}
	return nil
}
