package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

type eventRefKey struct{}

// WithEventRef tags custody batches created under ctx with the request id.
func WithEventRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, eventRefKey{}, ref)
}

func eventRef(ctx context.Context) string {
	ref, _ := ctx.Value(eventRefKey{}).(string)
	return ref
}

// Custody is the in-process transfer service for the collateral asset. It
// moves funds between user wallets and the venue's pool account on a
// double-entry ledger; every transfer is a validated batch.
type Custody struct {
	mu        sync.Mutex
	assetID   AssetID
	tracker   *BalanceTracker
	generator *JournalGenerator
	validator *InvariantValidator
	clock     func() time.Time

	// pending holds batches since the last Drain
	pending []*Batch
}

// NewCustody builds a custody ledger for the asset with the given identity.
func NewCustody(identity string) (*Custody, error) {
	assetID, ok := GetAssetID(identity)
	if !ok {
		return nil, fmt.Errorf("unknown custody asset %q", identity)
	}
	tracker := NewBalanceTracker()
	return &Custody{
		assetID:   assetID,
		tracker:   tracker,
		generator: NewJournalGenerator(0, assetID),
		validator: NewInvariantValidator(tracker),
		clock:     time.Now,
	}, nil
}

func (c *Custody) AssetID() AssetID {
	return c.assetID
}

// Fund credits a wallet from the external deposit boundary.
func (c *Custody) Fund(ctx context.Context, user uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("fund amount must be > 0, got %d", amount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.apply(c.generator.GenerateFund(eventRef(ctx), user, amount, c.clock()))
}

// MoveIn transfers amount from payer's wallet into the pool. No partial
// transfer happens on failure.
func (c *Custody) MoveIn(ctx context.Context, payer uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("move-in amount must be > 0, got %d", amount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tracker.ValidateSufficient(NewWalletKey(payer, c.assetID), amount); err != nil {
		return err
	}
	return c.apply(c.generator.GenerateCustodyIn(eventRef(ctx), payer, amount, c.clock()))
}

// MoveOut transfers amount from the pool to payee's wallet.
func (c *Custody) MoveOut(ctx context.Context, payee uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("move-out amount must be > 0, got %d", amount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tracker.ValidateSufficient(NewPoolKey(c.assetID), amount); err != nil {
		return err
	}
	return c.apply(c.generator.GenerateCustodyOut(eventRef(ctx), payee, amount, c.clock()))
}

func (c *Custody) apply(batch *Batch) error {
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		return err
	}
	if err := c.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	c.pending = append(c.pending, batch)
	return nil
}

// Drain returns and clears batches applied since the previous call.
func (c *Custody) Drain() []*Batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.pending
	c.pending = nil
	return out
}

func (c *Custody) WalletBalance(user uuid.UUID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.GetWalletBalance(user, c.assetID)
}

func (c *Custody) PoolBalance() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.GetPoolBalance(c.assetID)
}

// CheckInvariants runs the zero-sum and pool non-negative checks.
func (c *Custody) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return c.validator.ValidatePoolNonNegative(c.assetID)
}

// Balances returns user wallet balances keyed by user, for snapshots.
func (c *Custody) Balances() map[uuid.UUID]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[uuid.UUID]int64)
	for k, v := range c.tracker.Snapshot() {
		if k.Scope == AccountScopeUser && k.SubType == SubTypeWallet && k.AssetID == c.assetID {
			out[uuid.UUID(k.EntityID)] = v
		}
	}
	return out
}

// Restore rebuilds custody from snapshot wallet balances and the pool
// balance. The external boundary absorbs the total so the ledger stays
// zero-sum.
func (c *Custody) Restore(wallets map[uuid.UUID]int64, pool int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := make(map[AccountKey]int64, len(wallets)+2)
	total := pool
	for user, v := range wallets {
		balances[NewWalletKey(user, c.assetID)] = v
		total += v
	}
	balances[NewPoolKey(c.assetID)] = pool
	balances[NewExternalAccountKey(SubTypeExternalDeposits, c.assetID)] = -total
	c.tracker.Restore(balances)
	c.pending = nil
}
