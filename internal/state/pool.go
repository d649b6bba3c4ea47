package state

import (
	fpmath "PerpVault/internal/math"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// HouseAccount holds the shares seeded for liquidity left in a pool whose
// shares were all burned. It cannot deposit or withdraw.
var HouseAccount = uuid.Nil

// LiquidityPool tracks LP capital at book value and the share ledger.
// Net value is derived, never stored.
type LiquidityPool struct {
	TotalLiquidityUsd int64 // gross deposits minus gross withdrawals plus realized settlements

	totalShares *uint256.Int
	shares      map[uuid.UUID]*uint256.Int
}

func NewLiquidityPool() *LiquidityPool {
	return &LiquidityPool{
		totalShares: new(uint256.Int),
		shares:      make(map[uuid.UUID]*uint256.Int),
	}
}

func (p *LiquidityPool) TotalShares() *uint256.Int {
	return p.totalShares.Clone()
}

func (p *LiquidityPool) SharesOf(provider uuid.UUID) *uint256.Int {
	if s, ok := p.shares[provider]; ok {
		return s.Clone()
	}
	return new(uint256.Int)
}

// Mint credits shares to provider and adds liquidity. Liquidity already in a
// pool with no shares is first credited to HouseAccount at the empty-pool
// rate, so the next depositor does not receive it.
func (p *LiquidityPool) Mint(provider uuid.UUID, amount *uint256.Int, liquidityUsd int64) {
	if p.totalShares.IsZero() && p.TotalLiquidityUsd > 0 {
		if seed, err := fpmath.SharesToMint(p.TotalLiquidityUsd, nil, 0); err == nil {
			p.shares[HouseAccount] = seed
			p.totalShares.Set(seed)
		}
	}

	bal, ok := p.shares[provider]
	if !ok {
		bal = new(uint256.Int)
		p.shares[provider] = bal
	}
	bal.Add(bal, amount)
	p.totalShares.Add(p.totalShares, amount)
	p.TotalLiquidityUsd += liquidityUsd
}

// Burn debits shares from provider and removes liquidity. Fails without
// effect if the provider's balance is short.
func (p *LiquidityPool) Burn(provider uuid.UUID, amount *uint256.Int, liquidityUsd int64) error {
	bal := p.SharesOf(provider)
	if bal.Lt(amount) {
		return &InsufficientSharesError{Required: amount.Dec(), Balance: bal.Dec()}
	}
	if liquidityUsd > p.TotalLiquidityUsd {
		return fmt.Errorf("%w: burn of %d exceeds liquidity %d", ErrInvariant, liquidityUsd, p.TotalLiquidityUsd)
	}

	bal.Sub(bal, amount)
	if bal.IsZero() {
		delete(p.shares, provider)
	} else {
		p.shares[provider] = bal
	}
	p.totalShares.Sub(p.totalShares, amount)
	p.TotalLiquidityUsd -= liquidityUsd
	return nil
}

// AdjustLiquidity settles realized trader PnL into the pool.
func (p *LiquidityPool) AdjustLiquidity(deltaUsd int64) error {
	if p.TotalLiquidityUsd+deltaUsd < 0 {
		return fmt.Errorf("%w: liquidity %d cannot absorb %d", ErrInvariant, p.TotalLiquidityUsd, deltaUsd)
	}
	p.TotalLiquidityUsd += deltaUsd
	return nil
}

// Clone deep-copies the pool for checkpoints.
func (p *LiquidityPool) Clone() *LiquidityPool {
	c := &LiquidityPool{
		TotalLiquidityUsd: p.TotalLiquidityUsd,
		totalShares:       p.totalShares.Clone(),
		shares:            make(map[uuid.UUID]*uint256.Int, len(p.shares)),
	}
	for k, v := range p.shares {
		c.shares[k] = v.Clone()
	}
	return c
}

// Providers returns share holders in a stable order.
func (p *LiquidityPool) Providers() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(p.shares))
	for k := range p.shares {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// RestoreShares sets a provider balance during snapshot restore.
func (p *LiquidityPool) RestoreShares(provider uuid.UUID, amount *uint256.Int) {
	if prev, ok := p.shares[provider]; ok {
		p.totalShares.Sub(p.totalShares, prev)
	}
	p.shares[provider] = amount.Clone()
	p.totalShares.Add(p.totalShares, amount)
}
