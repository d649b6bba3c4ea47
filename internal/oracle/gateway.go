// Package oracle is the price gateway: it reads reference prices from an
// upstream Source and enforces the protocol staleness bound.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StalenessBound is the maximum age of an upstream reading. Protocol-wide,
// not configurable per call.
const StalenessBound = 3 * time.Hour

var (
	ErrStalePrice   = errors.New("stale price")
	ErrUnknownAsset = errors.New("no price for asset")
)

// Reading is one upstream observation. Price is fixed-point with 8 decimals
// and may be negative as reported.
type Reading struct {
	Price    int64
	AsOf     time.Time
	Sequence int64
}

// Source is the upstream oracle capability.
type Source interface {
	Read(ctx context.Context, handle string) (Reading, error)
}

// Clock returns the current wall-clock time. Injected so tests can advance time.
type Clock func() time.Time

// Price is a gateway-validated price: fresh and non-negative.
type Price struct {
	Value int64
	AsOf  time.Time
}

// PriceSnapshot is the single price pair taken once per operation. Every
// derived calculation within that operation uses these values.
type PriceSnapshot struct {
	Collateral Price
	Index      Price
	TakenAt    time.Time
}

// Gateway wraps a Source with staleness and clamping rules.
type Gateway struct {
	source Source
	clock  Clock
}

func NewGateway(source Source, clock Clock) *Gateway {
	if clock == nil {
		clock = time.Now
	}
	return &Gateway{source: source, clock: clock}
}

// CurrentPrice returns the fresh price for handle, or ErrStalePrice.
// A negative upstream price is clamped to zero.
func (g *Gateway) CurrentPrice(ctx context.Context, handle string) (Price, error) {
	r, err := g.source.Read(ctx, handle)
	if err != nil {
		return Price{}, fmt.Errorf("read %s: %w", handle, err)
	}

	now := g.clock()
	if now.Sub(r.AsOf) > StalenessBound {
		return Price{}, fmt.Errorf("%w: %s last updated %s ago", ErrStalePrice, handle, now.Sub(r.AsOf).Truncate(time.Second))
	}

	value := r.Price
	if value < 0 {
		value = 0
	}
	return Price{Value: value, AsOf: r.AsOf}, nil
}

// Snapshot reads the collateral and index prices once.
func (g *Gateway) Snapshot(ctx context.Context, collateralHandle, indexHandle string) (PriceSnapshot, error) {
	collateral, err := g.CurrentPrice(ctx, collateralHandle)
	if err != nil {
		return PriceSnapshot{}, err
	}
	index, err := g.CurrentPrice(ctx, indexHandle)
	if err != nil {
		return PriceSnapshot{}, err
	}
	return PriceSnapshot{
		Collateral: collateral,
		Index:      index,
		TakenAt:    g.clock(),
	}, nil
}

// Now exposes the gateway clock so callers stamp records with the same time base.
func (g *Gateway) Now() time.Time {
	return g.clock()
}
