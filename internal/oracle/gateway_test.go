package oracle_test

import (
	"PerpVault/internal/oracle"
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGateway() (*oracle.Gateway, *oracle.Feed, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	feed := oracle.NewFeed()
	return oracle.NewGateway(feed, clock.Now), feed, clock
}

func TestGateway_FreshPrice(t *testing.T) {
	gw, feed, clock := newTestGateway()
	feed.Set("BTC", 20_000_00000000, clock.Now())

	p, err := gw.CurrentPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Value != 20_000_00000000 {
		t.Errorf("price = %d, want 2000000000000", p.Value)
	}
}

func TestGateway_StaleAfterBound(t *testing.T) {
	gw, feed, clock := newTestGateway()
	feed.Set("BTC", 20_000_00000000, clock.Now())

	clock.Advance(oracle.StalenessBound)
	if _, err := gw.CurrentPrice(context.Background(), "BTC"); err != nil {
		t.Fatalf("price at exactly the bound should be fresh, got %v", err)
	}

	clock.Advance(time.Second)
	_, err := gw.CurrentPrice(context.Background(), "BTC")
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}
}

func TestGateway_NegativePriceClampedToZero(t *testing.T) {
	gw, feed, clock := newTestGateway()
	feed.Set("ETH", -5, clock.Now())

	p, err := gw.CurrentPrice(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("negative price should not error, got %v", err)
	}
	if p.Value != 0 {
		t.Errorf("price = %d, want 0", p.Value)
	}
}

func TestGateway_UnknownAsset(t *testing.T) {
	gw, _, _ := newTestGateway()
	_, err := gw.CurrentPrice(context.Background(), "DOGE")
	if !errors.Is(err, oracle.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestGateway_SnapshotFailsIfEitherStale(t *testing.T) {
	gw, feed, clock := newTestGateway()
	feed.Set("USDC", 1_00000000, clock.Now().Add(-4*time.Hour))
	feed.Set("BTC", 20_000_00000000, clock.Now())

	_, err := gw.Snapshot(context.Background(), "USDC", "BTC")
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}
}

func TestFeed_IgnoresOutOfOrderSequence(t *testing.T) {
	feed := oracle.NewFeed()
	now := time.Now()

	if !feed.Update("BTC", oracle.Reading{Price: 2, AsOf: now, Sequence: 5}) {
		t.Fatal("first update should apply")
	}
	if feed.Update("BTC", oracle.Reading{Price: 1, AsOf: now, Sequence: 4}) {
		t.Error("older sequence should be ignored")
	}
	r, _ := feed.Read(context.Background(), "BTC")
	if r.Price != 2 {
		t.Errorf("price = %d, want 2", r.Price)
	}
}
