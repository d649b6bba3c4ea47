package query_test

import (
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/query"
	"PerpVault/internal/state"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testMarket = state.Market{
	Collateral: state.Asset{Symbol: "USDC", Identity: "USDC", PriceSource: "USDC", Decimals: 6},
	Index:      state.Asset{Symbol: "BTC", PriceSource: "BTC", Decimals: 8},
}

type fakeStore struct {
	watermark int64
	positions map[uuid.UUID][]query.PositionRow
	providers map[uuid.UUID]*query.ProviderRow
	balances  map[string]int64
}

func (f *fakeStore) Watermark(context.Context) (int64, error) { return f.watermark, nil }

func (f *fakeStore) PositionsByTrader(_ context.Context, trader uuid.UUID) ([]query.PositionRow, error) {
	return f.positions[trader], nil
}

func (f *fakeStore) Provider(_ context.Context, provider uuid.UUID) (*query.ProviderRow, error) {
	p, ok := f.providers[provider]
	if !ok {
		return nil, query.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) Balance(_ context.Context, path string, _ uint16) (int64, error) {
	return f.balances[path], nil
}

// ============================================================================
// Test: Query service
// ============================================================================

func TestQueryService_PositionsInHumanUnits(t *testing.T) {
	trader := uuid.New()
	opened := time.Unix(1_700_000_000, 0).UTC()
	store := &fakeStore{
		watermark: 41,
		positions: map[uuid.UUID][]query.PositionRow{
			trader: {{
				Index:        0,
				Direction:    "long",
				Status:       "open",
				SizeUsd:      1_000_500_000,
				Collateral:   100_000_000,
				SizeInTokens: 5_000_000,
				OpenedAt:     opened,
			}},
		},
	}
	qs := query.NewQueryService(store, testMarket, nil)

	resp, err := qs.GetPositions(context.Background(), trader)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if resp.AsOfSequence != 41 || len(resp.Positions) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	p := resp.Positions[0]
	if p.Size.String() != "1000.5" {
		t.Errorf("expected size 1000.5, got %s", p.Size)
	}
	if p.Collateral.String() != "100" {
		t.Errorf("expected collateral 100, got %s", p.Collateral)
	}
	if p.SizeInTokens.String() != "0.05" {
		t.Errorf("expected 0.05 tokens, got %s", p.SizeInTokens)
	}
}

func TestQueryService_UnknownTraderIsEmpty(t *testing.T) {
	qs := query.NewQueryService(&fakeStore{}, testMarket, nil)

	resp, err := qs.GetPositions(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if resp.Positions == nil || len(resp.Positions) != 0 {
		t.Errorf("expected empty non-nil list, got %v", resp.Positions)
	}
}

func TestQueryService_ProviderWithWallet(t *testing.T) {
	provider := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")
	wallet := ledger.NewWalletKey(provider, assetID).AccountPath()

	store := &fakeStore{
		watermark: 7,
		providers: map[uuid.UUID]*query.ProviderRow{
			provider: {Shares: "1000000000000000000000", Deposited: 1_000_000_000, Withdrawn: 250_000_000},
		},
		balances: map[string]int64{wallet: 9_000_000_000},
	}
	qs := query.NewQueryService(store, testMarket, nil)

	resp, err := qs.GetProvider(context.Background(), provider)
	if err != nil {
		t.Fatalf("GetProvider failed: %v", err)
	}
	if resp.Deposited.String() != "1000" || resp.Withdrawn.String() != "250" {
		t.Errorf("unexpected flows %s / %s", resp.Deposited, resp.Withdrawn)
	}
	if resp.WalletBalance.String() != "9000" {
		t.Errorf("expected wallet 9000, got %s", resp.WalletBalance)
	}
	if resp.Shares != "1000000000000000000000" || resp.AsOfSequence != 7 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestQueryService_ProviderNotFoundCounted(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	qs := query.NewQueryService(&fakeStore{}, testMarket, metrics)

	_, err := qs.GetProvider(context.Background(), uuid.New())
	if !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.QueryRequests.WithLabelValues("provider", "not_found")); got != 1 {
		t.Errorf("expected 1 not_found request, got %v", got)
	}
}
