package query

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QueryService provides read-only access to projection tables. Responses
// carry as_of_sequence, the projection watermark at read time, so callers
// can compare freshness against the venue's sequence.
type QueryService struct {
	store   Store
	market  state.Market
	metrics *observability.Metrics
}

func NewQueryService(store Store, market state.Market, metrics *observability.Metrics) *QueryService {
	return &QueryService{store: store, market: market, metrics: metrics}
}

// GetPositions returns every projected position of a trader.
func (qs *QueryService) GetPositions(ctx context.Context, trader uuid.UUID) (resp *PositionsResponse, err error) {
	defer qs.observe("positions", time.Now(), &err)

	asOf, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	rows, err := qs.store.PositionsByTrader(ctx, trader)
	if err != nil {
		return nil, err
	}

	resp = &PositionsResponse{
		Trader:       trader,
		Positions:    make([]PositionResponse, 0, len(rows)),
		AsOfSequence: asOf,
	}
	for _, r := range rows {
		resp.Positions = append(resp.Positions, PositionResponse{
			Trader:       trader,
			Index:        r.Index,
			Direction:    r.Direction,
			Status:       r.Status,
			Size:         usd(r.SizeUsd),
			Collateral:   units(r.Collateral, qs.market.Collateral.Decimals),
			SizeInTokens: units(r.SizeInTokens, qs.market.Index.Decimals),
			RealizedPnL:  usd(r.RealizedPnL),
			Payout:       units(r.Payout, qs.market.Collateral.Decimals),
			OpenedAt:     r.OpenedAt,
			ClosedAt:     r.ClosedAt,
		})
	}
	return resp, nil
}

// GetProvider returns a provider's projected shares, flows and wallet
// balance in the collateral asset.
func (qs *QueryService) GetProvider(ctx context.Context, provider uuid.UUID) (resp *ProviderResponse, err error) {
	defer qs.observe("provider", time.Now(), &err)

	asOf, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	row, err := qs.store.Provider(ctx, provider)
	if err != nil {
		return nil, err
	}

	var wallet int64
	if path, assetID, ok := walletPath(provider, qs.market.Collateral.Identity); ok {
		if wallet, err = qs.store.Balance(ctx, path, assetID); err != nil {
			return nil, err
		}
	}

	decimals := qs.market.Collateral.Decimals
	return &ProviderResponse{
		Provider:      provider,
		Shares:        row.Shares,
		Deposited:     units(row.Deposited, decimals),
		Withdrawn:     units(row.Withdrawn, decimals),
		WalletBalance: units(wallet, decimals),
		AsOfSequence:  asOf,
	}, nil
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(*errp, ErrNotFound):
		status = "not_found"
	case *errp != nil:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func usd(v int64) decimal.Decimal {
	return units(v, fpmath.UsdConfig.DecimalPrecision)
}

func units(v int64, decimals int) decimal.Decimal {
	return decimal.New(v, -int32(decimals))
}
