package server

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Wire messages of perpvault.venue.v1.VenueService. Amounts are decimal
// strings in human units: collateral amounts in the collateral asset, sizes
// and PnL in USD, token sizes in the index asset. request_id is optional;
// retries with the same id are rejected as duplicates.

type DepositRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Provider  string          `json:"provider"`
	Amount    decimal.Decimal `json:"amount"`
}

type WithdrawRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Provider  string          `json:"provider"`
	Amount    decimal.Decimal `json:"amount"`
}

type LiquidityResponse struct {
	Provider     string `json:"provider"`
	Shares       string `json:"shares"` // minted or burned, raw share units
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type FundWalletRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
}

type FundWalletResponse struct {
	Account      string          `json:"account"`
	Balance      decimal.Decimal `json:"balance"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

type OpenPositionRequest struct {
	RequestID  string          `json:"request_id,omitempty"`
	Trader     string          `json:"trader"`
	Direction  string          `json:"direction"`
	Size       decimal.Decimal `json:"size"`
	Collateral decimal.Decimal `json:"collateral"`
}

type IncreaseSizeRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Trader    string          `json:"trader"`
	Index     int             `json:"index"`
	SizeDelta decimal.Decimal `json:"size_delta"`
}

type IncreaseCollateralRequest struct {
	RequestID       string          `json:"request_id,omitempty"`
	Trader          string          `json:"trader"`
	Index           int             `json:"index"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
}

type PositionKey struct {
	RequestID string `json:"request_id,omitempty"`
	Trader    string `json:"trader"`
	Index     int    `json:"index"`
}

type PositionResponse struct {
	Trader        string           `json:"trader"`
	Index         int              `json:"index"`
	Direction     string           `json:"direction"`
	Status        string           `json:"status"`
	Size          decimal.Decimal  `json:"size"`
	Collateral    decimal.Decimal  `json:"collateral"`
	SizeInTokens  decimal.Decimal  `json:"size_in_tokens"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	AsOfSequence  int64            `json:"as_of_sequence"`
}

type ClosePositionResponse struct {
	Trader       string          `json:"trader"`
	Index        int             `json:"index"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Payout       decimal.Decimal `json:"payout"`
	IndexPrice   decimal.Decimal `json:"index_price"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

type GetPoolStateRequest struct{}

type PoolStateResponse struct {
	TotalLiquidity     decimal.Decimal `json:"total_liquidity"`
	TotalShares        string          `json:"total_shares"`
	AvailableLiquidity decimal.Decimal `json:"available_liquidity"`
	NetValue           decimal.Decimal `json:"net_value"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	LongOpenInterest   decimal.Decimal `json:"long_open_interest"`
	LongTokens         decimal.Decimal `json:"long_tokens"`
	ShortOpenInterest  decimal.Decimal `json:"short_open_interest"`
	ShortTokens        decimal.Decimal `json:"short_tokens"`
	IndexPrice         decimal.Decimal `json:"index_price"`
	CollateralPrice    decimal.Decimal `json:"collateral_price"`
	AsOfSequence       int64           `json:"as_of_sequence"`
	Halted             bool            `json:"halted"`
}

type PushPriceRequest struct {
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
}

type PushPriceResponse struct {
	Asset    string `json:"asset"`
	Sequence int64  `json:"sequence"` // price feed sequence
}

// --- conversions ---

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}

// parseRequestID allows an empty id; the venue then assigns one.
func parseRequestID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return parseID("request_id", s)
}

// toUnits scales a human decimal to fixed point. Extra precision is
// rejected rather than rounded.
func toUnits(field string, d decimal.Decimal, decimals int) (int64, error) {
	out := d.Shift(int32(decimals))
	if !out.Equal(out.Truncate(0)) {
		return 0, status.Errorf(codes.InvalidArgument, "%s %s has more than %d decimals", field, d, decimals)
	}
	if out.IsNegative() || out.GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, status.Errorf(codes.InvalidArgument, "%s %s out of range", field, d)
	}
	return out.IntPart(), nil
}

func fromUnits(v int64, decimals int) decimal.Decimal {
	return decimal.New(v, -int32(decimals))
}

func usd(v int64) decimal.Decimal {
	return fromUnits(v, fpmath.UsdConfig.DecimalPrecision)
}

func price(v int64) decimal.Decimal {
	return fromUnits(v, fpmath.PriceConfig.DecimalPrecision)
}

func positionResponse(p *state.Position, m state.Market, asOf int64) *PositionResponse {
	resp := &PositionResponse{
		Trader:       p.Trader.String(),
		Index:        p.Index,
		Direction:    p.Direction.String(),
		Status:       p.Status.String(),
		Size:         usd(p.Size),
		Collateral:   fromUnits(p.Collateral, m.Collateral.Decimals),
		SizeInTokens: fromUnits(p.SizeInTokens, m.Index.Decimals),
		RealizedPnL:  usd(p.RealizedPnL),
		OpenedAt:     p.OpenedAt,
		AsOfSequence: asOf,
	}
	if !p.ClosedAt.IsZero() {
		closed := p.ClosedAt
		resp.ClosedAt = &closed
	}
	return resp
}

func closeResponse(c *event.PositionClosed, m state.Market, asOf int64) *ClosePositionResponse {
	return &ClosePositionResponse{
		Trader:       c.Trader.String(),
		Index:        c.Index,
		RealizedPnL:  usd(c.RealizedPnL),
		Payout:       fromUnits(c.Payout, m.Collateral.Decimals),
		IndexPrice:   price(c.IndexPrice),
		AsOfSequence: asOf,
	}
}

func poolStateResponse(ps *core.PoolState, m state.Market) *PoolStateResponse {
	return &PoolStateResponse{
		TotalLiquidity:     usd(ps.TotalLiquidityUsd),
		TotalShares:        ps.TotalShares.Dec(),
		AvailableLiquidity: usd(ps.AvailableLiquidity),
		NetValue:           usd(ps.NetValue),
		TotalPnL:           usd(ps.TotalPnL),
		LongOpenInterest:   usd(ps.OpenInterest.Long.UsdTotal),
		LongTokens:         fromUnits(ps.OpenInterest.Long.TokenTotal, m.Index.Decimals),
		ShortOpenInterest:  usd(ps.OpenInterest.Short.UsdTotal),
		ShortTokens:        fromUnits(ps.OpenInterest.Short.TokenTotal, m.Index.Decimals),
		IndexPrice:         price(ps.Prices.Index.Value),
		CollateralPrice:    price(ps.Prices.Collateral.Value),
		AsOfSequence:       ps.Sequence - 1,
		Halted:             ps.Halted,
	}
}
