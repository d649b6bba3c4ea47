package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionRow is a projected position as stored, fixed point.
type PositionRow struct {
	Index        int        `json:"idx"`
	Direction    string     `json:"direction"`
	Status       string     `json:"status"`
	SizeUsd      int64      `json:"size_usd"`
	Collateral   int64      `json:"collateral"`
	SizeInTokens int64      `json:"size_in_tokens"`
	RealizedPnL  int64      `json:"realized_pnl"`
	Payout       int64      `json:"payout"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	LastSequence int64      `json:"last_sequence"`
}

// ProviderRow is a projected liquidity provider as stored.
type ProviderRow struct {
	Shares       string `json:"shares"` // NUMERIC(78) as text
	Deposited    int64  `json:"deposited"`
	Withdrawn    int64  `json:"withdrawn"`
	LastSequence int64  `json:"last_sequence"`
}

// PositionResponse represents a position for API queries. Amounts are
// decimal strings in human units.
type PositionResponse struct {
	Trader       uuid.UUID       `json:"trader"`
	Index        int             `json:"index"`
	Direction    string          `json:"direction"`
	Status       string          `json:"status"`
	Size         decimal.Decimal `json:"size"`
	Collateral   decimal.Decimal `json:"collateral"`
	SizeInTokens decimal.Decimal `json:"size_in_tokens"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Payout       decimal.Decimal `json:"payout"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

// PositionsResponse lists a trader's positions, open and closed.
type PositionsResponse struct {
	Trader       uuid.UUID          `json:"trader"`
	Positions    []PositionResponse `json:"positions"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// ProviderResponse represents a provider's share holding and flows.
type ProviderResponse struct {
	Provider      uuid.UUID       `json:"provider"`
	Shares        string          `json:"shares"`
	Deposited     decimal.Decimal `json:"deposited"`
	Withdrawn     decimal.Decimal `json:"withdrawn"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	AsOfSequence  int64           `json:"as_of_sequence"`
}
