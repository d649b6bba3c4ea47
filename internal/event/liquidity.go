package event

import (
	"time"

	"github.com/google/uuid"
)

// LiquidityDeposited records collateral entering the pool and the shares minted.
type LiquidityDeposited struct {
	RequestID    uuid.UUID `json:"request_id"`
	Provider     uuid.UUID `json:"provider"`
	Amount       int64     `json:"amount"`     // collateral-asset units
	AmountUsd    int64     `json:"amount_usd"` // book value, USD scale
	SharesMinted string    `json:"shares_minted"`
	TotalShares  string    `json:"total_shares"`
	Timestamp    time.Time `json:"timestamp"`
}

func (d *LiquidityDeposited) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *LiquidityDeposited) EventType() EventType {
	return EventTypeLiquidityDeposited
}

// LiquidityWithdrawn records collateral leaving the pool and the shares burned.
type LiquidityWithdrawn struct {
	RequestID    uuid.UUID `json:"request_id"`
	Provider     uuid.UUID `json:"provider"`
	Amount       int64     `json:"amount"`
	AmountUsd    int64     `json:"amount_usd"`
	SharesBurned string    `json:"shares_burned"`
	TotalShares  string    `json:"total_shares"`
	Timestamp    time.Time `json:"timestamp"`
}

func (w *LiquidityWithdrawn) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *LiquidityWithdrawn) EventType() EventType {
	return EventTypeLiquidityWithdrawn
}

// WalletFunded records collateral credited to a custody wallet from outside
// the venue.
type WalletFunded struct {
	RequestID uuid.UUID `json:"request_id"`
	Account   uuid.UUID `json:"account"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (f *WalletFunded) IdempotencyKey() string {
	return f.RequestID.String()
}

func (f *WalletFunded) EventType() EventType {
	return EventTypeWalletFunded
}
