package core

import (
	"PerpVault/internal/event"

	"github.com/google/uuid"
)

// Operation names, used as metric labels.
const (
	OpDeposit            = "deposit"
	OpWithdraw           = "withdraw"
	OpOpenPosition       = "open_position"
	OpIncreaseSize       = "increase_size"
	OpIncreaseCollateral = "increase_collateral"
	OpClosePosition      = "close_position"
	OpFundWallet         = "fund_wallet"
)

// RequestID is the idempotency key of every mutation. A zero RequestID is
// replaced with a fresh one and never deduplicated.

type DepositRequest struct {
	RequestID uuid.UUID
	Provider  uuid.UUID
	Amount    int64 // collateral-asset units
}

type WithdrawRequest struct {
	RequestID uuid.UUID
	Provider  uuid.UUID
	Amount    int64 // collateral-asset units
}

type OpenPositionRequest struct {
	RequestID  uuid.UUID
	Trader     uuid.UUID
	Direction  event.Direction
	Size       int64 // USD scale
	Collateral int64 // collateral-asset units
}

type IncreaseSizeRequest struct {
	RequestID uuid.UUID
	Trader    uuid.UUID
	Index     int
	SizeDelta int64 // USD scale
}

type IncreaseCollateralRequest struct {
	RequestID       uuid.UUID
	Trader          uuid.UUID
	Index           int
	CollateralDelta int64
}

type ClosePositionRequest struct {
	RequestID uuid.UUID
	Trader    uuid.UUID
	Index     int
}

type FundWalletRequest struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Amount    int64
}
