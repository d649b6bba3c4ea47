package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction is the side of a trader position.
type Direction int32

const (
	DirectionUnknown Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "unknown"
	}
}

// ParseDirection accepts "long" or "short", case-insensitively.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "long":
		return DirectionLong, nil
	case "short":
		return DirectionShort, nil
	default:
		return DirectionUnknown, fmt.Errorf("unknown direction %q", s)
	}
}

// PositionOpened is emitted once per successfully opened position.
type PositionOpened struct {
	RequestID       uuid.UUID `json:"request_id"`
	Trader          uuid.UUID `json:"trader"`
	Index           int       `json:"index"`
	Direction       Direction `json:"direction"`
	Size            int64     `json:"size"`       // USD scale
	Collateral      int64     `json:"collateral"` // collateral-asset units
	SizeInTokens    int64     `json:"size_in_tokens"`
	Leverage        int64     `json:"leverage"` // leverage scale
	IndexPrice      int64     `json:"index_price"`
	CollateralPrice int64     `json:"collateral_price"`
	Timestamp       time.Time `json:"timestamp"`
}

func (p *PositionOpened) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

// PositionIncreased records a size or collateral increase. Deltas are what
// was applied; the remaining fields are the resulting position.
type PositionIncreased struct {
	RequestID       uuid.UUID `json:"request_id"`
	Trader          uuid.UUID `json:"trader"`
	Index           int       `json:"index"`
	Direction       Direction `json:"direction"`
	SizeDelta       int64     `json:"size_delta"`
	TokensDelta     int64     `json:"tokens_delta"`
	CollateralDelta int64     `json:"collateral_delta"`
	Size            int64     `json:"size"`
	SizeInTokens    int64     `json:"size_in_tokens"`
	Collateral      int64     `json:"collateral"`
	Leverage        int64     `json:"leverage"`
	Timestamp       time.Time `json:"timestamp"`
}

func (p *PositionIncreased) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PositionIncreased) EventType() EventType {
	return EventTypePositionIncreased
}

// PositionClosed records a full close and its settlement against the pool.
type PositionClosed struct {
	RequestID      uuid.UUID `json:"request_id"`
	Trader         uuid.UUID `json:"trader"`
	Index          int       `json:"index"`
	Direction      Direction `json:"direction"`
	Size           int64     `json:"size"`
	SizeInTokens   int64     `json:"size_in_tokens"`
	Collateral     int64     `json:"collateral"`
	RealizedPnL    int64     `json:"realized_pnl"`    // USD scale, signed
	Payout         int64     `json:"payout"`          // collateral-asset units returned to trader
	LiquidityDelta int64     `json:"liquidity_delta"` // USD scale, signed change to pool liquidity
	IndexPrice     int64     `json:"index_price"`
	Timestamp      time.Time `json:"timestamp"`
}

func (p *PositionClosed) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

// OpenInterestUpdated carries the four aggregate fields after a change.
type OpenInterestUpdated struct {
	RequestID   uuid.UUID `json:"request_id"`
	LongUsd     int64     `json:"long_usd"`
	LongTokens  int64     `json:"long_tokens"`
	ShortUsd    int64     `json:"short_usd"`
	ShortTokens int64     `json:"short_tokens"`
	Timestamp   time.Time `json:"timestamp"`
}

func (o *OpenInterestUpdated) IdempotencyKey() string {
	return o.RequestID.String() + ":oi"
}

func (o *OpenInterestUpdated) EventType() EventType {
	return EventTypeOpenInterestUpdated
}
