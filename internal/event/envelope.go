package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLiquidityDeposited
	EventTypeLiquidityWithdrawn
	EventTypePositionOpened
	EventTypePositionIncreased
	EventTypePositionClosed
	EventTypeOpenInterestUpdated
	EventTypePriceUpdate
	EventTypeWalletFunded
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the venue
	Sequence int64

	// Request id of the operation that produced the event
	IdempotencyKey string

	EventType EventType

	// Clock time of the operation's price snapshot
	Timestamp time.Time

	// Encoded event payload (see EncodePayload)
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeLiquidityDeposited:
		return "LiquidityDeposited"
	case EventTypeLiquidityWithdrawn:
		return "LiquidityWithdrawn"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionIncreased:
		return "PositionIncreased"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeOpenInterestUpdated:
		return "OpenInterestUpdated"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeWalletFunded:
		return "WalletFunded"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeLiquidityDeposited; et <= EventTypeWalletFunded; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
