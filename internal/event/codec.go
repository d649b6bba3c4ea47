package event

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// EncodePayload serializes an event for the event log and outbound stream.
func EncodePayload(evt Event) ([]byte, error) {
	data, err := sonic.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// DecodePayload is the inverse of EncodePayload for the given type.
func DecodePayload(et EventType, data []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeLiquidityDeposited:
		evt = &LiquidityDeposited{}
	case EventTypeLiquidityWithdrawn:
		evt = &LiquidityWithdrawn{}
	case EventTypePositionOpened:
		evt = &PositionOpened{}
	case EventTypePositionIncreased:
		evt = &PositionIncreased{}
	case EventTypePositionClosed:
		evt = &PositionClosed{}
	case EventTypeOpenInterestUpdated:
		evt = &OpenInterestUpdated{}
	case EventTypePriceUpdate:
		evt = &PriceUpdate{}
	case EventTypeWalletFunded:
		evt = &WalletFunded{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}

	if err := sonic.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
