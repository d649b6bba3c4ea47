package event

import (
	"fmt"
	"time"
)

// PriceUpdate is an inbound oracle reading.
type PriceUpdate struct {
	Asset     string    `json:"asset"`
	Price     int64     `json:"price"` // 8-decimal fixed point, may be negative upstream
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Asset, p.Sequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}
