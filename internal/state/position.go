package state

import (
	"PerpVault/internal/event"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status of a position. Closed positions stay in the book.
type Status int32

const (
	StatusUnknown Status = iota
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Position is one opened trade. Index is the lifetime id within the
// trader's sequence.
type Position struct {
	Trader       uuid.UUID
	Index        int
	Direction    event.Direction
	Status       Status
	Size         int64 // USD scale
	Collateral   int64 // collateral-asset units
	SizeInTokens int64 // index-token units
	RealizedPnL  int64 // USD scale, set on close
	OpenedAt     time.Time
	ClosedAt     time.Time
}

func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Clone returns a copy safe to hand to readers.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)

	buf = append(buf, p.Trader[:]...)
	buf = appendInt64LE(buf, int64(p.Index))
	buf = append(buf, byte(p.Direction), byte(p.Status))
	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.Collateral)
	buf = appendInt64LE(buf, p.SizeInTokens)
	buf = appendInt64LE(buf, p.RealizedPnL)
	buf = appendInt64LE(buf, p.OpenedAt.UnixMicro())

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// PositionBook is the append-only per-trader position store.
// Not thread-safe: guarded by the venue lock.
type PositionBook struct {
	byTrader map[uuid.UUID][]*Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{byTrader: make(map[uuid.UUID][]*Position)}
}

// Append assigns the next index for the trader and stores p.
func (b *PositionBook) Append(p *Position) int {
	p.Index = len(b.byTrader[p.Trader])
	b.byTrader[p.Trader] = append(b.byTrader[p.Trader], p)
	return p.Index
}

// Get returns the live position; callers holding the write lock may mutate it.
func (b *PositionBook) Get(trader uuid.UUID, index int) (*Position, error) {
	list := b.byTrader[trader]
	if index < 0 || index >= len(list) {
		return nil, fmt.Errorf("%w: trader=%s index=%d", ErrPositionNotFound, trader, index)
	}
	return list[index], nil
}

// Of returns copies of all of a trader's positions in index order.
func (b *PositionBook) Of(trader uuid.UUID) []*Position {
	list := b.byTrader[trader]
	out := make([]*Position, len(list))
	for i, p := range list {
		out[i] = p.Clone()
	}
	return out
}

// Len returns the number of positions the trader has ever opened.
func (b *PositionBook) Len(trader uuid.UUID) int {
	return len(b.byTrader[trader])
}

// Truncate drops positions at index >= n. Only used to undo an append
// within a failed operation.
func (b *PositionBook) Truncate(trader uuid.UUID, n int) {
	list := b.byTrader[trader]
	if n >= len(list) {
		return
	}
	if n == 0 {
		delete(b.byTrader, trader)
		return
	}
	b.byTrader[trader] = list[:n]
}

// All returns every position ordered by trader then index.
func (b *PositionBook) All() []*Position {
	traders := make([]uuid.UUID, 0, len(b.byTrader))
	for t := range b.byTrader {
		traders = append(traders, t)
	}
	sort.Slice(traders, func(i, j int) bool {
		return traders[i].String() < traders[j].String()
	})

	var out []*Position
	for _, t := range traders {
		out = append(out, b.byTrader[t]...)
	}
	return out
}

// Restore places a position at its recorded index. Positions must be
// restored in index order.
func (b *PositionBook) Restore(p *Position) error {
	if p.Index != len(b.byTrader[p.Trader]) {
		return fmt.Errorf("%w: restoring trader=%s index=%d out of order", ErrInvariant, p.Trader, p.Index)
	}
	b.byTrader[p.Trader] = append(b.byTrader[p.Trader], p)
	return nil
}
