package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Feed is an in-memory Source holding the latest reading per asset handle.
// Ingestion pushes updates into it; the gateway reads from it.
type Feed struct {
	mu       sync.RWMutex
	readings map[string]Reading
}

func NewFeed() *Feed {
	return &Feed{readings: make(map[string]Reading)}
}

// Update stores r for handle unless a newer sequence is already held.
// Returns false when the update was ignored as out of order.
func (f *Feed) Update(handle string, r Reading) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.readings[handle]; ok && r.Sequence <= cur.Sequence {
		return false
	}
	f.readings[handle] = r
	return true
}

// Set stores a reading unconditionally, assigning the next sequence.
func (f *Feed) Set(handle string, price int64, asOf time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq := f.readings[handle].Sequence + 1
	f.readings[handle] = Reading{Price: price, AsOf: asOf, Sequence: seq}
}

func (f *Feed) Read(_ context.Context, handle string) (Reading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r, ok := f.readings[handle]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrUnknownAsset, handle)
	}
	return r, nil
}

// Handles lists the assets the feed has readings for.
func (f *Feed) Handles() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.readings))
	for h := range f.readings {
		out = append(out, h)
	}
	return out
}
