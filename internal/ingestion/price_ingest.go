package ingestion

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Price update outcomes, used as metric labels.
const (
	PriceApplied    = "applied"
	PriceOutOfOrder = "out_of_order"
	PriceInvalid    = "invalid"
)

// PriceIngestor moves oracle readings into the feed the venue's gateway
// reads. Readings older than the newest seen for their asset are dropped;
// gaps are tolerated and counted.
type PriceIngestor struct {
	mu        sync.Mutex
	feed      *oracle.Feed
	sequences *core.SequenceValidator
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPriceIngestor(feed *oracle.Feed, metrics *observability.Metrics, logger zerolog.Logger) *PriceIngestor {
	return &PriceIngestor{
		feed:      feed,
		sequences: core.NewSequenceValidator(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Apply stores one reading and reports the outcome label.
func (pi *PriceIngestor) Apply(p *event.PriceUpdate) string {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	fresh, gap := pi.sequences.ValidatePriceSequence(p.Asset, p.Sequence)
	if gap {
		pi.logger.Warn().
			Str("asset", p.Asset).
			Int64("sequence", p.Sequence).
			Msg("price sequence gap")
		if pi.metrics != nil {
			pi.metrics.EventSequenceGap.WithLabelValues("price:" + p.Asset).Inc()
		}
	}

	result := PriceApplied
	if !fresh || !pi.feed.Update(p.Asset, oracle.Reading{Price: p.Price, AsOf: p.Timestamp, Sequence: p.Sequence}) {
		result = PriceOutOfOrder
	}
	pi.observe(p.Asset, result)
	return result
}

// InjectPrice applies an operator-supplied reading, sequenced after the
// newest reading held for the asset.
func (pi *PriceIngestor) InjectPrice(ctx context.Context, asset string, price int64, asOf time.Time) (*event.PriceUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if asset == "" {
		return nil, fmt.Errorf("asset is required")
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	var seq int64 = 1
	if r, err := pi.feed.Read(ctx, asset); err == nil {
		seq = r.Sequence + 1
	}
	p := &event.PriceUpdate{Asset: asset, Price: price, Sequence: seq, Timestamp: asOf}
	if res := pi.Apply(p); res != PriceApplied {
		return nil, fmt.Errorf("price for %s not applied: %s", asset, res)
	}
	return p, nil
}

// Run parses raw NATS messages and applies them. Messages are acked once
// handled; unparseable ones are acked too so they are not redelivered.
func (pi *PriceIngestor) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}

			p, err := ParsePriceUpdate(raw)
			if err != nil {
				pi.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse price failed")
				pi.observe(assetFromSubject(raw.Subject), PriceInvalid)
				ack(raw)
				continue
			}

			if res := pi.Apply(p); res != PriceApplied {
				pi.logger.Debug().
					Str("asset", p.Asset).
					Int64("sequence", p.Sequence).
					Str("result", res).
					Msg("price ignored")
			}
			ack(raw)
		}
	}
}

func (pi *PriceIngestor) observe(asset, result string) {
	if pi.metrics != nil {
		pi.metrics.PriceUpdates.WithLabelValues(asset, result).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
