package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Store is the read-model sink; PgStore in production.
type Store interface {
	Watermark(ctx context.Context) (int64, error)
	Apply(ctx context.Context, out ProjectionOutput) error
}

// Backfill reads logged outputs to close gaps left by dropped sends.
type Backfill interface {
	LoadOutputs(ctx context.Context, fromSequence int64, limit int) ([]ProjectionOutput, error)
}

// ProjectionWorker updates projection tables from sealed venue events.
// The projection channel is non-blocking with drop; when the worker sees a
// sequence gap it backfills from the event log before applying.
type ProjectionWorker struct {
	store     Store
	backfill  Backfill
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	logger    zerolog.Logger

	backfillAttempts int
	backfillWait     time.Duration
}

func NewProjectionWorker(store Store, backfill Backfill, inputChan <-chan ProjectionOutput, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		store:            store,
		backfill:         backfill,
		inputChan:        inputChan,
		lastSeq:          -1,
		logger:           logger,
		backfillAttempts: 20,
		backfillWait:     50 * time.Millisecond,
	}
}

// LastSequence returns the last applied sequence.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := pw.store.Watermark(ctx)
	if err != nil {
		return err
	}
	pw.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.handle(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) handle(ctx context.Context, output ProjectionOutput) {
	if output.Sequence <= pw.lastSeq {
		return // already applied (restart or backfill overlap)
	}

	if output.Sequence > pw.lastSeq+1 {
		if err := pw.fill(ctx, output.Sequence); err != nil {
			// Continue: projections are eventually consistent and can be
			// rebuilt from the event log.
			pw.logger.Warn().Err(err).
				Int64("from", pw.lastSeq+1).
				Int64("to", output.Sequence-1).
				Msg("projection backfill incomplete")
		}
	}

	if err := pw.store.Apply(ctx, output); err != nil {
		pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
		return
	}
	pw.lastSeq = output.Sequence
}

// fill applies logged outputs up to (not including) until. The persistence
// worker may not have flushed them yet, so it waits briefly between reads.
func (pw *ProjectionWorker) fill(ctx context.Context, until int64) error {
	if pw.backfill == nil {
		return fmt.Errorf("no backfill source")
	}

	for attempt := 0; pw.lastSeq+1 < until; attempt++ {
		if attempt >= pw.backfillAttempts {
			return fmt.Errorf("log holds events only up to %d", pw.lastSeq)
		}

		outs, err := pw.backfill.LoadOutputs(ctx, pw.lastSeq+1, int(until-pw.lastSeq-1))
		if err != nil {
			return err
		}
		for _, out := range outs {
			if out.Sequence != pw.lastSeq+1 || out.Sequence >= until {
				break
			}
			if err := pw.store.Apply(ctx, out); err != nil {
				return err
			}
			pw.lastSeq = out.Sequence
		}

		if pw.lastSeq+1 < until {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pw.backfillWait):
			}
		}
	}
	return nil
}

// Rebuild resets the read model and folds the whole event log into it.
func Rebuild(ctx context.Context, store *PgStore, logger zerolog.Logger) (int64, error) {
	if err := store.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset projections: %w", err)
	}

	const page = 1000
	var applied int64
	from := int64(0)
	for {
		outs, err := store.LoadOutputs(ctx, from, page)
		if err != nil {
			return applied, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(outs) == 0 {
			break
		}
		for _, out := range outs {
			if err := store.Apply(ctx, out); err != nil {
				return applied, err
			}
			applied++
		}
		from = outs[len(outs)-1].Sequence + 1
	}

	logger.Info().Int64("events", applied).Msg("projection rebuild complete")
	return applied, nil
}
