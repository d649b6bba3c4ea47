package persistence

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RecoverySource is the read side of the event log used on startup.
type RecoverySource interface {
	LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.Envelope, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

// RecoveryResult summarizes one startup recovery.
type RecoveryResult struct {
	SnapshotSequence int64 // -1 for a cold start
	Replayed         int64
	NextSequence     int64
	StateHash        [32]byte
}

// Recover restores the latest verified snapshot (if any) into v and
// replays every later event on top of it. Each replayed event's PrevHash
// must equal the chain tip before it, and the venue checks the recomputed
// state hash. Any mismatch aborts recovery.
func Recover(
	ctx context.Context,
	src RecoverySource,
	v *core.Venue,
	pageSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (RecoveryResult, error) {
	start := time.Now()
	res := RecoveryResult{SnapshotSequence: -1}
	if pageSize <= 0 {
		pageSize = 1000
	}

	snap, err := src.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		if err := v.RestoreFromSnapshot(snap); err != nil {
			return res, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		res.SnapshotSequence = snap.Sequence
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	from := v.GetSequence()
	for {
		envs, err := src.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return res, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(envs) == 0 {
			break
		}

		for _, env := range envs {
			if tip := v.GetStateHash(); env.PrevHash != tip {
				return res, fmt.Errorf("%w: sequence=%d prev=%x tip=%x",
					core.ErrStateHashMismatch, env.Sequence, env.PrevHash, tip)
			}
			if err := v.Replay(ctx, env); err != nil {
				return res, err
			}
			res.Replayed++
		}
		from = envs[len(envs)-1].Sequence + 1
	}

	if err := v.VerifyCustody(); err != nil {
		return res, fmt.Errorf("recovered state: %w", err)
	}

	if snap != nil {
		if err := src.MarkVerified(ctx, snap.Sequence); err != nil {
			logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("mark snapshot verified failed")
		}
	}

	res.NextSequence = v.GetSequence()
	res.StateHash = v.GetStateHash()

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("snapshot_sequence", res.SnapshotSequence).
		Int64("replayed", res.Replayed).
		Int64("next_sequence", res.NextSequence).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return res, nil
}

// SnapshotSink is the write side used for periodic snapshots.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error
	MarkVerified(ctx context.Context, sequence int64) error
}

// ErrSnapshotAhead is returned when the venue has sealed events the event
// log does not hold yet. Such a snapshot could skip events on restart.
var ErrSnapshotAhead = errors.New("snapshot ahead of persisted log")

// TakeSnapshot captures the venue's state and persists it. A snapshot of
// live state is verified by construction. durable reports the last persisted
// sequence; nil skips the check.
func TakeSnapshot(
	ctx context.Context,
	v *core.Venue,
	sink SnapshotSink,
	durable func() int64,
	metrics *observability.Metrics,
) (*core.SnapshotState, error) {
	start := time.Now()

	if err := v.VerifyCustody(); err != nil {
		return nil, err
	}
	snap := v.CreateSnapshotState()
	if durable != nil {
		if last := durable(); snap.Sequence > last {
			return nil, fmt.Errorf("%w: snapshot=%d persisted=%d", ErrSnapshotAhead, snap.Sequence, last)
		}
	}
	if err := sink.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if err := sink.MarkVerified(ctx, snap.Sequence); err != nil {
		return snap, fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap, nil
}

// RunPeriodicSnapshots checks every tick and snapshots once interval events
// have been sealed since the last one.
func RunPeriodicSnapshots(
	ctx context.Context,
	v *core.Venue,
	sink SnapshotSink,
	durable func() int64,
	interval int64,
	tick time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	last := v.GetSequence()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := v.GetSequence()
			if current-last < interval {
				continue
			}
			if _, err := TakeSnapshot(ctx, v, sink, durable, metrics); err != nil {
				if errors.Is(err, ErrSnapshotAhead) {
					logger.Debug().Err(err).Msg("snapshot deferred")
				} else {
					logger.Warn().Err(err).Msg("periodic snapshot failed")
				}
				continue
			}
			last = current
			logger.Info().Int64("sequence", current-1).Msg("periodic snapshot")
		}
	}
}
