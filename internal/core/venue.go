package core

import (
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Custody moves collateral between participants and the venue.
type Custody interface {
	MoveIn(ctx context.Context, payer uuid.UUID, amount int64) error
	MoveOut(ctx context.Context, payee uuid.UUID, amount int64) error
}

// Optional custody capabilities, detected at runtime.
type (
	walletFunder interface {
		Fund(ctx context.Context, user uuid.UUID, amount int64) error
	}
	batchSource interface {
		Drain() []*ledger.Batch
	}
	custodyState interface {
		Balances() map[uuid.UUID]int64
		PoolBalance() int64
		WalletBalance(user uuid.UUID) int64
		Restore(wallets map[uuid.UUID]int64, pool int64)
	}
	invariantChecker interface {
		CheckInvariants() error
	}
)

// CoreOutput is one sealed event on its way to persistence and projections.
// Batches carries the custody journals of the operation on its first output.
type CoreOutput struct {
	Envelope *event.Envelope
	Event    event.Event
	Batches  []*ledger.Batch
}

// Config wires a Venue. Zero values are valid except Market.
type Config struct {
	Market              state.Market
	StartSequence       int64
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              zerolog.Logger
	// OnHalt runs once when the venue stops accepting mutations.
	OnHalt func(reason string)
}

// Venue is the accounting core of one market. Mutations take the write lock
// and run one at a time against a single price snapshot; queries take the
// read lock.
type Venue struct {
	mu sync.RWMutex

	market  state.Market
	prices  *oracle.Gateway
	custody Custody

	pool *state.LiquidityPool
	oi   state.OpenInterestLedger
	book *state.PositionBook

	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	replaySeq   *SequenceValidator

	halted     atomic.Bool
	haltReason atomic.Value
	onHalt     func(string)

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

const replayPartition = "venue"

func NewVenue(
	cfg Config,
	prices *oracle.Gateway,
	custody Custody,
	persistChan, projectionChan chan<- CoreOutput,
) (*Venue, error) {
	if err := state.ValidateMarket(cfg.Market); err != nil {
		return nil, fmt.Errorf("invalid market: %w", err)
	}
	if prices == nil || custody == nil {
		return nil, errors.New("venue needs a price gateway and custody")
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	v := &Venue{
		market:         cfg.Market,
		prices:         prices,
		custody:        custody,
		pool:           state.NewLiquidityPool(),
		book:           state.NewPositionBook(),
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		replaySeq:      NewSequenceValidator(),
		onHalt:         cfg.OnHalt,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
	v.replaySeq.SetExpectedSequence(replayPartition, v.sequence)
	return v, nil
}

func (v *Venue) Market() state.Market {
	return v.market
}

// --- Operation pipeline ---

type opContext struct {
	op        string
	requestID uuid.UUID
	snap      oracle.PriceSnapshot
	priced    bool
	at        time.Time
	headroom  int64
	start     time.Time
}

func (oc *opContext) available() int64 {
	return max(oc.headroom, 0)
}

// begin runs the shared prelude of every mutation: dedup, halt check, one
// price snapshot and the reserve headroom before mutation. Caller holds v.mu.
func (v *Venue) begin(ctx context.Context, op string, requestID uuid.UUID, priced bool) (context.Context, *opContext, error) {
	oc := &opContext{op: op, requestID: requestID, priced: priced, start: time.Now()}

	// Step 1: Idempotency check (two-tier)
	if oc.requestID == uuid.Nil {
		oc.requestID = uuid.New()
	} else if v.idempotency.IsDuplicate(ctx, op, oc.requestID.String()) {
		return ctx, oc, fmt.Errorf("%w: %s", ErrDuplicateRequest, oc.requestID)
	}

	// Step 2: Halted venues refuse every mutation
	if v.halted.Load() {
		return ctx, oc, fmt.Errorf("%w: %s", ErrVenueHalted, v.HaltReason())
	}

	// Step 3: One price snapshot for the whole operation
	if priced {
		snap, err := v.prices.Snapshot(ctx, v.market.Collateral.PriceSource, v.market.Index.PriceSource)
		if err != nil {
			return ctx, oc, fmt.Errorf("price snapshot: %w", err)
		}
		oc.snap = snap
		oc.at = snap.TakenAt

		headroom, err := state.ReserveHeadroom(v.pool, &v.oi, snap, v.market)
		if err != nil {
			return ctx, oc, fmt.Errorf("reserve: %w", err)
		}
		oc.headroom = headroom
	} else {
		oc.at = v.prices.Now()
	}

	return ledger.WithEventRef(ctx, oc.requestID.String()), oc, nil
}

// reject records a failed operation and passes err through.
func (v *Venue) reject(oc *opContext, err error) error {
	reason := reasonOf(err)

	if errors.Is(err, state.ErrInsolventPool) {
		v.haltInsolvent(err)
	}

	if v.metrics != nil {
		v.metrics.OpsRejected.WithLabelValues(oc.op, reason).Inc()
		if reason == "stale_price" {
			v.metrics.PriceStaleErrors.WithLabelValues(oc.op).Inc()
		}
	}

	v.logger.Debug().
		Err(err).
		Str("op", oc.op).
		Str("request_id", oc.requestID.String()).
		Str("reason", reason).
		Msg("operation rejected")

	return err
}

// checkpoint captures everything an operation may mutate.
type checkpoint struct {
	pool    *state.LiquidityPool
	oi      state.OpenInterestLedger
	trader  uuid.UUID
	bookLen int
	live    *state.Position
	saved   state.Position
	undo    []func(context.Context) error
}

func (v *Venue) checkpoint(trader uuid.UUID, live *state.Position) *checkpoint {
	cp := &checkpoint{
		pool:    v.pool.Clone(),
		oi:      v.oi,
		trader:  trader,
		bookLen: v.book.Len(trader),
		live:    live,
	}
	if live != nil {
		cp.saved = *live
	}
	return cp
}

// onUndo registers the reversal of a completed custody transfer.
func (cp *checkpoint) onUndo(fn func(context.Context) error) {
	cp.undo = append(cp.undo, fn)
}

func (v *Venue) rollback(ctx context.Context, oc *opContext, cp *checkpoint) {
	v.pool = cp.pool
	v.oi = cp.oi
	if cp.trader != uuid.Nil {
		v.book.Truncate(cp.trader, cp.bookLen)
	}
	if cp.live != nil {
		*cp.live = cp.saved
	}

	for i := len(cp.undo) - 1; i >= 0; i-- {
		if err := cp.undo[i](ctx); err != nil {
			// Custody and venue state now disagree.
			v.logger.Error().Err(err).Str("op", oc.op).Str("request_id", oc.requestID.String()).Msg("custody reversal failed")
			v.halt(fmt.Sprintf("custody reversal failed: %v", err))
		}
	}
	v.drainBatches()

	if v.metrics != nil {
		v.metrics.Rollbacks.WithLabelValues(oc.op).Inc()
	}
}

// postCheck re-validates the reserve on mutated state and rolls back on
// failure. It fails when headroom is negative and worse than before the
// operation, so deposits into a stressed pool still go through. Zero
// headroom passes: an open or withdrawal of exactly the available amount
// succeeds and leaves nothing available.
func (v *Venue) postCheck(ctx context.Context, oc *opContext, cp *checkpoint) error {
	headroom, err := state.ReserveHeadroom(v.pool, &v.oi, oc.snap, v.market)
	if err != nil {
		v.rollback(ctx, oc, cp)
		return fmt.Errorf("reserve post-check: %w", err)
	}
	if headroom < oc.headroom {
		if err := state.CheckReserveAfter(headroom); err != nil {
			v.rollback(ctx, oc, cp)
			return err
		}
	}
	return nil
}

// commit seals events into envelopes, advances the hash chain and emits.
func (v *Venue) commit(ctx context.Context, oc *opContext, cp *checkpoint, evts ...event.Event) error {
	payloads := make([][]byte, len(evts))
	for i, evt := range evts {
		p, err := event.EncodePayload(evt)
		if err != nil {
			v.rollback(ctx, oc, cp)
			return err
		}
		payloads[i] = p
	}

	outputs := v.seal(oc.at, evts, payloads, v.drainBatches())
	v.emit(outputs)

	v.idempotency.MarkProcessed(oc.requestID.String())

	if v.metrics != nil {
		v.metrics.OpsApplied.WithLabelValues(oc.op).Inc()
		v.metrics.OpDuration.WithLabelValues(oc.op).Observe(time.Since(oc.start).Seconds())
		v.metrics.Sequence.Set(float64(v.sequence))
		v.observePool(oc)
	}

	v.logger.Debug().
		Str("op", oc.op).
		Str("request_id", oc.requestID.String()).
		Int64("sequence", v.sequence-1).
		Msg("operation applied")
	return nil
}

func (v *Venue) seal(at time.Time, evts []event.Event, payloads [][]byte, batches []*ledger.Batch) []CoreOutput {
	outputs := make([]CoreOutput, 0, len(evts))

	for i, evt := range evts {
		hashStart := time.Now()
		prev := v.hasher.GetPrevHash()
		hash := v.hasher.ComputeHash(v.sequence, v.stateDigest(evt))
		v.hasher.Advance(hash)
		if v.metrics != nil {
			v.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		}

		out := CoreOutput{
			Envelope: &event.Envelope{
				Sequence:       v.sequence,
				IdempotencyKey: evt.IdempotencyKey(),
				EventType:      evt.EventType(),
				Timestamp:      at,
				Payload:        payloads[i],
				StateHash:      hash,
				PrevHash:       prev,
			},
			Event: evt,
		}
		if i == 0 {
			out.Batches = batches
		}

		outputs = append(outputs, out)
		v.sequence++
	}

	return outputs
}

// emit sends to persistence with a blocking send (backpressure) and to
// projections with a non-blocking send. Projections rebuild from the event
// log if they fall behind.
func (v *Venue) emit(outputs []CoreOutput) {
	for _, output := range outputs {
		if v.persistChan != nil {
			select {
			case v.persistChan <- output:
			default:
				if v.metrics != nil {
					v.metrics.PersistBackpressure.Inc()
				}
				v.persistChan <- output
			}
		}

		if v.projectionChan != nil {
			select {
			case v.projectionChan <- output:
			default:
				if v.metrics != nil {
					v.metrics.ProjectionDrops.Inc()
				}
			}
		}
	}
}

func (v *Venue) drainBatches() []*ledger.Batch {
	if bs, ok := v.custody.(batchSource); ok {
		return bs.Drain()
	}
	return nil
}

func (v *Venue) observePool(oc *opContext) {
	v.metrics.LiquidityUsd.Set(float64(v.pool.TotalLiquidityUsd))
	v.metrics.OpenInterestUsd.WithLabelValues("long").Set(float64(v.oi.Long.UsdTotal))
	v.metrics.OpenInterestUsd.WithLabelValues("short").Set(float64(v.oi.Short.UsdTotal))
	if !oc.priced {
		return
	}
	if avail, err := state.AvailableLiquidity(v.pool, &v.oi, oc.snap, v.market); err == nil {
		v.metrics.AvailableUsd.Set(float64(avail))
	}
	if pnl, err := state.TotalPnL(&v.oi, oc.snap.Index.Value, v.market.Index.Decimals); err == nil {
		if nv, err := state.NetValue(v.pool.TotalLiquidityUsd, pnl); err == nil {
			v.metrics.NetValueUsd.Set(float64(nv))
		}
	}
}

// --- Halt ---

func (v *Venue) haltInsolvent(err error) {
	if v.metrics != nil && !v.halted.Load() {
		v.metrics.Insolvency.Inc()
	}
	v.halt(err.Error())
}

// halt stops all further mutations. Safe under either lock.
func (v *Venue) halt(reason string) {
	if !v.halted.CompareAndSwap(false, true) {
		return
	}
	v.haltReason.Store(reason)

	v.logger.Error().
		Bool("fatal", true).
		Str("reason", reason).
		Msg("venue halted")

	if v.metrics != nil {
		v.metrics.Halted.Set(1)
	}
	if v.onHalt != nil {
		v.onHalt(reason)
	}
}

// Halted reports whether mutations are refused.
func (v *Venue) Halted() bool {
	return v.halted.Load()
}

func (v *Venue) HaltReason() string {
	r, _ := v.haltReason.Load().(string)
	return r
}

// --- State digest ---

// stateDigest creates canonical bytes for the state hash: pool and open
// interest totals plus the records the event touched.
func (v *Venue) stateDigest(evt event.Event) []byte {
	digest := make([]byte, 0, 192)

	digest = appendInt64LE(digest, v.pool.TotalLiquidityUsd)
	totalShares := v.pool.TotalShares().Bytes32()
	digest = append(digest, totalShares[:]...)
	digest = appendInt64LE(digest, v.oi.Long.UsdTotal)
	digest = appendInt64LE(digest, v.oi.Long.TokenTotal)
	digest = appendInt64LE(digest, v.oi.Short.UsdTotal)
	digest = appendInt64LE(digest, v.oi.Short.TokenTotal)

	switch e := evt.(type) {
	case *event.LiquidityDeposited:
		digest = v.appendShares(digest, e.Provider)
	case *event.LiquidityWithdrawn:
		digest = v.appendShares(digest, e.Provider)
	case *event.PositionOpened:
		digest = v.appendPosition(digest, e.Trader, e.Index)
	case *event.PositionIncreased:
		digest = v.appendPosition(digest, e.Trader, e.Index)
	case *event.PositionClosed:
		digest = v.appendPosition(digest, e.Trader, e.Index)
	case *event.WalletFunded:
		digest = append(digest, e.Account[:]...)
		if cs, ok := v.custody.(custodyState); ok {
			digest = appendInt64LE(digest, cs.WalletBalance(e.Account))
		}
	}

	return digest
}

func (v *Venue) appendShares(digest []byte, provider uuid.UUID) []byte {
	digest = append(digest, provider[:]...)
	bal := v.pool.SharesOf(provider).Bytes32()
	return append(digest, bal[:]...)
}

func (v *Venue) appendPosition(digest []byte, trader uuid.UUID, index int) []byte {
	pos, err := v.book.Get(trader, index)
	if err != nil {
		return digest
	}
	return append(digest, pos.CanonicalBytes()...)
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
