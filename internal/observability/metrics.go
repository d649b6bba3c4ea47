package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the venue.
type Metrics struct {
	// --- Venue operations ---
	OpsApplied   *prometheus.CounterVec
	OpsRejected  *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	Rollbacks    *prometheus.CounterVec
	Insolvency   prometheus.Counter
	Halted       prometheus.Gauge
	Sequence     prometheus.Gauge
	StateHashDur prometheus.Histogram

	// --- Pool state ---
	LiquidityUsd     prometheus.Gauge
	AvailableUsd     prometheus.Gauge
	NetValueUsd      prometheus.Gauge
	OpenInterestUsd  *prometheus.GaugeVec
	PositionsOpened  *prometheus.CounterVec
	PositionsClosed  *prometheus.CounterVec
	PriceStaleErrors *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	PriceUpdates          *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionErrors    *prometheus.CounterVec

	// --- Outbound ---
	PublishedEvents *prometheus.CounterVec
	WSClients       prometheus.Gauge
	WSBroadcasts    prometheus.Counter

	// --- API ---
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryCacheHits *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Venue operations
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_ops_applied_total",
			Help: "Venue operations applied",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_ops_rejected_total",
			Help: "Venue operations rejected (precondition, duplicate, stale price, halted)",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpvault_op_duration_seconds",
			Help:    "Time to apply one venue operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_rollbacks_total",
			Help: "Operations undone after mutation (reserve post-check or custody failure)",
		}, []string{"op"}),

		Insolvency: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_insolvency_total",
			Help: "Insolvent pool detections",
		}),

		Halted: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_halted",
			Help: "1 if the venue refuses mutations",
		}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_sequence",
			Help: "Next event sequence number",
		}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpvault_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		// Pool state
		LiquidityUsd: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_pool_liquidity_usd",
			Help: "Total liquidity at book value (USD)",
		}),

		AvailableUsd: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_pool_available_usd",
			Help: "Available liquidity at the last operation's snapshot (USD)",
		}),

		NetValueUsd: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_pool_net_value_usd",
			Help: "Pool net value at the last operation's snapshot (USD)",
		}),

		OpenInterestUsd: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpvault_open_interest_usd",
			Help: "Open interest at opening prices (USD)",
		}, []string{"direction"}),

		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_positions_opened_total",
			Help: "Positions opened",
		}, []string{"direction"}),

		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_positions_closed_total",
			Help: "Positions closed",
		}, []string{"direction"}),

		PriceStaleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_price_stale_total",
			Help: "Operations failed on a stale price",
		}, []string{"op"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpvault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpvault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpvault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_persist_backpressure_total",
			Help: "Times the venue blocked on the persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_dedup_tier2_errors_total",
			Help: "Postgres dedup lookup failures",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_event_sequence_gap_total",
			Help: "Sequence gaps seen on replay or price feeds",
		}, []string{"partition"}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_price_updates_total",
			Help: "Oracle readings received",
		}, []string{"asset", "result"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpvault_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpvault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpvault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpvault_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: dbBuckets,
		}, []string{"projection"}),

		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_projection_errors_total",
			Help: "Projection update failures",
		}, []string{"projection"}),

		// Outbound
		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_published_events_total",
			Help: "Events published to NATS",
		}, []string{"event_type"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpvault_ws_clients",
			Help: "Connected websocket clients",
		}),

		WSBroadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "perpvault_ws_broadcasts_total",
			Help: "Messages broadcast to websocket clients",
		}),

		// API
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_http_requests_total",
			Help: "HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpvault_http_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method", "route"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_query_requests_total",
			Help: "Read-model query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpvault_query_duration_seconds",
			Help:    "Read-model query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpvault_query_cache_total",
			Help: "Redis cache lookups by result",
		}, []string{"endpoint", "result"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
