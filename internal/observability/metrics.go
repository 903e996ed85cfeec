package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CityLedger.
type Metrics struct {
	// --- Engine ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	EngineSequence   prometheus.Gauge
	TicksApplied     *prometheus.CounterVec
	TickDuration     prometheus.Histogram

	// --- Market ---
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	TradesSettled   *prometheus.CounterVec
	TradeVolume     *prometheus.CounterVec
	TaxCollected    prometheus.Counter
	FeesCollected   prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	OutboundDrops       prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	TickSequenceGap       *prometheus.CounterVec
	TickOutOfOrder        *prometheus.CounterVec

	// --- Persistence ---
	PersistRowsWritten  *prometheus.CounterVec
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- Projections ---
	ProjectionLastSequence prometheus.Gauge
	ProjectionErrors       prometheus.Counter

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestRejected *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"command_type"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_commands_rejected_total",
			Help: "Commands rejected (duplicate, validation, conflict)",
		}, []string{"command_type", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "city_command_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "city_engine_sequence",
			Help: "Current global apply sequence number",
		}),

		TicksApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_ticks_applied_total",
			Help: "Simulation ticks applied per city",
		}, []string{"city_id"}),

		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "city_tick_duration_seconds",
			Help:    "Time to apply one tick to one city",
			Buckets: latencyBuckets,
		}),

		// Market
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_orders_placed_total",
			Help: "Limit orders accepted into a book",
		}, []string{"resource", "side"}),

		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_orders_cancelled_total",
			Help: "Resting orders cancelled by their owner",
		}, []string{"resource"}),

		TradesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_trades_settled_total",
			Help: "Matches settled against the balance store",
		}, []string{"resource"}),

		TradeVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_trade_volume_units_total",
			Help: "Units of resource traded",
		}, []string{"resource"}),

		TaxCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "city_tax_collected_micro_total",
			Help: "Tax routed to council treasuries, micro-coins",
		}),

		FeesCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "city_fees_collected_micro_total",
			Help: "Market fees absorbed by the sink, micro-coins",
		}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "city_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "city_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		OutboundDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "city_outbound_drops_total",
			Help: "Outputs dropped due to full outbound channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "city_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "city_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "city_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		TickSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_tick_sequence_gap_total",
			Help: "World tick gaps detected",
		}, []string{"partition"}),

		TickOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_tick_out_of_order_total",
			Help: "Out-of-order tick rejections",
		}, []string{"partition"}),

		// Persistence
		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "city_persist_batch_size",
			Help:    "Outputs per persisted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "city_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_persist_errors_total",
			Help: "Postgres write errors by kind",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "city_persist_retry_total",
			Help: "Batch write retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "city_persist_last_sequence",
			Help: "Highest apply sequence durably written",
		}),

		// Projections
		ProjectionLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "city_projection_last_sequence",
			Help: "Highest apply sequence reflected in the market stats read model",
		}),

		ProjectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "city_projection_errors_total",
			Help: "Market stats updates that failed and were skipped",
		}),

		// Ingestion
		IngestReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_ingest_received_total",
			Help: "Messages received from NATS by subject class",
		}, []string{"subject"}),

		IngestRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_ingest_rejected_total",
			Help: "Messages rejected before reaching the engine",
		}, []string{"subject", "reason"}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "city_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "city_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "kind"}),
	}
}
