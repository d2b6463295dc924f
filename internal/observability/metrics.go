package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
// Every field is safe to use from any goroutine; a nil *Metrics disables recording
// for callers that check it.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied *prometheus.CounterVec
	CoreEventDuration *prometheus.HistogramVec
	CoreJournals      *prometheus.CounterVec
	CoreSequence      *prometheus.GaugeVec

	// --- Orders ---
	OrdersAdmitted  *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	OpenInterest    *prometheus.GaugeVec

	// --- Funding ---
	FundingApplied *prometheus.CounterVec
	FundingRate    *prometheus.GaugeVec
	FundingPaid    *prometheus.CounterVec
	FundingResidue *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations         *prometheus.CounterVec
	LiquidationShortfall *prometheus.CounterVec
	InsuranceCovered     prometheus.Counter
	InsuranceUncovered   prometheus.Counter
	InsuranceBalance     prometheus.Gauge

	// --- Fees ---
	FeesCollected *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	StreamDrops        prometheus.Counter
	StreamClients      prometheus.Gauge

	// --- Ingestion ---
	CommandsReceived  *prometheus.CounterVec
	CommandDuplicates *prometheus.CounterVec
	CommandErrors     *prometheus.CounterVec
	PriceUpdates      *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	ReplayEventsTotal prometheus.Counter

	// --- Keeper ---
	KeeperTickDuration *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg; tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_events_applied_total",
			Help: "Events applied by the core",
		}, []string{"market", "event_type"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Last sequence number per market",
		}, []string{"market"}),

		// Orders
		OrdersAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_orders_admitted_total",
			Help: "Orders that opened a position",
		}, []string{"market", "side"}),

		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_orders_rejected_total",
			Help: "Orders rejected by validation",
		}, []string{"market", "reason"}),

		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_positions_closed_total",
			Help: "Trader-initiated closes",
		}, []string{"market", "kind"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_interest",
			Help: "Aggregate open size per side",
		}, []string{"market", "side"}),

		// Funding
		FundingApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_applied_total",
			Help: "Funding intervals applied",
		}, []string{"market"}),

		FundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_funding_rate",
			Help: "Last applied funding rate (scale 1e8)",
		}, []string{"market"}),

		FundingPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_paid_total",
			Help: "Total funding paid by the paying side",
		}, []string{"market"}),

		FundingResidue: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_residue_total",
			Help: "Funding rounding residue routed to the fee sink",
		}, []string{"market"}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Liquidated positions",
		}, []string{"market", "trigger", "outcome"}),

		LiquidationShortfall: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidation_shortfall_total",
			Help: "Bad debt reported by liquidations",
		}, []string{"market"}),

		InsuranceCovered: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_insurance_covered_total",
			Help: "Shortfall covered by the insurance fund",
		}),

		InsuranceUncovered: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_insurance_uncovered_total",
			Help: "Shortfall the insurance fund could not cover",
		}),

		InsuranceBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_insurance_fund_balance",
			Help: "Insurance fund balance",
		}),

		// Fees
		FeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_fees_collected_total",
			Help: "Fees credited to the fee sink",
		}, []string{"market", "kind"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization_ratio",
			Help: "size / capacity",
		}, []string{"channel"}),

		StreamDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_stream_drops_total",
			Help: "Outputs dropped because the stream channel was full",
		}),

		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_stream_clients",
			Help: "Connected websocket clients",
		}),

		// Ingestion
		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_commands_received_total",
			Help: "Commands received from NATS",
		}, []string{"command"}),

		CommandDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_command_duplicates_total",
			Help: "Commands skipped as duplicates",
		}, []string{"command", "tier"}),

		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_command_errors_total",
			Help: "Commands that failed parsing or were rejected",
		}, []string{"command", "reason"}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_price_updates_total",
			Help: "Price updates by outcome",
		}, []string{"market", "outcome"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch commit time",
			Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Market snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// Keeper
		KeeperTickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_keeper_tick_duration_seconds",
			Help:    "Funding and liquidation sweep time per market",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"market"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "HTTP requests",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
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
