package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// --- Pipeline ---
	MessagesConsumed     *prometheus.CounterVec
	MessagesRejected     *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	Redeliveries         *prometheus.CounterVec
	BinSize              prometheus.Histogram
	BinDuration          *prometheus.HistogramVec
	ChannelSize          *prometheus.GaugeVec

	// --- Duplicate check ---
	DuplicateResults       *prometheus.CounterVec
	DuplicateLRUSize       prometheus.Gauge
	DuplicateLRUEvictions  prometheus.Counter
	DuplicateStoreDuration prometheus.Histogram

	// --- State and positions ---
	StateChanges *prometheus.CounterVec
	LimitAlarms  *prometheus.CounterVec

	// --- Persistence ---
	FlushDuration          prometheus.Histogram
	FlushErrors            *prometheus.CounterVec
	FlushRetry             prometheus.Counter
	StateChangesWritten    prometheus.Counter
	PositionChangesWritten prometheus.Counter

	// --- Publishing ---
	Published     *prometheus.CounterVec
	OutboxPending prometheus.Gauge

	// --- Timeouts ---
	TimeoutSweeps  prometheus.Counter
	TimeoutsMarked *prometheus.CounterVec

	// --- Admin reconciliation ---
	ReconciliationRequests *prometheus.CounterVec

	// --- Participant cache ---
	CacheLookups *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics with reg. Pass prometheus.DefaultRegisterer
// in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_messages_consumed_total",
			Help: "Messages consumed from the log",
		}, []string{"topic", "action"}),
		MessagesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_messages_rejected_total",
			Help: "Messages answered with an error notification",
		}, []string{"action", "code"}),
		NotificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_notifications_dropped_total",
			Help: "Bin items that produced no outcome message",
		}, []string{"action", "reason"}),
		Redeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_redeliveries_total",
			Help: "Messages seen again after a previous delivery",
		}, []string{"partition"}),
		BinSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cl_bin_size",
			Help:    "Items per processed bin",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
		BinDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cl_bin_duration_seconds",
			Help:    "Time to process one bin, excluding persistence",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"action"}),
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cl_channel_size",
			Help: "Current number of items buffered in a channel",
		}, []string{"channel"}),

		DuplicateResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_duplicate_check_total",
			Help: "Duplicate check outcomes",
		}, []string{"kind", "outcome"}),
		DuplicateLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cl_duplicate_lru_size",
			Help: "Entries in the duplicate check LRU",
		}),
		DuplicateLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "cl_duplicate_lru_evictions_total",
			Help: "Entries evicted from the duplicate check LRU",
		}),
		DuplicateStoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cl_duplicate_store_duration_seconds",
			Help:    "Latency of duplicate check store lookups",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		StateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_state_changes_total",
			Help: "Transfer state changes produced",
		}, []string{"kind", "state"}),
		LimitAlarms: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_limit_alarms_total",
			Help: "Positions that crossed the limit alarm threshold",
		}, []string{"currency"}),

		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cl_flush_duration_seconds",
			Help:    "Time to persist one bin",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		FlushErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_flush_errors_total",
			Help: "Bin persistence failures by stage",
		}, []string{"stage"}),
		FlushRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cl_flush_retries_total",
			Help: "Bin persistence retries",
		}),
		StateChangesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cl_state_changes_written_total",
			Help: "State change rows written",
		}),
		PositionChangesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cl_position_changes_written_total",
			Help: "Position change rows written",
		}),

		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_published_total",
			Help: "Outbound messages published",
		}, []string{"transport", "status"}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "cl_outbox_pending",
			Help: "Outbox rows waiting to be relayed",
		}),

		TimeoutSweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "cl_timeout_sweeps_total",
			Help: "Timeout sweeps run",
		}),
		TimeoutsMarked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_timeouts_marked_total",
			Help: "Transfers marked by the timeout sweeper",
		}, []string{"state"}),

		ReconciliationRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_reconciliation_requests_total",
			Help: "Admin reconciliation requests",
		}, []string{"action", "status"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_cache_lookups_total",
			Help: "Participant cache lookups by tier",
		}, []string{"tier"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cl_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cl_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
