package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cycle metrics
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_cycles_total",
			Help: "Total number of reindex cycles by outcome",
		},
		[]string{"outcome"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_cycle_duration_seconds",
			Help:    "Duration of a full reindex cycle in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	FullReindexTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_full_reindex_total",
			Help: "Total number of cycles widened to a full reindex",
		},
	)

	InvalidatedUUIDs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_invalidated_uuids",
			Help:    "Size of the invalidation set per cycle",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	TxnLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_txn_lag_seconds",
			Help: "Lag between the earliest unprocessed transaction and now",
		},
	)

	// Document metrics
	DocumentsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_documents_indexed_total",
			Help: "Total number of documents successfully written to the search store",
		},
	)

	VersionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_version_conflicts_total",
			Help: "Total number of writes skipped because a newer version already exists",
		},
	)

	IndexingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_indexing_errors_total",
			Help: "Total number of per-uuid indexing errors by kind",
		},
		[]string{"kind"},
	)

	WriteRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_write_retries_total",
			Help: "Total number of retried search-store writes",
		},
	)

	RenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_render_duration_seconds",
			Help:    "Time taken to render a document via the embed endpoint in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_write_duration_seconds",
			Help:    "Time taken to write a document to the search store in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_queue_depth",
			Help: "Number of uuids currently loaded and not yet settled",
		},
	)

	QueueFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_queue_failovers_total",
			Help: "Total number of one-way failovers to the in-process queue backend",
		},
	)

	// Snapshot metrics
	SnapshotBindDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_snapshot_bind_duration_seconds",
			Help:    "Time a worker waited to bind to the exported snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(FullReindexTotal)
	prometheus.MustRegister(InvalidatedUUIDs)
	prometheus.MustRegister(TxnLag)
	prometheus.MustRegister(DocumentsIndexed)
	prometheus.MustRegister(VersionConflicts)
	prometheus.MustRegister(IndexingErrors)
	prometheus.MustRegister(WriteRetries)
	prometheus.MustRegister(RenderDuration)
	prometheus.MustRegister(WriteDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueFailovers)
	prometheus.MustRegister(SnapshotBindDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
