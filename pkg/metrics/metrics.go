package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cidx_queue_depth",
			Help: "Number of jobs waiting in the durable queue",
		},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cidx_jobs_total",
			Help: "Number of known jobs by status",
		},
		[]string{"status"},
	)

	JobsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cidx_jobs_processed_total",
			Help: "Total number of jobs that reached a terminal status",
		},
	)

	// WAL metrics
	WALAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cidx_wal_appends_total",
			Help: "Total number of records appended to the queue WAL",
		},
	)

	WALCheckpoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cidx_wal_checkpoints_total",
			Help: "Total number of queue checkpoints written",
		},
	)

	WALSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cidx_wal_size_bytes",
			Help: "Current size of the queue WAL in bytes",
		},
	)

	// Lock metrics
	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cidx_locks_held",
			Help: "Number of repository locks currently held",
		},
	)

	LockConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cidx_lock_conflicts_total",
			Help: "Total number of lock acquisitions that found the repository held",
		},
	)

	WaitingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cidx_waiting_operations",
			Help: "Number of operations parked in waiting queues",
		},
	)

	// Callback metrics
	CallbackQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cidx_callback_queue_depth",
			Help: "Number of pending webhook callbacks",
		},
	)

	CallbackDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cidx_callback_deliveries_total",
			Help: "Total callback delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Sentinel metrics
	SentinelsByLiveness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cidx_sentinels_total",
			Help: "Number of job sentinels by liveness classification",
		},
		[]string{"liveness"},
	)

	// Orphan metrics
	OrphansCleaned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cidx_orphans_cleaned_total",
			Help: "Total orphaned resources removed by resource type",
		},
		[]string{"resource"},
	)

	// Recovery metrics
	RecoveryPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cidx_recovery_phase_duration_seconds",
			Help:    "Duration of each startup recovery phase in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	DegradedResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cidx_degraded_resources",
			Help: "Number of resources marked unavailable by degraded mode",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cidx_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cidx_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(WALAppends)
	prometheus.MustRegister(WALCheckpoints)
	prometheus.MustRegister(WALSizeBytes)
	prometheus.MustRegister(LocksHeld)
	prometheus.MustRegister(LockConflicts)
	prometheus.MustRegister(WaitingOperations)
	prometheus.MustRegister(CallbackQueueDepth)
	prometheus.MustRegister(CallbackDeliveries)
	prometheus.MustRegister(SentinelsByLiveness)
	prometheus.MustRegister(OrphansCleaned)
	prometheus.MustRegister(RecoveryPhaseDuration)
	prometheus.MustRegister(DegradedResources)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a labeled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
