package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submission metrics
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_submissions_total",
			Help: "Total number of chat submissions",
		},
		[]string{"status"},
	)

	streamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatstream_stream_duration_seconds",
			Help:    "Duration of one submission's stream from open to close",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Packet metrics
	packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_packets_total",
			Help: "Total number of protocol packets received",
		},
		[]string{"kind"},
	)

	// History metrics
	historyOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_history_operations_total",
			Help: "Total number of history store operations",
		},
		[]string{"operation", "status"},
	)

	// Session metrics
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatstream_active_streams",
			Help: "Number of streams currently in flight",
		},
	)

	residentSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatstream_resident_sessions",
			Help: "Number of sessions resident in the store",
		},
	)

	abortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstream_aborts_total",
			Help: "Total number of user-initiated stream aborts",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the metric set. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			submissionsTotal,
			streamDuration,
			packetsTotal,
			historyOpsTotal,
			activeStreams,
			residentSessions,
			abortsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSubmission records one finished submission.
func RecordSubmission(status string, duration time.Duration) {
	submissionsTotal.WithLabelValues(status).Inc()
	streamDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPacket records one received packet.
func RecordPacket(kind string) {
	packetsTotal.WithLabelValues(kind).Inc()
}

// RecordHistoryOp records one history store operation.
func RecordHistoryOp(operation, status string) {
	historyOpsTotal.WithLabelValues(operation, status).Inc()
}

// StreamStarted and StreamFinished track the in-flight stream gauge.
func StreamStarted()  { activeStreams.Inc() }
func StreamFinished() { activeStreams.Dec() }

// SetResidentSessions sets the resident session gauge.
func SetResidentSessions(count int) {
	residentSessions.Set(float64(count))
}

// RecordAbort records one user-initiated abort.
func RecordAbort() { abortsTotal.Inc() }
