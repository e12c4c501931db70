// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsort_stage_duration_seconds",
			Help:    "Duration of a single pipeline stage in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	stageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsort_stage_failures_total",
			Help: "Total number of failed pipeline stages",
		},
		[]string{"stage", "kind"},
	)

	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsort_documents_total",
			Help: "Total number of documents reaching a final state",
		},
		[]string{"state"}, // state: Stored, Failed, Deleted
	)

	reviewFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsort_review_flags_total",
			Help: "Total number of review flags raised",
		},
		[]string{"flag"},
	)

	searchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsort_search_requests_total",
			Help: "Total number of search requests",
		},
		[]string{"status"}, // status: ok, invalid, inconsistent, error
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsort_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsort_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsort_upload_size_bytes",
			Help:    "Size of uploaded captures in bytes",
			Buckets: []float64{10 * 1024, 100 * 1024, 1024 * 1024, 5 * 1024 * 1024, 20 * 1024 * 1024, 50 * 1024 * 1024},
		},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsort_rate_limit_hits_total",
			Help: "Uploads rejected by the rate limiter",
		},
		[]string{"type"}, // minute, day, data
	)

	// WebSocket metrics
	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsort_websocket_active_connections",
			Help: "Number of active event stream connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsort_websocket_messages_sent_total",
			Help: "Total number of event messages sent",
		},
	)
)

func StageDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func StageFailure(stage, kind string) { stageFailures.WithLabelValues(stage, kind).Inc() }

func Document(state string) { documentsTotal.WithLabelValues(state).Inc() }

func ReviewFlag(flag string) { reviewFlags.WithLabelValues(flag).Inc() }

func Search(status string) { searchRequests.WithLabelValues(status).Inc() }

// HTTPRequest records one served request. endpoint should be the route
// pattern, not the raw path, to keep label cardinality bounded.
func HTTPRequest(method, endpoint string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, statusClass(status)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

func Upload(size int64) { uploadSizeBytes.Observe(float64(size)) }

func RateLimited(kind string) { rateLimitHits.WithLabelValues(kind).Inc() }

func WebsocketConnected()    { websocketConnections.Inc() }
func WebsocketDisconnected() { websocketConnections.Dec() }
func WebsocketMessageSent()  { websocketMessagesTotal.Inc() }

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
