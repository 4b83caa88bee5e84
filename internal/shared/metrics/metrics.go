package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loanmatch"

var (
	// DocumentsProcessed counts document processing outcomes.
	// Labels: kind (lender, application), status (completed, failed, skipped)
	DocumentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_processed_total",
			Help:      "Total document processing invocations by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	// DocumentProcessingDuration tracks end-to-end processing time of one document.
	DocumentProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "document_processing_duration_seconds",
			Help:      "Duration of document extraction and structuring in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	// MatchUnits counts settled match units.
	// Labels: status (completed, failed, skipped, orphaned)
	MatchUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_units_total",
			Help:      "Total match units by final outcome",
		},
		[]string{"status"},
	)

	// MatchUnitDuration tracks one unit from claim to terminal state.
	MatchUnitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_unit_duration_seconds",
			Help:      "Duration of a single application/lender scoring unit in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// MatchUnitsInFlight is the number of units currently scoring.
	MatchUnitsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "match_units_in_flight",
			Help:      "Number of match units currently executing",
		},
	)

	// MatchRuns counts finalized matching runs.
	// Labels: outcome (completed, failed, skipped)
	MatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_runs_total",
			Help:      "Total matching runs by aggregate outcome",
		},
		[]string{"outcome"},
	)

	// CollaboratorRetries counts retry attempts against external collaborators.
	// Labels: operation (structure, score)
	CollaboratorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_retries_total",
			Help:      "Total retries of external collaborator calls",
		},
		[]string{"operation"},
	)

	// HTTPRequests counts served API requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency per route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// QueueMessages counts worker message outcomes.
	// Labels: outcome (processed, failed, invalid)
	QueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Queue messages handled by the worker",
		},
		[]string{"event", "outcome"},
	)
)

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// IncQueueMessage records how the worker handled one message.
func IncQueueMessage(event, outcome string) {
	if event == "" {
		event = "unknown"
	}
	QueueMessages.WithLabelValues(event, outcome).Inc()
}

// ObserveDocument records one processing outcome for a document kind.
func ObserveDocument(kind, status string, elapsed time.Duration) {
	DocumentsProcessed.WithLabelValues(kind, status).Inc()
	if status != "skipped" {
		DocumentProcessingDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// ObserveMatchUnit records one settled unit.
func ObserveMatchUnit(status string, elapsed time.Duration) {
	MatchUnits.WithLabelValues(status).Inc()
	MatchUnitDuration.Observe(elapsed.Seconds())
}

// IncMatchRun records a finalized run.
func IncMatchRun(outcome string) {
	MatchRuns.WithLabelValues(outcome).Inc()
}

// IncRetry records one retry of the named collaborator operation.
func IncRetry(operation string) {
	CollaboratorRetries.WithLabelValues(operation).Inc()
}

// Handler exposes the default registry in Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
