package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTP-facing metrics, shared by the Ingestor and Admin API.

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mutt",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route, method and status.",
	},
	[]string{"route", "method", "status"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "mutt",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"route", "method"},
)

// Ingestor.

var IngestRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mutt",
		Subsystem: "ingest",
		Name:      "requests_total",
		Help:      "Total ingest requests by outcome status and reason.",
	},
	[]string{"status", "reason"},
)

var IngestAcceptDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "mutt",
		Subsystem: "ingest",
		Name:      "accept_duration_seconds",
		Help:      "Time to validate and enqueue an accepted event.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	},
)

// Queue depths, polled by each worker before/after its own cycle.

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "mutt",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current depth of a named queue or DLQ.",
	},
	[]string{"queue"},
)

// Classifier.

var ClassifyEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mutt",
		Subsystem: "classify",
		Name:      "events_total",
		Help:      "Total events processed by the classifier, by outcome.",
	},
	[]string{"outcome"},
)

var ClassifyShedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mutt",
		Subsystem: "classify",
		Name:      "shed_total",
		Help:      "Total events shed under backpressure, by mode.",
	},
	[]string{"mode"},
)

var UnhandledEventsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mutt",
		Subsystem: "classify",
		Name:      "unhandled_events_total",
		Help:      "Total events matching no rule.",
	},
)

// Deliverer.

var DeliveryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mutt",
		Subsystem: "deliver",
		Name:      "attempts_total",
		Help:      "Total delivery attempts to the downstream webhook, by outcome.",
	},
	[]string{"outcome"},
)

var CircuitBreakerState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mutt",
		Subsystem: "deliver",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0=closed, 1=open, 2=half_open.",
	},
)

var RateLimitOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mutt",
		Subsystem: "deliver",
		Name:      "rate_limit_outcomes_total",
		Help:      "Total rate limiter decisions, by outcome.",
	},
	[]string{"outcome"},
)

// Remediator.

var RemediationReplaysTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mutt",
		Subsystem: "remediate",
		Name:      "replays_total",
		Help:      "Total DLQ replay attempts, by source queue and outcome.",
	},
	[]string{"source", "outcome"},
)

// All returns every MUTT metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestsTotal,
		HTTPRequestDuration,
		IngestRequestsTotal,
		IngestAcceptDuration,
		QueueDepth,
		ClassifyEventsTotal,
		ClassifyShedTotal,
		UnhandledEventsTotal,
		DeliveryAttemptsTotal,
		CircuitBreakerState,
		RateLimitOutcomesTotal,
		RemediationReplaysTotal,
	}
}
