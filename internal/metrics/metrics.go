// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "errwatch"

// Analysis outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeTimeout     = "timeout"
)

// Ingest outcome labels.
const (
	IngestAccepted  = "accepted"
	IngestThrottled = "throttled"
	IngestInvalid   = "invalid"
	IngestFailed    = "failed"
)

// UnknownLabel stands in for a service or severity the request did not name.
const UnknownLabel = "unknown"

var (
	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Error occurrences captured, partitioned by severity.",
		},
		[]string{"severity"},
	)

	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Reasoning calls, partitioned by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	analysisSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_seconds",
			Help:      "Reasoning call latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"operation"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Actions recorded by the worker, partitioned by type and status.",
		},
		[]string{"type", "status"},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_batches_total",
			Help:      "Worker batches run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	ingestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Error report submissions, partitioned by service, severity and outcome.",
		},
		[]string{"service", "severity", "outcome"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, partitioned by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit entries dropped because the queue was full.",
		},
	)

	auditFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries that failed to persist.",
		},
	)

	notifyDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_dropped_total",
			Help:      "Notifications dropped for slow subscribers, partitioned by kind.",
		},
		[]string{"kind"},
	)
)

// Register attaches errwatch collectors to reg. Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		reportsTotal,
		analysesTotal,
		analysisSeconds,
		actionsTotal,
		batchesTotal,
		ingestTotal,
		httpRequestsTotal,
		httpRequestSeconds,
		auditDroppedTotal,
		auditFailuresTotal,
		notifyDroppedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveReport counts one captured occurrence.
func ObserveReport(severity string) {
	reportsTotal.WithLabelValues(severity).Inc()
}

// ObserveAnalysis records a reasoning call duration and outcome.
func ObserveAnalysis(operation, outcome string, duration time.Duration) {
	analysesTotal.WithLabelValues(operation, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveAction counts one recorded action.
func ObserveAction(actionType, status string) {
	actionsTotal.WithLabelValues(actionType, status).Inc()
}

// ObserveBatch counts one worker batch.
func ObserveBatch(outcome string) {
	batchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveIngest counts one report submission. Empty service or severity
// values are recorded as UnknownLabel.
func ObserveIngest(service, severity, outcome string) {
	if service == "" {
		service = UnknownLabel
	}
	if severity == "" {
		severity = UnknownLabel
	}
	ingestTotal.WithLabelValues(service, severity, outcome).Inc()
}

// ObserveRequest records one served HTTP request.
func ObserveRequest(method, route string, status int, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// AuditDropped counts one dropped audit entry.
func AuditDropped() {
	auditDroppedTotal.Inc()
}

// AuditFailed counts one failed audit write.
func AuditFailed() {
	auditFailuresTotal.Inc()
}

// NotifyDropped counts one notification dropped for a slow subscriber.
func NotifyDropped(kind string) {
	notifyDroppedTotal.WithLabelValues(kind).Inc()
}
