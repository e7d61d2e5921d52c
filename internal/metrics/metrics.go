// Package metrics provides Prometheus metrics for the app engine service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsCreated counts created task runs.
	RunsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "runs_created_total",
			Help:      "Total number of task runs created",
		},
	)

	// ProvisionsTotal counts provisions by parameter kind and result.
	ProvisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "provisions_total",
			Help:      "Total number of input provisions",
		},
		[]string{"kind", "result"}, // result: accepted, rejected
	)

	// StateTransitions counts committed run state transitions.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "state_transitions_total",
			Help:      "Total number of run state transitions",
		},
		[]string{"from", "to"},
	)

	// IngestionsTotal counts output archive ingestions by result.
	IngestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "ingestions_total",
			Help:      "Total number of output ingestions",
		},
		[]string{"result"}, // finished, failed, rejected
	)

	// IngestionDuration tracks output ingestion duration.
	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "ingestion_duration_seconds",
			Help:      "Output ingestion duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	// ChecksumFailures counts stored files whose content no longer matches the
	// recorded CRC32.
	ChecksumFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "checksum_failures_total",
			Help:      "Total number of checksum verification failures",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// K8sJobsTotal counts K8s jobs by status.
	K8sJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "k8s_jobs_total",
			Help:      "Total number of K8s jobs created",
		},
		[]string{"status"},
	)

	// RunStoreOperations counts runstore operations.
	RunStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appengine",
			Name:      "runstore_operations_total",
			Help:      "Total number of runstore operations",
		},
		[]string{"operation", "result"}, // operation: create, commit, nodes; result: success, error, conflict
	)
)
