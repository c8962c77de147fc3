// Package metrics provides Prometheus metrics for artilock operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artilock_http_requests_total",
			Help: "Total number of diagnostics HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "artilock_http_request_duration_seconds",
			Help:    "Diagnostics HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Named lock metrics
	NamedLockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artilock_named_lock_acquisitions_total",
			Help: "Total number of named lock acquisition attempts",
		},
		[]string{"backend", "mode", "result"}, // mode: "shared", "exclusive"; result: see Result* constants
	)

	NamedLockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "artilock_named_lock_wait_duration_seconds",
			Help:    "Time spent waiting on the backing lock primitive in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "mode"},
	)

	NamedLocksInterned = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "artilock_named_locks_interned",
			Help: "Number of named locks currently held in factory tables",
		},
		[]string{"backend"},
	)

	NamedLockLeaksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artilock_named_lock_leaks_total",
			Help: "Total number of named locks found referenced at factory shutdown",
		},
		[]string{"backend"},
	)

	// Distributed backend metrics
	BackendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artilock_backend_operations_total",
			Help: "Total number of operations against external lock services",
		},
		[]string{"backend", "operation", "status"}, // operation: "acquire", "release", "renew"; status: "success", "timeout", "failure"
	)

	// Sync context metrics
	SyncContextAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artilock_sync_context_acquisitions_total",
			Help: "Total number of sync context acquire calls",
		},
		[]string{"shared", "status"},
	)

	SyncContextAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "artilock_sync_context_acquire_duration_seconds",
			Help:    "Sync context acquire duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shared"},
	)

	// Locks held by open sync contexts
	SyncContextLocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "artilock_sync_context_locks_held",
			Help: "Number of named locks currently held by open sync contexts",
		},
	)
)

// Acquisition results recorded in NamedLockAcquisitionsTotal.
const (
	ResultAcquired        = "acquired"
	ResultReentered       = "reentered"
	ResultTimeout         = "timeout"
	ResultInterrupted     = "interrupted"
	ResultUpgradeRejected = "upgrade_rejected"
	ResultError           = "error"
)

// Mode returns the metric label for a lock mode.
func Mode(shared bool) string {
	if shared {
		return "shared"
	}
	return "exclusive"
}
