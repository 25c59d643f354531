// Package observability wires Prometheus metrics, OpenTelemetry tracing
// spans, and zap logger construction around the durable-core subsystems.
// Grounded on the teacher's observability.Metrics (one constructor, a
// family of Record* methods called from call sites) but re-platformed
// from CloudWatch PutMetricData onto github.com/prometheus/client_golang,
// since this module has no AWS account to publish into and the rest of
// the example pack (cuemby-warren) instruments with client_golang
// directly.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the durable core registers.
// A single instance is constructed once at startup and threaded through
// every subsystem, mirroring the teacher's one-Metrics-instance-per-app
// convention.
type Metrics struct {
	LockWaitSeconds    prometheus.Histogram
	LockSteals         prometheus.Counter
	WALRecoveries       prometheus.Counter
	WALIntegrityErrors  prometheus.Counter
	AuditAppends        prometheus.Counter
	AuditVerifyFailures prometheus.Counter
	LedgerSeq           prometheus.Gauge
	LedgerDuplicates    prometheus.Counter
	BreakerState        *prometheus.GaugeVec
	BreakerRejections   *prometheus.CounterVec
	RetryAttempts       *prometheus.CounterVec
	DLQDepth            prometheus.Gauge
	DLQReplays          *prometheus.CounterVec
	RunDurationSeconds  prometheus.Histogram
	HealthStatus        *prometheus.GaugeVec
}

// NewMetrics constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeflow_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the single-writer lock.",
			Buckets: prometheus.DefBuckets,
		}),
		LockSteals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeflow_lock_steals_total",
			Help: "Number of times a stale lock was stolen.",
		}),
		WALRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeflow_wal_recoveries_total",
			Help: "Number of WAL recovery passes run at startup.",
		}),
		WALIntegrityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeflow_wal_integrity_errors_total",
			Help: "Number of WAL/shadow integrity mismatches detected.",
		}),
		AuditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeflow_audit_appends_total",
			Help: "Number of entries appended to the audit chain.",
		}),
		AuditVerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeflow_audit_verify_failures_total",
			Help: "Number of audit chain verification failures detected.",
		}),
		LedgerSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeflow_ledger_seq",
			Help: "Current monotonic sequence number of the event ledger.",
		}),
		LedgerDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeflow_ledger_duplicates_total",
			Help: "Number of idempotent duplicate appends rejected by the event ledger.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forgeflow_breaker_state",
			Help: "Circuit breaker state per target: 0=closed, 1=half-open, 2=open.",
		}, []string{"target"}),
		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeflow_breaker_rejections_total",
			Help: "Number of calls rejected by an open circuit breaker, per target.",
		}, []string{"target"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeflow_retry_attempts_total",
			Help: "Number of retry attempts made, per operation.",
		}, []string{"operation"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeflow_dlq_depth",
			Help: "Current number of unresolved dead-letter entries.",
		}),
		DLQReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeflow_dlq_replays_total",
			Help: "Number of dead-letter replay attempts, by outcome.",
		}, []string{"outcome"}),
		RunDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeflow_run_duration_seconds",
			Help:    "Wall-clock duration of a completed run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forgeflow_health_status",
			Help: "Health status per target: 0=unknown, 1=healthy, 2=degraded, 3=unhealthy.",
		}, []string{"target"}),
	}

	reg.MustRegister(
		m.LockWaitSeconds, m.LockSteals, m.WALRecoveries, m.WALIntegrityErrors,
		m.AuditAppends, m.AuditVerifyFailures, m.LedgerSeq, m.LedgerDuplicates,
		m.BreakerState, m.BreakerRejections, m.RetryAttempts,
		m.DLQDepth, m.DLQReplays, m.RunDurationSeconds, m.HealthStatus,
	)
	return m
}

// ObserveLockWait records the time spent in Lock.Acquire.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.Observe(d.Seconds())
}

// ObserveRunDuration records a finished run's wall-clock duration.
func (m *Metrics) ObserveRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RunDurationSeconds.Observe(d.Seconds())
}

// BreakerStateValue maps gobreaker's textual state to the numeric gauge
// value the forgeflow_breaker_state metric exposes.
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// HealthStatusValue maps a healthcheck.Status string to its gauge value.
func HealthStatusValue(status string) float64 {
	switch status {
	case "HEALTHY":
		return 1
	case "DEGRADED":
		return 2
	case "UNHEALTHY":
		return 3
	default:
		return 0
	}
}
