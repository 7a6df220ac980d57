package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/stowage/interfaces"
)

const subsystem = "storage"

// StorageMetrics records what the composites do. All methods are safe to
// call on a nil receiver, so composites built without metrics skip the
// bookkeeping.
type StorageMetrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	degraded        *prometheus.CounterVec
	backendFailures *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	failovers       *prometheus.CounterVec
	rejected        *prometheus.CounterVec
}

// NewStorageMetrics creates the collectors and registers them with reg when
// reg is non-nil.
func NewStorageMetrics(namespace string, reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Composite storage operations by outcome kind.",
		}, []string{"composite", "op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Composite storage operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"composite", "op"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "degraded_total",
			Help:      "Multi-backend operations that succeeded while some backends failed.",
		}, []string{"composite", "op"}),
		backendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backend_failures_total",
			Help:      "Per-backend failures inside multi-backend operations.",
		}, []string{"composite", "op", "backend"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rollbacks_total",
			Help:      "Rollback deletes issued after failed all-or-fail writes.",
		}, []string{"composite", "result"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failovers_total",
			Help:      "Reads answered by a backend other than the first one tried.",
		}, []string{"composite", "op"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "read_only_rejections_total",
			Help:      "Mutations rejected by read-only views.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.degraded, m.backendFailures,
			m.rollbacks, m.failovers, m.rejected)
	}
	return m
}

// ObserveOp records one composite operation and its latency.
func (m *StorageMetrics) ObserveOp(composite, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = interfaces.KindOf(err).String()
	}
	m.operations.WithLabelValues(composite, op, result).Inc()
	m.duration.WithLabelValues(composite, op).Observe(time.Since(start).Seconds())
}

// ObserveOutcome records per-backend failures of a multi-backend operation
// and whether the operation succeeded in a degraded state.
func (m *StorageMetrics) ObserveOutcome(composite, op string, outcome *interfaces.Outcome, succeeded bool) {
	if m == nil || outcome == nil {
		return
	}
	for _, f := range outcome.Failed {
		m.backendFailures.WithLabelValues(composite, op, strconv.Itoa(f.Index)).Inc()
	}
	if succeeded && outcome.Degraded() {
		m.degraded.WithLabelValues(composite, op).Inc()
	}
	for range outcome.RolledBack {
		m.rollbacks.WithLabelValues(composite, "ok").Inc()
	}
	for range outcome.RollbackFailed {
		m.rollbacks.WithLabelValues(composite, "failed").Inc()
	}
}

// ObserveFailover records a read that moved past the first backend.
func (m *StorageMetrics) ObserveFailover(composite, op string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(composite, op).Inc()
}

// ObserveRejected records a mutation refused by a read-only view.
func (m *StorageMetrics) ObserveRejected(op string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(op).Inc()
}
