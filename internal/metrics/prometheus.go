package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the cache coordination layer
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec

	// Tier metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	Evictions   *prometheus.CounterVec

	// Consistency metrics
	QuorumFailures *prometheus.CounterVec
	ReadRepairs    *prometheus.CounterVec
	ReplicationLag *prometheus.GaugeVec

	// Node metrics
	NodesHealthy       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
	ReplicaWrites      *prometheus.CounterVec
	ReplicaReads       *prometheus.CounterVec
	HintsPending       prometheus.Gauge

	// Invalidation and warming metrics
	InvalidationsTotal *prometheus.CounterVec
	WarmupsTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics on the given registerer.
// Passing a fresh registry keeps tests isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_operations_total",
				Help: "Total number of cache operations processed",
			},
			[]string{"operation", "consistency"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cachemesh_operation_duration_seconds",
				Help:    "Duration of cache operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "consistency"},
		),

		OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_operation_errors_total",
				Help: "Total number of cache operation errors",
			},
			[]string{"operation", "error_type"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"tier"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"tier"},
		),

		Evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_evictions_total",
				Help: "Total number of evicted entries",
			},
			[]string{"tier", "reason"},
		),

		QuorumFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_quorum_failures_total",
				Help: "Total number of consistency threshold failures",
			},
			[]string{"operation", "consistency"},
		),

		ReadRepairs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_read_repairs_total",
				Help: "Total number of read repair operations",
			},
			[]string{"status"},
		),

		ReplicationLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cachemesh_replication_lag_ms",
				Help: "Observed replication lag per node in milliseconds",
			},
			[]string{"node_id"},
		),

		NodesHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cachemesh_nodes_healthy",
				Help: "Number of healthy cache nodes",
			},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"node_id", "to_state"},
		),

		ReplicaWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_replica_writes_total",
				Help: "Total number of replica write operations",
			},
			[]string{"node_id", "status"},
		),

		ReplicaReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_replica_reads_total",
				Help: "Total number of replica read operations",
			},
			[]string{"node_id", "status"},
		),

		HintsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cachemesh_hints_pending",
				Help: "Number of hinted writes awaiting replay",
			},
		),

		InvalidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_invalidations_total",
				Help: "Total number of invalidation executions",
			},
			[]string{"rule", "status"},
		),

		WarmupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_warmups_total",
				Help: "Total number of cache warming executions",
			},
			[]string{"strategy", "status"},
		),
	}
}

// NewNopMetrics creates metrics registered on a throwaway registry
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordOperation records an operation outcome with its duration
func (m *Metrics) RecordOperation(operation, consistency string, duration float64) {
	m.OperationsTotal.WithLabelValues(operation, consistency).Inc()
	m.OperationDuration.WithLabelValues(operation, consistency).Observe(duration)
}

// RecordError records an operation error
func (m *Metrics) RecordError(operation, errorType string) {
	m.OperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordHit records a cache hit for a tier
func (m *Metrics) RecordHit(tier string) {
	m.CacheHits.WithLabelValues(tier).Inc()
}

// RecordMiss records a cache miss for a tier
func (m *Metrics) RecordMiss(tier string) {
	m.CacheMisses.WithLabelValues(tier).Inc()
}

// RecordEviction records an evicted entry
func (m *Metrics) RecordEviction(tier, reason string) {
	m.Evictions.WithLabelValues(tier, reason).Inc()
}

// RecordQuorumFailure records a consistency threshold failure
func (m *Metrics) RecordQuorumFailure(operation, consistency string) {
	m.QuorumFailures.WithLabelValues(operation, consistency).Inc()
}

// RecordReadRepair records a read repair attempt
func (m *Metrics) RecordReadRepair(status string) {
	m.ReadRepairs.WithLabelValues(status).Inc()
}

// RecordBreakerTransition records a circuit breaker state change
func (m *Metrics) RecordBreakerTransition(nodeID, toState string) {
	m.BreakerTransitions.WithLabelValues(nodeID, toState).Inc()
}

// RecordReplicaWrite records a replica write outcome
func (m *Metrics) RecordReplicaWrite(nodeID, status string) {
	m.ReplicaWrites.WithLabelValues(nodeID, status).Inc()
}

// RecordReplicaRead records a replica read outcome
func (m *Metrics) RecordReplicaRead(nodeID, status string) {
	m.ReplicaReads.WithLabelValues(nodeID, status).Inc()
}

// RecordInvalidation records an invalidation execution
func (m *Metrics) RecordInvalidation(rule, status string) {
	m.InvalidationsTotal.WithLabelValues(rule, status).Inc()
}

// RecordWarmup records a warming execution
func (m *Metrics) RecordWarmup(strategy, status string) {
	m.WarmupsTotal.WithLabelValues(strategy, status).Inc()
}
