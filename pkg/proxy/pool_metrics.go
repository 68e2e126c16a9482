package proxy

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics tracks pool-wide counters with atomics so Forward records
// them without taking the pool lock (teacher: pkg/pyproc/pool_metrics.go).
type PoolMetrics struct {
	WorkersSpawned    atomic.Uint64
	WorkersTerminated atomic.Uint64
	WorkerFailures    atomic.Uint64

	RequestsTotal     atomic.Uint64
	RequestsSucceeded atomic.Uint64
	RequestsFailed    atomic.Uint64

	SessionsEvicted atomic.Uint64
}

// NewPoolMetrics creates a zeroed metrics tracker.
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

// PoolMetricsSnapshot is a point-in-time view, exposed via the
// Prometheus /metrics collector and the ambient /healthz endpoint.
type PoolMetricsSnapshot struct {
	ActiveWorkers     int
	WorkersSpawned    uint64
	WorkersTerminated uint64
	WorkerFailures    uint64
	RequestsTotal     uint64
	RequestsSucceeded uint64
	RequestsFailed    uint64
	SessionsEvicted   uint64
	Timestamp         time.Time
}

// Snapshot captures the current counters. activeWorkers is supplied by
// the caller since the pool, not the metrics struct, owns that count.
func (m *PoolMetrics) Snapshot(activeWorkers int) PoolMetricsSnapshot {
	return PoolMetricsSnapshot{
		ActiveWorkers:     activeWorkers,
		WorkersSpawned:    m.WorkersSpawned.Load(),
		WorkersTerminated: m.WorkersTerminated.Load(),
		WorkerFailures:    m.WorkerFailures.Load(),
		RequestsTotal:     m.RequestsTotal.Load(),
		RequestsSucceeded: m.RequestsSucceeded.Load(),
		RequestsFailed:    m.RequestsFailed.Load(),
		SessionsEvicted:   m.SessionsEvicted.Load(),
		Timestamp:         time.Now(),
	}
}

// PrometheusCollector adapts PoolMetrics (and the pool's current size)
// into a prometheus.Collector without duplicating the atomic counters
// into a parallel set of prometheus primitives.
type PrometheusCollector struct {
	pool *WorkerPool

	activeWorkers     *prometheus.Desc
	workersSpawned    *prometheus.Desc
	workersTerminated *prometheus.Desc
	workerFailures    *prometheus.Desc
	requestsTotal     *prometheus.Desc
	requestsSucceeded *prometheus.Desc
	requestsFailed    *prometheus.Desc
	sessionsEvicted   *prometheus.Desc
}

// NewPrometheusCollector builds a collector that reads live values from
// pool on every scrape.
func NewPrometheusCollector(pool *WorkerPool) *PrometheusCollector {
	ns := "idalib_proxy"
	return &PrometheusCollector{
		pool:              pool,
		activeWorkers:     prometheus.NewDesc(ns+"_active_workers", "Number of worker processes currently in the pool.", nil, nil),
		workersSpawned:    prometheus.NewDesc(ns+"_workers_spawned_total", "Worker processes spawned since startup.", nil, nil),
		workersTerminated: prometheus.NewDesc(ns+"_workers_terminated_total", "Worker processes terminated since startup.", nil, nil),
		workerFailures:    prometheus.NewDesc(ns+"_worker_failures_total", "Worker startup failures since startup.", nil, nil),
		requestsTotal:     prometheus.NewDesc(ns+"_forward_requests_total", "Requests forwarded to workers.", nil, nil),
		requestsSucceeded: prometheus.NewDesc(ns+"_forward_requests_succeeded_total", "Forwarded requests that succeeded.", nil, nil),
		requestsFailed:    prometheus.NewDesc(ns+"_forward_requests_failed_total", "Forwarded requests that failed.", nil, nil),
		sessionsEvicted:   prometheus.NewDesc(ns+"_sessions_evicted_total", "Sessions evicted under LRU pressure.", nil, nil),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeWorkers
	ch <- c.workersSpawned
	ch <- c.workersTerminated
	ch <- c.workerFailures
	ch <- c.requestsTotal
	ch <- c.requestsSucceeded
	ch <- c.requestsFailed
	ch <- c.sessionsEvicted
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.pool.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.activeWorkers, prometheus.GaugeValue, float64(snap.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(c.workersSpawned, prometheus.CounterValue, float64(snap.WorkersSpawned))
	ch <- prometheus.MustNewConstMetric(c.workersTerminated, prometheus.CounterValue, float64(snap.WorkersTerminated))
	ch <- prometheus.MustNewConstMetric(c.workerFailures, prometheus.CounterValue, float64(snap.WorkerFailures))
	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(snap.RequestsTotal))
	ch <- prometheus.MustNewConstMetric(c.requestsSucceeded, prometheus.CounterValue, float64(snap.RequestsSucceeded))
	ch <- prometheus.MustNewConstMetric(c.requestsFailed, prometheus.CounterValue, float64(snap.RequestsFailed))
	ch <- prometheus.MustNewConstMetric(c.sessionsEvicted, prometheus.CounterValue, float64(snap.SessionsEvicted))
}
