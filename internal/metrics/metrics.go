// Package metrics provides Prometheus metrics for the delta writer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the write path.
type Metrics struct {
	// Write metrics
	WritesTotal         *prometheus.CounterVec
	WriteErrors         *prometheus.CounterVec
	RecordsWritten      *prometheus.CounterVec
	CommitDuration      *prometheus.HistogramVec
	ConflictsTotal      *prometheus.CounterVec
	CheckpointsCreated  *prometheus.CounterVec
	BatchConsolidations prometheus.Counter

	// Scheduler metrics
	QueueSize        prometheus.Gauge
	OptimalBatchSize prometheus.Gauge
	AvgWriteLatency  prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delta_writer_writes_total",
			Help: "Total number of committed table writes",
		},
		[]string{"table"},
	)

	m.WriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delta_writer_write_errors_total",
			Help: "Total number of failed table writes",
		},
		[]string{"table"},
	)

	m.RecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delta_writer_records_written_total",
			Help: "Total number of records committed",
		},
		[]string{"table"},
	)

	m.CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delta_writer_commit_duration_seconds",
			Help:    "Commit latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	m.ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delta_writer_conflicts_total",
			Help: "Total number of optimistic-concurrency conflicts",
		},
		[]string{"table"},
	)

	m.CheckpointsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delta_writer_checkpoints_created_total",
			Help: "Total number of checkpoints written",
		},
		[]string{"table"},
	)

	m.BatchConsolidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delta_writer_batch_consolidations_total",
			Help: "Total number of multi-submission groups coalesced into one commit",
		},
	)

	m.QueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "delta_writer_queue_size",
			Help: "Current submission queue depth",
		},
	)

	m.OptimalBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "delta_writer_optimal_batch_size",
			Help: "Drain cap computed for the current queue depth",
		},
	)

	m.AvgWriteLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "delta_writer_avg_write_latency_ms",
			Help: "Rolling average commit latency in milliseconds",
		},
	)

	m.registry.MustRegister(
		m.WritesTotal,
		m.WriteErrors,
		m.RecordsWritten,
		m.CommitDuration,
		m.ConflictsTotal,
		m.CheckpointsCreated,
		m.BatchConsolidations,
		m.QueueSize,
		m.OptimalBatchSize,
		m.AvgWriteLatency,
	)

	// Also register the default collectors (go runtime, process info)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordCommit records a committed write.
func (m *Metrics) RecordCommit(table string, records int, duration time.Duration) {
	m.WritesTotal.WithLabelValues(table).Inc()
	m.RecordsWritten.WithLabelValues(table).Add(float64(records))
	m.CommitDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// RecordWriteError records a failed write.
func (m *Metrics) RecordWriteError(table string) {
	m.WriteErrors.WithLabelValues(table).Inc()
}

// RecordConflict records one optimistic-concurrency retry.
func (m *Metrics) RecordConflict(table string) {
	m.ConflictsTotal.WithLabelValues(table).Inc()
}

// RecordCheckpoint records a written checkpoint.
func (m *Metrics) RecordCheckpoint(table string) {
	m.CheckpointsCreated.WithLabelValues(table).Inc()
}

// RecordConsolidation records a coalesced multi-submission group.
func (m *Metrics) RecordConsolidation() {
	m.BatchConsolidations.Inc()
}

// UpdateQueueDepth updates the scheduler gauges.
func (m *Metrics) UpdateQueueDepth(queued, optimalBatch int) {
	m.QueueSize.Set(float64(queued))
	m.OptimalBatchSize.Set(float64(optimalBatch))
}

// UpdateAvgLatency updates the rolling average latency gauge.
func (m *Metrics) UpdateAvgLatency(ms float64) {
	m.AvgWriteLatency.Set(ms)
}
