// Package metrics provides performance tracking and observability for Meterflow
// using Prometheus metrics. It exposes the pipeline's counters and gauges:
// ingestion, flush, coalesce, dead-letter rates, queue depth, and per-shard
// load distribution.
//
// # Basic Usage
//
//	// Record an ingested event
//	metrics.EventsIngested.WithLabelValues("usage.events", "accepted").Inc()
//
//	// Track queue depth
//	metrics.QueueDepth.WithLabelValues("write_behind").Set(float64(depth))
//
//	// Track flush latency
//	timer := metrics.NewTimer("flush_batch")
//	flushBatch(entries)
//	metrics.FlushDuration.WithLabelValues("usage_events").Observe(timer.Stop().Seconds())
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested tracks the total number of events accepted by the ingestion
	// gateway. Labels: topic, status (accepted/rejected).
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_events_ingested_total",
			Help: "Total number of usage events ingested",
		},
		[]string{"topic", "status"},
	)

	// EventsFlushed tracks buffered writes durably flushed to the store.
	// Labels: table, operation.
	EventsFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_events_flushed_total",
			Help: "Total number of buffered writes flushed to the store",
		},
		[]string{"table", "operation"},
	)

	// EventsCoalesced tracks writes merged into an existing pending entry
	// instead of being enqueued. Labels: table.
	EventsCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_events_coalesced_total",
			Help: "Total number of writes coalesced into a pending entry",
		},
		[]string{"table"},
	)

	// EventsFailed tracks terminal failures: validation rejects, exhausted
	// flush retries, dead-letters. Labels: component, reason.
	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_events_failed_total",
			Help: "Total number of events that failed processing",
		},
		[]string{"component", "reason"},
	)

	// EventsDeadLettered tracks events routed to the dead-letter topic.
	// Labels: topic.
	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_events_dead_lettered_total",
			Help: "Total number of events routed to the dead-letter topic",
		},
		[]string{"topic"},
	)

	// QueueDepth tracks the write-behind queue depth. Labels: queue_name.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meterflow_queue_depth",
			Help: "Current queue depth",
		},
		[]string{"queue_name"},
	)

	// ShardDistribution tracks per-shard write load. Labels: shard_id.
	ShardDistribution = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meterflow_shard_distribution",
			Help: "Writes routed per shard in the current reporting window",
		},
		[]string{"shard_id"},
	)

	// PipelineState tracks the coordinator lifecycle state as a numeric gauge
	// (0=stopped, 1=starting, 2=running, 3=draining).
	PipelineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meterflow_pipeline_state",
			Help: "Current pipeline coordinator state",
		},
	)

	// FlushDuration tracks the distribution of flush batch durations.
	// Labels: table.
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "meterflow_flush_duration_seconds",
			Help: "Flush batch duration in seconds",
			Buckets: []float64{
				0.001, // 1ms - single-row statements
				0.005, // 5ms
				0.01,  // 10ms - typical batched statement
				0.05,  // 50ms
				0.1,   // 100ms
				0.5,   // 500ms - cross-shard fan-out
				1,     // 1s
				5,     // 5s - degraded shard
			},
		},
		[]string{"table"},
	)

	// BackpressureActive indicates whether consumer polling is paused.
	BackpressureActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meterflow_backpressure_active",
			Help: "Whether backpressure is currently pausing consumers (0 or 1)",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop stops the timer and returns the elapsed duration since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// RateTracker tracks a per-second rate over reporting windows.
// Thread-safe for concurrent use.
type RateTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	name      string
}

// NewRateTracker creates a rate tracker identified by name.
func NewRateTracker(name string) *RateTracker {
	return &RateTracker{
		lastReset: time.Now(),
		name:      name,
	}
}

// Increment adds n to the count. Safe for concurrent use.
func (t *RateTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current rate (events/second), resets the
// counter, and returns the calculated rate.
func (t *RateTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	rate := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	return rate
}
