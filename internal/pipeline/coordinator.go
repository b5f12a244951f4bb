// Package pipeline implements the coordinator that owns the ingestion
// pipeline's lifecycle: ordered startup and shutdown of the transport,
// shard router, write-behind cache, and consumer pool, plus backpressure,
// idempotent event application, and rate reporting.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/consume"
	"github.com/meterflow/meterflow/pkg/errors"
	"github.com/meterflow/meterflow/pkg/ingest"
	"github.com/meterflow/meterflow/pkg/metrics"
	"github.com/meterflow/meterflow/pkg/models"
	"github.com/meterflow/meterflow/pkg/shard"
	"github.com/meterflow/meterflow/pkg/transport"
	"github.com/meterflow/meterflow/pkg/writebehind"
)

// eventsTable is where consumed usage events are persisted.
const eventsTable = "usage_events"

// summarySQL aggregates per-tenant usage for one metric across shards.
const summarySQL = `
SELECT tenant_id, metric_name, SUM(quantity) AS total_quantity
FROM usage_events
WHERE metric_name = $1 AND timestamp >= $2
GROUP BY tenant_id, metric_name`

// backpressureCheckInterval is how often queue depth is compared against
// the water marks.
const backpressureCheckInterval = 250 * time.Millisecond

// Coordinator wires the pipeline components together and drives their
// lifecycle.
type Coordinator struct {
	cfg    *config.PipelineConfig
	logger *zap.Logger

	transport transport.Transport
	router    *shard.Router
	adapter   shard.Adapter
	cache     *writebehind.Cache
	gateway   *ingest.Gateway
	pool      *consume.Pool
	dedup     *dedupIndex

	state  int32
	stopCh chan struct{}
	wg     sync.WaitGroup

	appliedRate *metrics.RateTracker
	applied     int64
	duplicates  int64
}

// Health reports per-component reachability plus pipeline-level gauges.
type Health struct {
	State      string         `json:"state"`
	QueueDepth int            `json:"queue_depth"`
	Paused     bool           `json:"backpressure_active"`
	Transport  string         `json:"transport"`
	Shards     map[int]string `json:"shards"`
}

// Summary is the result of a cross-shard usage aggregation.
type Summary struct {
	Metric string
	// Totals maps tenant ID to summed quantity
	Totals map[string]interface{}
	// Partial is true when at least one shard was excluded
	Partial bool
	// FailedShards lists the excluded shard IDs
	FailedShards []int
}

// NewCoordinator builds the pipeline from configuration. The transport
// and store adapter are injected so tests can run in-process; production
// wiring lives in cmd/meterflow.
func NewCoordinator(cfg *config.PipelineConfig, tr transport.Transport, adapter shard.Adapter, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	router, err := shard.NewRouter(cfg.Sharding, logger)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "coordinator")),
		transport: tr,
		router:    router,
		adapter:   adapter,
		dedup:     newDedupIndex(cfg.Consumer.DedupRetention),
		stopCh:    make(chan struct{}),
	}
	c.appliedRate = metrics.NewRateTracker("events_applied")

	c.cache = writebehind.NewCache(cfg.WriteBehind, router, adapter, logger)
	c.gateway = ingest.NewGateway(cfg, tr, logger)
	c.pool = consume.NewPool(cfg, tr, c.processBatch, logger)
	return c, nil
}

// Gateway returns the ingestion gateway for the billing-layer API.
func (c *Coordinator) Gateway() *ingest.Gateway { return c.gateway }

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Applied returns the number of events handed to the cache since start.
func (c *Coordinator) Applied() int64 {
	return atomic.LoadInt64(&c.applied)
}

// Start brings the pipeline up in dependency order: transport, shard
// layer, write-behind cache, consumer pool. Any dependency failure during
// Starting aborts the startup and returns the pipeline to Stopped.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.transition(StateStopped, StateStarting) {
		return errors.New(errors.ErrorTypeInternal, "pipeline is not stopped").
			WithDetail("state", c.State().String())
	}
	c.logger.Info("pipeline starting", zap.String("pipeline", c.cfg.Name))
	c.stopCh = make(chan struct{})

	if err := c.transport.Healthy(ctx); err != nil {
		c.setState(StateStopped)
		return errors.Wrap(err, errors.ErrorTypeTransport, "broker unreachable at startup")
	}
	for _, shardID := range c.router.ActiveShardIDs() {
		if err := c.adapter.Healthy(ctx, shardID); err != nil {
			c.setState(StateStopped)
			return errors.Wrap(err, errors.ErrorTypeShardUnavailable, "shard unreachable at startup").
				WithDetail("shard_id", shardID)
		}
	}

	if err := c.cache.Start(ctx); err != nil {
		c.setState(StateStopped)
		return err
	}
	if err := c.pool.Start(ctx); err != nil {
		c.cache.Stop()
		c.setState(StateStopped)
		return err
	}

	c.wg.Add(2)
	go c.backpressureLoop()
	go c.reportLoop()

	c.setState(StateRunning)
	c.logger.Info("pipeline running",
		zap.Int("workers", c.cfg.Consumer.Workers),
		zap.Int("shards", c.router.ShardCount()))
	return nil
}

// Stop drains and shuts the pipeline down in reverse order: stop
// consuming, flush the cache under the shutdown deadline, then close the
// store and transport. Writes unflushed at the deadline are logged as
// data-loss risk; Stop still completes.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.transition(StateRunning, StateDraining) {
		return errors.New(errors.ErrorTypeInternal, "pipeline is not running").
			WithDetail("state", c.State().String())
	}
	c.logger.Info("pipeline draining", zap.Int("queue_depth", c.cache.Depth()))

	close(c.stopCh)
	c.wg.Wait()

	// No new batches once the pool is stopped.
	c.pool.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.Reliability.ShutdownDeadline)
	unflushed := c.cache.Flush(drainCtx)
	cancel()
	c.cache.Stop()

	if err := c.adapter.Close(); err != nil {
		c.logger.Warn("store close failed", zap.Error(err))
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("transport close failed", zap.Error(err))
	}

	c.setState(StateStopped)
	if unflushed > 0 {
		return errors.New(errors.ErrorTypeFlush, "drain deadline reached with unflushed writes").
			WithDetail("unflushed", unflushed)
	}
	c.logger.Info("pipeline stopped",
		zap.Int64("events_applied", atomic.LoadInt64(&c.applied)),
		zap.Int64("duplicates_skipped", atomic.LoadInt64(&c.duplicates)))
	return nil
}

// Health checks each component. It never errors; degraded components are
// reported in the result.
func (c *Coordinator) Health(ctx context.Context) *Health {
	h := &Health{
		State:      c.State().String(),
		QueueDepth: c.cache.Depth(),
		Paused:     c.pool.Paused(),
		Transport:  "ok",
		Shards:     make(map[int]string),
	}
	if err := c.transport.Healthy(ctx); err != nil {
		h.Transport = err.Error()
	}
	for _, shardID := range c.router.ShardIDs() {
		if err := c.adapter.Healthy(ctx, shardID); err != nil {
			h.Shards[shardID] = err.Error()
		} else {
			h.Shards[shardID] = "ok"
		}
	}
	return h
}

// UsageSummary aggregates per-tenant totals for one metric across all
// active shards. A degraded shard yields a partial result, never a total
// failure.
func (c *Coordinator) UsageSummary(ctx context.Context, metricName string, since time.Time) (*Summary, error) {
	summary := &Summary{
		Metric: metricName,
		Totals: make(map[string]interface{}),
	}

	var mu sync.Mutex
	agg := func(shardID int, rows []shard.Row) error {
		mu.Lock()
		defer mu.Unlock()
		for _, row := range rows {
			tenantID, _ := row["tenant_id"].(string)
			if tenantID == "" {
				continue
			}
			summary.Totals[tenantID] = sumQuantities(summary.Totals[tenantID], row["total_quantity"])
		}
		return nil
	}

	result, err := c.adapter.QueryCrossShard(ctx, c.router.ActiveShardIDs(), summarySQL,
		[]interface{}{metricName, since}, agg)
	if err != nil {
		return nil, err
	}

	summary.Partial = result.Partial()
	summary.FailedShards = result.Failed
	return summary, nil
}

// processBatch is the consumer pool's handler: dedup, then hand each
// event to the write-behind cache as an upsert keyed by event ID. An
// error leaves the batch uncommitted for redelivery, so the cache write
// is the at-least-once handoff point.
func (c *Coordinator) processBatch(ctx context.Context, events []*models.UsageEvent) error {
	for _, event := range events {
		key := event.DedupKey()
		if c.dedup.observed(key) {
			atomic.AddInt64(&c.duplicates, 1)
			metrics.EventsFailed.WithLabelValues("coordinator", "duplicate").Inc()
			c.logger.Debug("duplicate event skipped",
				zap.String("event_id", event.EventID),
				zap.String("dedup_key", key))
			continue
		}

		// The dedup key is recorded only after the cache accepts the
		// write: a failed handoff must stay eligible for redelivery, and
		// the pool dead-letters it once its retry budget is exhausted.
		_, err := c.cache.Write(ctx, eventsTable, models.OpUpsert, eventPayload(event), event.TenantID, 5)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to buffer event").
				WithDetail("event_id", event.EventID)
		}
		c.dedup.record(key)
		atomic.AddInt64(&c.applied, 1)
		c.appliedRate.Increment(1)
	}
	return nil
}

// backpressureLoop pauses consumer polling when queue depth crosses the
// high-water mark and resumes below the low-water mark, bounding memory.
func (c *Coordinator) backpressureLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(backpressureCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			depth := c.cache.Depth()
			switch {
			case depth >= c.cfg.WriteBehind.MaxQueueDepth && !c.pool.Paused():
				c.pool.Pause()
				metrics.BackpressureActive.Set(1)
				c.logger.Warn("backpressure activated",
					zap.Int("queue_depth", depth),
					zap.Int("high_water", c.cfg.WriteBehind.MaxQueueDepth))
			case depth <= c.cfg.WriteBehind.ResumeQueueDepth && c.pool.Paused():
				c.pool.Resume()
				metrics.BackpressureActive.Set(0)
				c.logger.Info("backpressure released", zap.Int("queue_depth", depth))
			}
		}
	}
}

// reportLoop publishes pipeline-level gauges and sweeps the dedup index.
func (c *Coordinator) reportLoop() {
	defer c.wg.Done()

	interval := c.cfg.Observability.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			metrics.PipelineState.Set(float64(c.State()))
			c.dedup.sweep()
			c.logger.Debug("pipeline report",
				zap.Int("queue_depth", c.cache.Depth()),
				zap.Float64("coalesce_rate", c.cache.CoalesceRate()),
				zap.Float64("apply_rate_per_sec", c.appliedRate.GetAndReset()),
				zap.Int64("accepted", c.gateway.Accepted()),
				zap.Int64("applied", atomic.LoadInt64(&c.applied)),
				zap.Int("dedup_index_size", c.dedup.size()))
		}
	}
}

func (c *Coordinator) transition(from, to State) bool {
	if atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to)) {
		metrics.PipelineState.Set(float64(to))
		return true
	}
	return false
}

func (c *Coordinator) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
	metrics.PipelineState.Set(float64(s))
}

// eventPayload maps a usage event to its store row.
func eventPayload(event *models.UsageEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":              event.EventID,
		"tenant_id":       event.TenantID,
		"metric_name":     event.MetricName,
		"quantity":        event.Quantity.String(),
		"unit":            event.Unit,
		"timestamp":       event.Timestamp,
		"properties":      event.Properties,
		"idempotency_key": event.IdempotencyKey,
		"received_at":     event.ReceivedAt,
		"producer_id":     event.ProducerID,
		"batch_id":        event.BatchID,
	}
}

// sumQuantities adds shard-level totals, tolerating the numeric types
// different adapters produce.
func sumQuantities(acc, v interface{}) interface{} {
	af, aok := toFloat(acc)
	vf, vok := toFloat(v)
	if !vok {
		return acc
	}
	if !aok {
		return vf
	}
	return af + vf
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
