// Package writebehind implements the buffering cache between event
// processing and the sharded store. Writes are coalesced per record,
// ordered by priority, flushed in batches by a background loop, and
// retried with exponential backoff; writes that exhaust their retries land
// in a permanent-failure log, never silently dropped.
//
// The in-memory queue does not survive a process crash. Broker offsets are
// committed only after handoff to this cache, so replay covers the common
// crash window, but a crash between commit and flush loses the buffered
// tail. That limitation is deliberate; a write-ahead log would be the
// extension point.
package writebehind

import (
	"container/heap"
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/errors"
	"github.com/meterflow/meterflow/pkg/metrics"
	"github.com/meterflow/meterflow/pkg/models"
	"github.com/meterflow/meterflow/pkg/shard"
)

// Cache is the write-behind cache. A single mutex guards the queue and
// coalesce index; every operation inside it is short.
type Cache struct {
	cfg     config.WriteBehindConfig
	router  *shard.Router
	adapter shard.Adapter
	logger  *zap.Logger

	mu      sync.Mutex
	queue   writeQueue
	pending map[string]*pendingEntry

	failuresMu sync.Mutex
	failures   []*models.FailedWrite

	totalWrites     int64
	coalescedWrites int64

	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// pendingEntry tracks one queued write and its coalesce window.
type pendingEntry struct {
	write     *models.BufferedWrite
	windowEnd time.Time
}

// NewCache creates a write-behind cache over the router and adapter.
func NewCache(cfg config.WriteBehindConfig, router *shard.Router, adapter shard.Adapter, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		router:  router,
		adapter: adapter,
		logger:  logger.With(zap.String("component", "write_behind")),
		pending: make(map[string]*pendingEntry),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (c *Cache) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return errors.New(errors.ErrorTypeInternal, "cache already started")
	}
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.flushLoop(ctx)

	c.logger.Info("write-behind cache started",
		zap.Duration("flush_interval", c.cfg.FlushInterval),
		zap.Int("batch_size", c.cfg.BatchSize))
	return nil
}

// Stop halts the flush loop. Pending writes stay queued; the coordinator
// flushes them through Flush before stopping the store layer.
func (c *Cache) Stop() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("write-behind cache stopped", zap.Int("pending", c.Depth()))
}

// Write buffers one store mutation and returns its write ID. Once Write
// returns, the record is queued for durable persistence.
//
// At most one pending write exists per (table, record, tenant). Updates
// and upserts merge into the pending write, last-writer-wins per field,
// and return its ID; inserts and deletes replace it. Priority at or above
// the sync threshold bypasses the queue and flushes through the router
// immediately.
func (c *Cache) Write(ctx context.Context, table string, op models.Operation, payload map[string]interface{}, tenantID string, priority int) (string, error) {
	if table == "" {
		return "", errors.New(errors.ErrorTypeValidation, "table is required")
	}
	if tenantID == "" {
		return "", errors.New(errors.ErrorTypeValidation, "tenant_id is required")
	}
	if priority < 1 {
		priority = 1
	} else if priority > 10 {
		priority = 10
	}

	w := models.NewBufferedWrite(table, op, payload, tenantID, priority)
	atomic.AddInt64(&c.totalWrites, 1)

	if priority >= c.cfg.SyncPriority {
		return c.writeSync(ctx, w)
	}

	c.mu.Lock()
	if key := w.CoalesceKey(); key != "" {
		if entry, ok := c.pending[key]; ok {
			if op.Coalescable() && entry.write.Op != models.OpDelete {
				// Merging past the window keeps the one-pending-write-
				// per-record invariant; only in-window merges count as
				// coalesced.
				entry.write.Merge(w)
				inWindow := time.Now().Before(entry.windowEnd)
				id := entry.write.ID
				c.mu.Unlock()
				if inWindow {
					atomic.AddInt64(&c.coalescedWrites, 1)
					metrics.EventsCoalesced.WithLabelValues(table).Inc()
				}
				return id, nil
			}
			// An insert or delete supersedes the pending entry. An update
			// landing on a pending delete becomes an upsert, since the
			// store row may be gone by flush time.
			c.removePendingLocked(entry.write)
			if entry.write.Op == models.OpDelete && w.Op == models.OpUpdate {
				w.Op = models.OpUpsert
			}
		}
	}
	c.enqueueLocked(w)
	depth := c.queue.Len()
	c.mu.Unlock()

	metrics.QueueDepth.WithLabelValues("write_behind").Set(float64(depth))
	return w.ID, nil
}

// writeSync flushes one write immediately, merging any pending entry for
// the same record first so ordering holds. On failure the write re-enters
// the retry queue and the error is returned to the caller.
func (c *Cache) writeSync(ctx context.Context, w *models.BufferedWrite) (string, error) {
	c.mu.Lock()
	if key := w.CoalesceKey(); key != "" {
		if entry, ok := c.pending[key]; ok {
			c.removePendingLocked(entry.write)
			switch {
			case entry.write.Op == models.OpDelete:
				// The sync write supersedes the queued delete.
				if w.Op == models.OpUpdate {
					w.Op = models.OpUpsert
				}
			case w.Op.Coalescable():
				merged := entry.write
				merged.Merge(w)
				merged.Priority = w.Priority
				w = merged
			}
		}
	}
	c.mu.Unlock()

	shardID := c.router.ShardFor(w.TenantID)
	err := c.adapter.ApplyWrites(ctx, shardID, []*models.BufferedWrite{w})
	if err != nil {
		c.retryOrFail(w, err)
		return w.ID, errors.Wrap(err, errors.ErrorTypeFlush, "synchronous flush failed").
			WithDetail("write_id", w.ID)
	}

	metrics.EventsFlushed.WithLabelValues(w.Table, string(w.Op)).Inc()
	return w.ID, nil
}

// ReadThrough returns the record as the pipeline sees it: a pending delete
// reads as not-found, a pending write returns its merged payload, and
// otherwise the store is consulted through a read replica.
func (c *Cache) ReadThrough(ctx context.Context, table, recordID, tenantID string) (map[string]interface{}, error) {
	key := table + "\x00" + recordID + "\x00" + tenantID

	c.mu.Lock()
	if entry, ok := c.pending[key]; ok {
		if entry.write.Op == models.OpDelete {
			c.mu.Unlock()
			return nil, errors.New(errors.ErrorTypeNotFound, "record pending deletion").
				WithDetail("record_id", recordID)
		}
		payload := make(map[string]interface{}, len(entry.write.Payload))
		for k, v := range entry.write.Payload {
			payload[k] = v
		}
		c.mu.Unlock()
		return payload, nil
	}
	c.mu.Unlock()

	row, err := c.adapter.ReadRecord(ctx, c.router.ShardFor(tenantID), table, recordID, tenantID)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Depth returns the current queue depth.
func (c *Cache) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// CoalesceRate returns coalesced/total writes since start.
func (c *Cache) CoalesceRate() float64 {
	total := atomic.LoadInt64(&c.totalWrites)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&c.coalescedWrites)) / float64(total)
}

// Failures returns a snapshot of the permanent-failure log.
func (c *Cache) Failures() []*models.FailedWrite {
	c.failuresMu.Lock()
	defer c.failuresMu.Unlock()
	out := make([]*models.FailedWrite, len(c.failures))
	copy(out, c.failures)
	return out
}

// Flush drains the queue through the store, ignoring retry backoff gates.
// Used by the coordinator at shutdown under the drain deadline. Returns
// the number of writes that could not be flushed.
func (c *Cache) Flush(ctx context.Context) int {
	for {
		if ctx.Err() != nil {
			break
		}
		flushed, remaining := c.flushOnce(ctx, true)
		if remaining == 0 {
			return 0
		}
		if flushed == 0 {
			// Nothing progressed this cycle; bail rather than spin.
			break
		}
	}

	c.mu.Lock()
	remaining := c.queue.Len()
	for _, item := range c.queue.items {
		c.logger.Error("unflushed write at drain deadline, data loss risk",
			zap.String("write_id", item.write.ID),
			zap.String("table", item.write.Table),
			zap.String("tenant_id", item.write.TenantID),
			zap.Int("attempts", item.write.Attempts))
	}
	c.mu.Unlock()
	return remaining
}

func (c *Cache) flushLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.flushOnce(ctx, false)
		}
	}
}

// flushOnce dequeues up to BatchSize due writes, groups them per shard,
// and issues batched statements. Returns flushed count and remaining
// depth.
func (c *Cache) flushOnce(ctx context.Context, force bool) (int, int) {
	now := time.Now()

	c.mu.Lock()
	batch := make([]*models.BufferedWrite, 0, c.cfg.BatchSize)
	var deferred []*models.BufferedWrite
	for len(batch) < c.cfg.BatchSize {
		w := c.queue.pop()
		if w == nil {
			break
		}
		if !force && w.NextAttempt.After(now) {
			deferred = append(deferred, w)
			continue
		}
		// The index entry may already belong to a newer write for the
		// same record; only drop it when this write owns it.
		if key := w.CoalesceKey(); key != "" {
			if entry, ok := c.pending[key]; ok && entry.write == w {
				delete(c.pending, key)
			}
		}
		batch = append(batch, w)
	}
	for _, w := range deferred {
		c.queue.push(w)
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		c.publishDepth()
		return 0, c.Depth()
	}

	perShard := make(map[int][]*models.BufferedWrite)
	for _, w := range batch {
		shardID := c.router.ShardFor(w.TenantID)
		perShard[shardID] = append(perShard[shardID], w)
	}

	flushed := 0
	for shardID, writes := range perShard {
		timer := metrics.NewTimer("flush_batch")
		err := c.adapter.ApplyWrites(ctx, shardID, writes)
		if err != nil {
			// One failed shard does not block the others' batches.
			c.logger.Warn("flush batch failed",
				zap.Int("shard_id", shardID),
				zap.Int("writes", len(writes)),
				zap.Error(err))
			for _, w := range writes {
				c.retryOrFail(w, err)
			}
			continue
		}
		flushed += len(writes)
		elapsed := timer.Stop().Seconds()
		metrics.ShardDistribution.WithLabelValues(strconv.Itoa(shardID)).Add(float64(len(writes)))
		observed := make(map[string]struct{}, 2)
		for _, w := range writes {
			metrics.EventsFlushed.WithLabelValues(w.Table, string(w.Op)).Inc()
			if _, ok := observed[w.Table]; !ok {
				observed[w.Table] = struct{}{}
				metrics.FlushDuration.WithLabelValues(w.Table).Observe(elapsed)
			}
		}
	}

	c.publishDepth()
	return flushed, c.Depth()
}

// retryOrFail re-queues a failed write with exponential backoff, or moves
// it to the permanent-failure log once retries are exhausted.
func (c *Cache) retryOrFail(w *models.BufferedWrite, cause error) {
	w.Attempts++
	w.LastError = cause.Error()

	if w.Attempts > c.cfg.MaxRetries {
		c.failuresMu.Lock()
		c.failures = append(c.failures, &models.FailedWrite{
			Write:    w,
			Reason:   w.LastError,
			FailedAt: time.Now().UTC(),
		})
		if c.cfg.FailureLogSize > 0 && len(c.failures) > c.cfg.FailureLogSize {
			c.failures = c.failures[len(c.failures)-c.cfg.FailureLogSize:]
		}
		c.failuresMu.Unlock()

		metrics.EventsFailed.WithLabelValues("write_behind", "retries_exhausted").Inc()
		c.logger.Error("write moved to permanent-failure log",
			zap.String("write_id", w.ID),
			zap.String("table", w.Table),
			zap.String("tenant_id", w.TenantID),
			zap.Int("attempts", w.Attempts),
			zap.String("last_error", w.LastError))
		return
	}

	delay := c.cfg.RetryBaseDelay << uint(w.Attempts)
	if delay > c.cfg.RetryMaxDelay || delay <= 0 {
		delay = c.cfg.RetryMaxDelay
	}
	w.NextAttempt = time.Now().Add(delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	if key := w.CoalesceKey(); key != "" {
		if entry, ok := c.pending[key]; ok && entry.write != w {
			// A newer write for the record was enqueued while the flush
			// was failing. Fold the failed fields beneath it when both
			// are field merges; otherwise the newer write supersedes.
			// Either way the record keeps a single pending write.
			if entry.write.Op.Coalescable() && w.Op.Coalescable() {
				for k, v := range w.Payload {
					if _, exists := entry.write.Payload[k]; !exists {
						entry.write.Payload[k] = v
					}
				}
			}
			return
		}
	}
	c.enqueueLocked(w)
}

// enqueueLocked pushes a write and indexes it for coalescing. Caller
// holds c.mu.
func (c *Cache) enqueueLocked(w *models.BufferedWrite) {
	c.queue.push(w)
	if key := w.CoalesceKey(); key != "" {
		c.pending[key] = &pendingEntry{
			write:     w,
			windowEnd: time.Now().Add(c.cfg.FlushInterval),
		}
	}
}

// removePendingLocked removes a write from both queue and index. Caller
// holds c.mu.
func (c *Cache) removePendingLocked(w *models.BufferedWrite) {
	delete(c.pending, w.CoalesceKey())
	for i, item := range c.queue.items {
		if item.write == w {
			c.queue.items = append(c.queue.items[:i], c.queue.items[i+1:]...)
			heap.Init(&c.queue)
			return
		}
	}
}

func (c *Cache) publishDepth() {
	metrics.QueueDepth.WithLabelValues("write_behind").Set(float64(c.Depth()))
}
