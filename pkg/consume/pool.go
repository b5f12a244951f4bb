// Package consume implements the consumer pool: parallel consumer-group
// workers that poll usage-event batches from the broker and hand them to a
// processing function under manual-commit, at-least-once semantics.
// Partition assignment belongs to the broker's group protocol; the pool
// only pauses and resumes fetching when the coordinator applies
// backpressure.
package consume

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/errors"
	"github.com/meterflow/meterflow/pkg/json"
	"github.com/meterflow/meterflow/pkg/metrics"
	"github.com/meterflow/meterflow/pkg/models"
	"github.com/meterflow/meterflow/pkg/transport"
)

// ProcessFunc handles one decoded batch. Offsets commit only after it
// returns nil; an error means the whole batch is retried.
type ProcessFunc func(ctx context.Context, events []*models.UsageEvent) error

// Pool runs the consumer workers.
type Pool struct {
	cfg       config.ConsumerConfig
	transport config.TransportConfig
	tr        transport.Transport
	process   ProcessFunc
	logger    *zap.Logger

	mu   sync.Mutex
	subs []transport.Subscription

	processed int64
	paused    int32
	running   int32
}

// NewPool creates a consumer pool delivering decoded batches to process.
func NewPool(cfg *config.PipelineConfig, tr transport.Transport, process ProcessFunc, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:       cfg.Consumer,
		transport: cfg.Transport,
		tr:        tr,
		process:   process,
		logger:    logger.With(zap.String("component", "consumer_pool")),
	}
}

// Start joins the consumer group with one subscription per worker.
func (p *Pool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return errors.New(errors.ErrorTypeInternal, "pool already started")
	}

	opts := transport.SubscribeOptions{
		BatchSize:    p.cfg.BatchSize,
		BatchTimeout: p.cfg.BatchTimeout,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.cfg.Workers; i++ {
		sub, err := p.tr.Subscribe(ctx, []string{p.transport.Topic}, p.transport.GroupID, opts, p.handleBatch)
		if err != nil {
			for _, s := range p.subs {
				_ = s.Close()
			}
			p.subs = nil
			atomic.StoreInt32(&p.running, 0)
			return errors.Wrap(err, errors.ErrorTypeTransport, "failed to join consumer group").
				WithDetail("worker", i)
		}
		p.subs = append(p.subs, sub)
	}

	p.logger.Info("consumer pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.String("topic", p.transport.Topic),
		zap.String("group_id", p.transport.GroupID))
	return nil
}

// Stop leaves the consumer group. In-flight batches finish or are
// redelivered to the group's next generation.
func (p *Pool) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}

	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			p.logger.Warn("subscription close failed", zap.Error(err))
		}
	}
	p.logger.Info("consumer pool stopped", zap.Int64("processed", atomic.LoadInt64(&p.processed)))
}

// Pause stops partition fetching on all workers without leaving the
// group. Idempotent.
func (p *Pool) Pause() {
	if !atomic.CompareAndSwapInt32(&p.paused, 0, 1) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		sub.Pause()
	}
	p.logger.Warn("consumer polling paused")
}

// Resume restarts partition fetching. Idempotent.
func (p *Pool) Resume() {
	if !atomic.CompareAndSwapInt32(&p.paused, 1, 0) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		sub.Resume()
	}
	p.logger.Info("consumer polling resumed")
}

// Paused reports whether backpressure currently pauses the pool.
func (p *Pool) Paused() bool {
	return atomic.LoadInt32(&p.paused) == 1
}

// Processed returns the number of events successfully handed off.
func (p *Pool) Processed() int64 {
	return atomic.LoadInt64(&p.processed)
}

// handleBatch decodes one delivered batch and drives it through the
// processing function with bounded retries. Messages that cannot be
// decoded dead-letter immediately; a batch that exhausts its processing
// retries dead-letters whole. Returning nil commits the batch's offsets.
func (p *Pool) handleBatch(ctx context.Context, msgs []*transport.Message) error {
	events := make([]*models.UsageEvent, 0, len(msgs))
	for _, msg := range msgs {
		var event models.UsageEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// A poison message must not wedge the partition.
			if dlqErr := p.deadLetter(ctx, msg, "decode_failed: "+err.Error()); dlqErr != nil {
				return dlqErr
			}
			continue
		}
		events = append(events, &event)
	}

	if len(events) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxProcessRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		lastErr = p.process(ctx, events)
		if lastErr == nil {
			atomic.AddInt64(&p.processed, int64(len(events)))
			return nil
		}
		p.logger.Warn("batch processing failed",
			zap.Int("attempt", attempt+1),
			zap.Int("events", len(events)),
			zap.Error(lastErr))
	}

	// Retries exhausted: redirect the batch so offsets can advance.
	for _, msg := range msgs {
		if err := p.deadLetter(ctx, msg, "processing_failed: "+lastErr.Error()); err != nil {
			// Leave the batch uncommitted; the broker redelivers it.
			return err
		}
	}
	return nil
}

// deadLetter republishes one message to the DLQ with the failure reason.
func (p *Pool) deadLetter(ctx context.Context, msg *transport.Message, reason string) error {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["failure_reason"] = reason
	headers["original_topic"] = msg.Topic

	err := p.tr.Publish(ctx, &transport.Message{
		Topic:     p.transport.DeadLetterTopic,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		metrics.EventsFailed.WithLabelValues("consumer_pool", "dead_letter_failed").Inc()
		return errors.Wrap(err, errors.ErrorTypeTransport, "dead-letter publish failed")
	}

	metrics.EventsDeadLettered.WithLabelValues(p.transport.DeadLetterTopic).Inc()
	p.logger.Warn("message routed to dead-letter topic",
		zap.String("event_id", headers["event_id"]),
		zap.String("reason", reason))
	return nil
}
