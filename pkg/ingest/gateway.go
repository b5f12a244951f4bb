// Package ingest implements the ingestion gateway: the producer-side entry
// point that validates usage events, attaches pipeline metadata, and
// publishes them to the broker keyed by tenant so per-tenant ordering is
// preserved. Transport failures retry with backoff and then dead-letter;
// callers only ever see accepted or a typed error.
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/errors"
	"github.com/meterflow/meterflow/pkg/json"
	"github.com/meterflow/meterflow/pkg/metrics"
	"github.com/meterflow/meterflow/pkg/models"
	"github.com/meterflow/meterflow/pkg/retry"
	"github.com/meterflow/meterflow/pkg/transport"
	"github.com/shopspring/decimal"
)

// BatchResult reports per-event outcomes of IngestBatch. Failure of one
// event never aborts the rest.
type BatchResult struct {
	Succeeded int
	Failed    int
	// Errors maps event ID to the error that rejected it
	Errors map[string]error
}

// Gateway validates and publishes usage events.
type Gateway struct {
	cfg        config.TransportConfig
	producerID string
	transport  transport.Transport
	policy     *retry.Policy
	logger     *zap.Logger

	accepted int64
	rejected int64
}

// NewGateway creates an ingestion gateway over the transport.
func NewGateway(cfg *config.PipelineConfig, tr transport.Transport, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg.Transport,
		producerID: cfg.ProducerID,
		transport:  tr,
		policy:     retry.FromConfig(cfg.Reliability),
		logger:     logger.With(zap.String("component", "ingest_gateway")),
	}
}

// Ingest validates one event and publishes it to the usage-event topic.
// Invalid events are rejected before publish. Transport failures retry
// under the reliability policy and fall back to the dead-letter topic;
// the caller sees nil when the event landed on either topic.
func (g *Gateway) Ingest(ctx context.Context, event *models.UsageEvent) error {
	if event == nil {
		atomic.AddInt64(&g.rejected, 1)
		metrics.EventsIngested.WithLabelValues(g.cfg.Topic, "rejected").Inc()
		return errors.New(errors.ErrorTypeValidation, "event is nil")
	}
	if err := event.Validate(); err != nil {
		atomic.AddInt64(&g.rejected, 1)
		metrics.EventsIngested.WithLabelValues(g.cfg.Topic, "rejected").Inc()
		metrics.EventsFailed.WithLabelValues("ingest_gateway", "validation").Inc()
		return err
	}

	g.stamp(event)

	payload, err := json.Marshal(event)
	if err != nil {
		atomic.AddInt64(&g.rejected, 1)
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode event").
			WithDetail("event_id", event.EventID)
	}

	msg := &transport.Message{
		Topic: g.cfg.Topic,
		// Tenant-keyed so one tenant's events share a partition
		Key:   event.TenantID,
		Value: payload,
		Headers: map[string]string{
			"event_id":    event.EventID,
			"producer_id": event.ProducerID,
		},
		Timestamp: event.ReceivedAt,
	}

	err = g.policy.Execute(ctx, func() error {
		return g.transport.Publish(ctx, msg)
	})
	if err != nil {
		return g.deadLetter(ctx, event, msg, err)
	}

	atomic.AddInt64(&g.accepted, 1)
	metrics.EventsIngested.WithLabelValues(g.cfg.Topic, "accepted").Inc()
	return nil
}

// IngestBatch publishes each event independently and reports per-event
// outcomes. A partial failure is expected operation, not an error of the
// batch call itself.
func (g *Gateway) IngestBatch(ctx context.Context, events []*models.UsageEvent) *BatchResult {
	result := &BatchResult{Errors: make(map[string]error)}
	batchID := uuid.NewString()

	for _, event := range events {
		if event != nil {
			event.BatchID = batchID
		}
		if err := g.Ingest(ctx, event); err != nil {
			result.Failed++
			key := "<nil>"
			if event != nil {
				key = event.EventID
			}
			result.Errors[key] = err
			continue
		}
		result.Succeeded++
	}
	return result
}

// Record is the billing-layer entry point: it builds a usage event from
// raw fields and ingests it, returning the assigned event ID.
func (g *Gateway) Record(ctx context.Context, tenantID, metricName string, quantity decimal.Decimal, unit string, properties models.Properties, idempotencyKey string) (string, error) {
	event := models.NewUsageEvent(tenantID, metricName, quantity, unit)
	event.Properties = properties.Clone()
	event.IdempotencyKey = idempotencyKey

	if err := g.Ingest(ctx, event); err != nil {
		return "", err
	}
	return event.EventID, nil
}

// Accepted returns the number of events accepted since start.
func (g *Gateway) Accepted() int64 { return atomic.LoadInt64(&g.accepted) }

// Rejected returns the number of events rejected since start.
func (g *Gateway) Rejected() int64 { return atomic.LoadInt64(&g.rejected) }

// stamp attaches pipeline metadata before publish.
func (g *Gateway) stamp(event *models.UsageEvent) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	event.ProducerID = g.producerID
	if event.BatchID == "" {
		event.BatchID = uuid.NewString()
	}
}

// deadLetter routes an event that exhausted publish retries to the DLQ
// with the failure reason in its headers. Only a DLQ publish failure
// propagates to the caller.
func (g *Gateway) deadLetter(ctx context.Context, event *models.UsageEvent, msg *transport.Message, cause error) error {
	dlqMsg := &transport.Message{
		Topic: g.cfg.DeadLetterTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: map[string]string{
			"event_id":       event.EventID,
			"producer_id":    event.ProducerID,
			"failure_reason": cause.Error(),
			"original_topic": g.cfg.Topic,
		},
		Timestamp: time.Now().UTC(),
	}

	if err := g.transport.Publish(ctx, dlqMsg); err != nil {
		metrics.EventsFailed.WithLabelValues("ingest_gateway", "dead_letter_failed").Inc()
		g.logger.Error("dead-letter publish failed, event dropped",
			zap.String("event_id", event.EventID),
			zap.String("tenant_id", event.TenantID),
			zap.NamedError("publish_error", cause),
			zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeTransport, "publish and dead-letter both failed").
			WithDetail("event_id", event.EventID)
	}

	metrics.EventsDeadLettered.WithLabelValues(g.cfg.DeadLetterTopic).Inc()
	g.logger.Warn("event routed to dead-letter topic",
		zap.String("event_id", event.EventID),
		zap.String("tenant_id", event.TenantID),
		zap.Error(cause))
	return nil
}
