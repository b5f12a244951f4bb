// Package models provides the data model for the usage-event pipeline:
// usage events published to the broker, buffered writes held by the
// write-behind cache, and the open property map carried by both.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterflow/meterflow/pkg/errors"
)

// Properties is the open key-value map attached to a usage event. Values
// are restricted by the serialization contract to JSON-representable
// types: string, bool, numbers, nested maps and slices thereof.
type Properties map[string]interface{}

// Clone returns a shallow copy of the property map.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// UsageEvent is a single unit of metered activity. Events are immutable
// once published and delivered at-least-once; downstream dedup is by
// IdempotencyKey within a retention window.
type UsageEvent struct {
	// EventID uniquely identifies the event
	EventID string `json:"event_id"`

	// TenantID attributes the usage and is the partition key, preserving
	// per-tenant ordering on the broker
	TenantID string `json:"tenant_id"`

	// MetricName identifies what was metered (e.g. "api_calls")
	MetricName string `json:"metric_name"`

	// Quantity is the non-negative metered amount
	Quantity decimal.Decimal `json:"quantity"`

	// Unit qualifies the quantity (e.g. "requests", "bytes")
	Unit string `json:"unit"`

	// Timestamp is the business time the usage was observed
	Timestamp time.Time `json:"timestamp"`

	// Properties carries open event metadata
	Properties Properties `json:"properties,omitempty"`

	// IdempotencyKey, when set, dedups retried submissions
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Producer metadata, attached at ingest
	ReceivedAt time.Time `json:"received_at"`
	ProducerID string    `json:"producer_id,omitempty"`
	BatchID    string    `json:"batch_id,omitempty"`
}

// NewUsageEvent constructs an event with a fresh event ID and the current
// time as both business and received timestamp.
func NewUsageEvent(tenantID, metricName string, quantity decimal.Decimal, unit string) *UsageEvent {
	now := time.Now().UTC()
	return &UsageEvent{
		EventID:    uuid.NewString(),
		TenantID:   tenantID,
		MetricName: metricName,
		Quantity:   quantity,
		Unit:       unit,
		Timestamp:  now,
		ReceivedAt: now,
	}
}

// Validate checks the required-field invariants enforced before publish.
func (e *UsageEvent) Validate() error {
	if e.TenantID == "" {
		return errors.New(errors.ErrorTypeValidation, "tenant_id is required")
	}
	if e.MetricName == "" {
		return errors.New(errors.ErrorTypeValidation, "metric_name must be non-empty")
	}
	if !e.Quantity.IsPositive() {
		return errors.New(errors.ErrorTypeValidation, "quantity must be positive").
			WithDetail("quantity", e.Quantity.String())
	}
	return nil
}

// DedupKey returns the key used for idempotent delivery: the caller's
// idempotency key when present, otherwise the event ID.
func (e *UsageEvent) DedupKey() string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	return e.EventID
}
