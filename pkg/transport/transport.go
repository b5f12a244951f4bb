// Package transport abstracts the at-least-once pub/sub broker that carries
// usage events. It provides key-partitioned publishing, consumer groups with
// manual commit, and batch delivery, with a Kafka implementation and an
// in-process implementation for tests.
package transport

import (
	"context"
	"time"
)

// Message is one unit on the broker. Key determines the partition; events
// are keyed by tenant ID so per-tenant ordering holds within a partition.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// Set on consumed messages
	Partition int32
	Offset    int64
}

// BatchHandler processes one delivered batch. Offsets are committed only
// after the handler returns nil; an error leaves the batch uncommitted for
// redelivery.
type BatchHandler func(ctx context.Context, msgs []*Message) error

// SubscribeOptions tunes batch delivery for a subscription.
type SubscribeOptions struct {
	// BatchSize is the maximum records per delivered batch
	BatchSize int
	// BatchTimeout bounds how long a partial batch waits before delivery
	BatchTimeout time.Duration
}

// Subscription is a running consumer-group membership. Pause and Resume
// stop and restart partition fetching without leaving the group; the
// coordinator drives them from backpressure.
type Subscription interface {
	Pause()
	Resume()
	Close() error
}

// Transport is the pluggable broker client.
type Transport interface {
	// Publish sends one message and returns once it is acknowledged.
	Publish(ctx context.Context, msg *Message) error

	// PublishBatch sends messages individually acknowledged; the returned
	// error aggregates per-message failures without aborting the rest.
	PublishBatch(ctx context.Context, msgs []*Message) error

	// Subscribe joins groupID on the topics with batch delivery and manual
	// commit semantics.
	Subscribe(ctx context.Context, topics []string, groupID string, opts SubscribeOptions, handler BatchHandler) (Subscription, error)

	// Healthy reports whether the broker is reachable.
	Healthy(ctx context.Context) error

	Close() error
}
