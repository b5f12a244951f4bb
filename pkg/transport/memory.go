package transport

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/meterflow/meterflow/pkg/errors"
)

// MemoryTransport is an in-process Transport used by tests and local runs.
// It models the broker contract the pipeline depends on: key-hash partition
// assignment (so per-key ordering holds), consumer groups with partition
// distribution, batch delivery, and redelivery of uncommitted batches.
type MemoryTransport struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][]*memoryPartition
	groups     map[string][]*memorySubscription
	publishErr func(msg *Message) error
	closed     bool
}

type memoryPartition struct {
	mu        sync.Mutex
	messages  []*Message
	committed int64
}

// NewMemoryTransport creates a transport with the given partition count per
// topic.
func NewMemoryTransport(partitions int) *MemoryTransport {
	if partitions <= 0 {
		partitions = 4
	}
	return &MemoryTransport{
		partitions: partitions,
		topics:     make(map[string][]*memoryPartition),
		groups:     make(map[string][]*memorySubscription),
	}
}

// SetPublishError installs a fault-injection hook invoked before every
// publish; a non-nil return fails the publish.
func (mt *MemoryTransport) SetPublishError(fn func(msg *Message) error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.publishErr = fn
}

// Publish appends the message to the partition selected by its key.
func (mt *MemoryTransport) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "publish cancelled")
	}

	mt.mu.Lock()
	if mt.closed {
		mt.mu.Unlock()
		return errors.New(errors.ErrorTypeTransport, "transport is closed")
	}
	hook := mt.publishErr
	parts := mt.partitionsFor(msg.Topic)
	mt.mu.Unlock()

	if hook != nil {
		if err := hook(msg); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransport, "publish failed")
		}
	}

	p := parts[partitionFor(msg.Key, len(parts))]
	p.mu.Lock()
	stored := *msg
	stored.Partition = int32(partitionFor(msg.Key, len(parts)))
	stored.Offset = int64(len(p.messages))
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	p.messages = append(p.messages, &stored)
	p.mu.Unlock()

	return nil
}

// PublishBatch publishes each message independently.
func (mt *MemoryTransport) PublishBatch(ctx context.Context, msgs []*Message) error {
	var firstErr error
	for _, msg := range msgs {
		if err := mt.Publish(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe adds a member to the group and rebalances partition assignment
// across the group's members.
func (mt *MemoryTransport) Subscribe(ctx context.Context, topics []string, groupID string, opts SubscribeOptions, handler BatchHandler) (Subscription, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.closed {
		return nil, errors.New(errors.ErrorTypeTransport, "transport is closed")
	}

	for _, topic := range topics {
		mt.partitionsFor(topic)
	}

	sub := &memorySubscription{
		transport: mt,
		topics:    topics,
		groupID:   groupID,
		opts:      opts,
		handler:   handler,
		stopCh:    make(chan struct{}),
	}
	mt.groups[groupID] = append(mt.groups[groupID], sub)
	mt.rebalance(groupID)

	sub.wg.Add(1)
	go sub.poll(ctx)

	return sub, nil
}

// Healthy always succeeds while the transport is open.
func (mt *MemoryTransport) Healthy(ctx context.Context) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed {
		return errors.New(errors.ErrorTypeTransport, "transport is closed")
	}
	return nil
}

// Close stops all subscriptions.
func (mt *MemoryTransport) Close() error {
	mt.mu.Lock()
	if mt.closed {
		mt.mu.Unlock()
		return nil
	}
	mt.closed = true
	var subs []*memorySubscription
	for _, members := range mt.groups {
		subs = append(subs, members...)
	}
	mt.groups = make(map[string][]*memorySubscription)
	mt.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// TopicDepth returns the total number of messages ever published to a
// topic. Test helper.
func (mt *MemoryTransport) TopicDepth(topic string) int {
	mt.mu.Lock()
	parts := mt.partitionsFor(topic)
	mt.mu.Unlock()

	total := 0
	for _, p := range parts {
		p.mu.Lock()
		total += len(p.messages)
		p.mu.Unlock()
	}
	return total
}

// TopicMessages returns a snapshot of all messages on a topic in partition
// order. Test helper.
func (mt *MemoryTransport) TopicMessages(topic string) []*Message {
	mt.mu.Lock()
	parts := mt.partitionsFor(topic)
	mt.mu.Unlock()

	var out []*Message
	for _, p := range parts {
		p.mu.Lock()
		out = append(out, p.messages...)
		p.mu.Unlock()
	}
	return out
}

// partitionsFor lazily creates a topic. Caller holds mt.mu.
func (mt *MemoryTransport) partitionsFor(topic string) []*memoryPartition {
	parts, ok := mt.topics[topic]
	if !ok {
		parts = make([]*memoryPartition, mt.partitions)
		for i := range parts {
			parts[i] = &memoryPartition{}
		}
		mt.topics[topic] = parts
	}
	return parts
}

// rebalance redistributes topic partitions across group members
// round-robin. Caller holds mt.mu.
func (mt *MemoryTransport) rebalance(groupID string) {
	members := mt.groups[groupID]
	if len(members) == 0 {
		return
	}
	for _, m := range members {
		m.assignMu.Lock()
		m.assigned = nil
		m.assignMu.Unlock()
	}
	i := 0
	for _, topic := range members[0].topics {
		for _, p := range mt.topics[topic] {
			m := members[i%len(members)]
			m.assignMu.Lock()
			m.assigned = append(m.assigned, assignedPartition{topic: topic, part: p})
			m.assignMu.Unlock()
			i++
		}
	}
}

func (mt *MemoryTransport) dropMember(groupID string, sub *memorySubscription) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	members := mt.groups[groupID]
	for i, m := range members {
		if m == sub {
			mt.groups[groupID] = append(members[:i], members[i+1:]...)
			break
		}
	}
	mt.rebalance(groupID)
}

type assignedPartition struct {
	topic string
	part  *memoryPartition
}

type memorySubscription struct {
	transport *MemoryTransport
	topics    []string
	groupID   string
	opts      SubscribeOptions
	handler   BatchHandler

	assignMu sync.Mutex
	assigned []assignedPartition

	pauseMu sync.Mutex
	paused  bool

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func (s *memorySubscription) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.pauseMu.Lock()
		paused := s.paused
		s.pauseMu.Unlock()
		if paused {
			continue
		}

		batchSize := s.opts.BatchSize
		if batchSize <= 0 {
			batchSize = 500
		}

		s.assignMu.Lock()
		assigned := make([]assignedPartition, len(s.assigned))
		copy(assigned, s.assigned)
		s.assignMu.Unlock()

		for _, ap := range assigned {
			ap.part.mu.Lock()
			start := ap.part.committed
			end := int64(len(ap.part.messages))
			if end-start > int64(batchSize) {
				end = start + int64(batchSize)
			}
			if start >= end {
				ap.part.mu.Unlock()
				continue
			}
			batch := make([]*Message, end-start)
			copy(batch, ap.part.messages[start:end])
			ap.part.mu.Unlock()

			// Uncommitted batches are redelivered on the next poll,
			// matching broker at-least-once semantics.
			if err := s.handler(ctx, batch); err != nil {
				continue
			}

			ap.part.mu.Lock()
			if ap.part.committed == start {
				ap.part.committed = end
			}
			ap.part.mu.Unlock()
		}
	}
}

func (s *memorySubscription) Pause() {
	s.pauseMu.Lock()
	s.paused = true
	s.pauseMu.Unlock()
}

func (s *memorySubscription) Resume() {
	s.pauseMu.Lock()
	s.paused = false
	s.pauseMu.Unlock()
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.transport.dropMember(s.groupID, s)
	})
	s.wg.Wait()
	return nil
}

func partitionFor(key string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}
