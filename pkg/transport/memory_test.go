package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/pkg/errors"
)

type collector struct {
	mu   sync.Mutex
	msgs []*Message
	err  error // returned once per delivery while set
}

func (c *collector) handle(ctx context.Context, msgs []*Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		err := c.err
		c.err = nil
		return err
	}
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	mt := NewMemoryTransport(4)
	defer mt.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, mt.Publish(ctx, &Message{
			Topic: "usage.events",
			Key:   "tenant-1",
			Value: []byte("event"),
		}))
	}

	c := &collector{}
	sub, err := mt.Subscribe(ctx, []string{"usage.events"}, "usage-processor",
		SubscribeOptions{BatchSize: 5, BatchTimeout: 10 * time.Millisecond}, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	waitFor(t, func() bool { return c.count() == 10 })
}

func TestSameKeySamePartition(t *testing.T) {
	mt := NewMemoryTransport(8)
	defer mt.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, mt.Publish(ctx, &Message{Topic: "t", Key: "tenant-42"}))
	}

	partitions := make(map[int32]int)
	for _, msg := range mt.TopicMessages("t") {
		partitions[msg.Partition]++
	}
	assert.Len(t, partitions, 1)
}

func TestHandlerErrorRedelivers(t *testing.T) {
	mt := NewMemoryTransport(1)
	defer mt.Close()
	ctx := context.Background()

	require.NoError(t, mt.Publish(ctx, &Message{Topic: "t", Key: "k", Value: []byte("v")}))

	c := &collector{err: errors.New(errors.ErrorTypeFlush, "downstream busy")}
	sub, err := mt.Subscribe(ctx, []string{"t"}, "g",
		SubscribeOptions{BatchSize: 10, BatchTimeout: 5 * time.Millisecond}, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	// First delivery fails; the uncommitted message is delivered again.
	waitFor(t, func() bool { return c.count() == 1 })
}

func TestPauseResume(t *testing.T) {
	mt := NewMemoryTransport(2)
	defer mt.Close()
	ctx := context.Background()

	c := &collector{}
	sub, err := mt.Subscribe(ctx, []string{"t"}, "g",
		SubscribeOptions{BatchSize: 10, BatchTimeout: 5 * time.Millisecond}, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	sub.Pause()
	require.NoError(t, mt.Publish(ctx, &Message{Topic: "t", Key: "k"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.count())

	sub.Resume()
	waitFor(t, func() bool { return c.count() == 1 })
}

func TestGroupSplitsPartitions(t *testing.T) {
	mt := NewMemoryTransport(4)
	defer mt.Close()
	ctx := context.Background()

	c1, c2 := &collector{}, &collector{}
	sub1, err := mt.Subscribe(ctx, []string{"t"}, "g",
		SubscribeOptions{BatchSize: 10, BatchTimeout: 5 * time.Millisecond}, c1.handle)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := mt.Subscribe(ctx, []string{"t"}, "g",
		SubscribeOptions{BatchSize: 10, BatchTimeout: 5 * time.Millisecond}, c2.handle)
	require.NoError(t, err)
	defer sub2.Close()

	// Distinct keys spread across partitions; each message is consumed by
	// exactly one member.
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keys {
		require.NoError(t, mt.Publish(ctx, &Message{Topic: "t", Key: k}))
	}

	waitFor(t, func() bool { return c1.count()+c2.count() == len(keys) })
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, len(keys), c1.count()+c2.count())
}

func TestPublishErrorInjection(t *testing.T) {
	mt := NewMemoryTransport(1)
	defer mt.Close()
	ctx := context.Background()

	mt.SetPublishError(func(msg *Message) error {
		return errors.New(errors.ErrorTypeTransport, "broker down")
	})
	err := mt.Publish(ctx, &Message{Topic: "t", Key: "k"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransport))

	mt.SetPublishError(nil)
	assert.NoError(t, mt.Publish(ctx, &Message{Topic: "t", Key: "k"}))
}

func TestPublishBatchContinuesPastFailure(t *testing.T) {
	mt := NewMemoryTransport(1)
	defer mt.Close()
	ctx := context.Background()

	mt.SetPublishError(func(msg *Message) error {
		if string(msg.Value) == "bad" {
			return errors.New(errors.ErrorTypeTransport, "rejected")
		}
		return nil
	})

	err := mt.PublishBatch(ctx, []*Message{
		{Topic: "t", Key: "a", Value: []byte("ok")},
		{Topic: "t", Key: "b", Value: []byte("bad")},
		{Topic: "t", Key: "c", Value: []byte("ok")},
	})
	require.Error(t, err)
	assert.Equal(t, 2, mt.TopicDepth("t"))
}

func TestClosedTransportRejectsPublish(t *testing.T) {
	mt := NewMemoryTransport(1)
	require.NoError(t, mt.Close())

	err := mt.Publish(context.Background(), &Message{Topic: "t", Key: "k"})
	assert.Error(t, err)
	assert.Error(t, mt.Healthy(context.Background()))
}
