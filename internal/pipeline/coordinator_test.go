package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/json"
	"github.com/meterflow/meterflow/pkg/models"
	"github.com/meterflow/meterflow/pkg/shard"
	"github.com/meterflow/meterflow/pkg/transport"
)

func testConfig(shards int) *config.PipelineConfig {
	cfg := config.DefaultConfig()
	cfg.Consumer.Workers = 2
	cfg.Consumer.BatchSize = 100
	cfg.Consumer.BatchTimeout = 20 * time.Millisecond
	cfg.WriteBehind.FlushInterval = 30 * time.Millisecond
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.ShutdownDeadline = 5 * time.Second
	cfg.Observability.MetricsInterval = 50 * time.Millisecond
	for i := 0; i < shards; i++ {
		cfg.Sharding.Shards = append(cfg.Sharding.Shards, config.ShardDescriptor{
			ShardID:  i,
			Primary:  "memory://primary",
			Capacity: 1000,
			Active:   true,
		})
	}
	return cfg
}

func newTestCoordinator(t *testing.T, cfg *config.PipelineConfig) (*Coordinator, *transport.MemoryTransport, *shard.MemoryAdapter) {
	t.Helper()

	mt := transport.NewMemoryTransport(4)
	ids := make([]int, 0, len(cfg.Sharding.Shards))
	for _, s := range cfg.Sharding.Shards {
		ids = append(ids, s.ShardID)
	}
	adapter := shard.NewMemoryAdapter(ids)

	coord, err := NewCoordinator(cfg, mt, adapter, zap.NewNop())
	require.NoError(t, err)
	return coord, mt, adapter
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEndIngestToStore(t *testing.T) {
	coord, _, adapter := newTestCoordinator(t, testConfig(3))
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))
	assert.Equal(t, StateRunning, coord.State())

	// 1000 events across 10 tenants land durably exactly once.
	gw := coord.Gateway()
	for i := 0; i < 1000; i++ {
		tenant := "tenant-" + string(rune('0'+i%10))
		_, err := gw.Record(ctx, tenant, "api_calls", decimal.NewFromInt(1), "requests", nil, "")
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return adapter.RowCount("usage_events") == 1000 })

	require.NoError(t, coord.Stop(ctx))
	assert.Equal(t, StateStopped, coord.State())
	assert.Equal(t, 1000, adapter.RowCount("usage_events"))
}

func TestEventRowShape(t *testing.T) {
	coord, _, adapter := newTestCoordinator(t, testConfig(1))
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	eventID, err := coord.Gateway().Record(ctx, "tenant-1", "storage_gb",
		decimal.NewFromFloat(2.5), "gigabytes", models.Properties{"region": "eu-west-1"}, "idem-1")
	require.NoError(t, err)

	waitFor(t, func() bool { return adapter.RowCount("usage_events") == 1 })

	rows := adapter.TableRows(0, "usage_events")
	require.Len(t, rows, 1)
	assert.Equal(t, eventID, rows[0]["id"])
	assert.Equal(t, "tenant-1", rows[0]["tenant_id"])
	assert.Equal(t, "storage_gb", rows[0]["metric_name"])
	assert.Equal(t, "2.5", rows[0]["quantity"])
	assert.Equal(t, "idem-1", rows[0]["idempotency_key"])
	assert.Equal(t, "meterflow-0", rows[0]["producer_id"])
}

func TestDuplicateEventsApplyOnce(t *testing.T) {
	coord, _, adapter := newTestCoordinator(t, testConfig(2))
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	event := models.NewUsageEvent("tenant-1", "api_calls", decimal.NewFromInt(5), "requests")
	event.IdempotencyKey = "idem-dup"

	// Redelivery of the same event must not double-apply.
	require.NoError(t, coord.Gateway().Ingest(ctx, event))
	require.NoError(t, coord.Gateway().Ingest(ctx, event))

	waitFor(t, func() bool { return adapter.RowCount("usage_events") == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, adapter.RowCount("usage_events"))
}

func TestFailedHandoffStaysEligibleForRedelivery(t *testing.T) {
	coord, _, adapter := newTestCoordinator(t, testConfig(2))
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	// Empty tenant: the cache rejects the write, so the batch must stay
	// uncommitted on every delivery rather than resolving to a
	// duplicate skip that silently drops the event.
	event := models.NewUsageEvent("", "api_calls", decimal.NewFromInt(1), "requests")
	event.IdempotencyKey = "idem-undeliverable"

	require.Error(t, coord.processBatch(ctx, []*models.UsageEvent{event}))
	require.Error(t, coord.processBatch(ctx, []*models.UsageEvent{event}))

	assert.Equal(t, 0, adapter.RowCount("usage_events"))
	assert.Equal(t, int64(0), coord.Applied())
}

func TestUndeliverableEventIsDeadLettered(t *testing.T) {
	cfg := testConfig(2)
	cfg.Consumer.MaxProcessRetries = 1
	coord, mt, adapter := newTestCoordinator(t, cfg)
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	// A broker message with an empty tenant can arrive from any
	// producer; it must end up in the DLQ, not vanish.
	payload, err := json.Marshal(models.NewUsageEvent("", "api_calls", decimal.NewFromInt(1), "requests"))
	require.NoError(t, err)
	require.NoError(t, mt.Publish(ctx, &transport.Message{
		Topic: "usage.events",
		Key:   "tenant-1",
		Value: payload,
	}))

	waitFor(t, func() bool { return mt.TopicDepth("usage.events.dlq") == 1 })
	assert.Equal(t, 0, adapter.RowCount("usage_events"))
}

func TestStartFailsFastWhenShardUnreachable(t *testing.T) {
	coord, _, adapter := newTestCoordinator(t, testConfig(2))

	adapter.FailShard(1)
	err := coord.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, coord.State())
}

func TestStartFailsFastWhenBrokerUnreachable(t *testing.T) {
	cfg := testConfig(1)
	coord, mt, _ := newTestCoordinator(t, cfg)

	require.NoError(t, mt.Close())
	err := coord.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, coord.State())
}

func TestLifecycleTransitionsAreGuarded(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, testConfig(1))
	ctx := context.Background()

	// Stop before Start is invalid.
	assert.Error(t, coord.Stop(ctx))

	require.NoError(t, coord.Start(ctx))
	assert.Error(t, coord.Start(ctx))

	require.NoError(t, coord.Stop(ctx))
	assert.Error(t, coord.Stop(ctx))
}

func TestDrainFlushesPendingWrites(t *testing.T) {
	cfg := testConfig(2)
	// Slow flush loop so writes are still queued when Stop begins.
	cfg.WriteBehind.FlushInterval = time.Hour
	coord, _, adapter := newTestCoordinator(t, cfg)
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))

	for i := 0; i < 50; i++ {
		_, err := coord.Gateway().Record(ctx, "tenant-1", "api_calls", decimal.NewFromInt(1), "requests", nil, "")
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return coord.Applied() == 50 })

	require.NoError(t, coord.Stop(ctx))
	assert.Equal(t, 50, adapter.RowCount("usage_events"))
}

func TestBackpressurePausesAndResumes(t *testing.T) {
	cfg := testConfig(1)
	cfg.WriteBehind.FlushInterval = time.Hour // hold writes in the queue
	cfg.WriteBehind.MaxQueueDepth = 10
	cfg.WriteBehind.ResumeQueueDepth = 2
	coord, _, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))

	for i := 0; i < 30; i++ {
		_, err := coord.Gateway().Record(ctx, "tenant-1", "api_calls", decimal.NewFromInt(1), "requests", nil, "")
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return coord.pool.Paused() })

	// Draining the queue must release backpressure.
	coord.cache.Flush(ctx)
	waitFor(t, func() bool { return !coord.pool.Paused() })

	require.NoError(t, coord.Stop(ctx))
}

func TestHealthReportsDegradedShard(t *testing.T) {
	coord, _, adapter := newTestCoordinator(t, testConfig(2))
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	adapter.FailShard(1)
	h := coord.Health(ctx)
	assert.Equal(t, "running", h.State)
	assert.Equal(t, "ok", h.Shards[0])
	assert.Contains(t, h.Shards[1], "shard 1")
	assert.Equal(t, "ok", h.Transport)
	adapter.RestoreShard(1)
}

func TestUsageSummaryAggregatesAcrossShards(t *testing.T) {
	coord, _, adapter := newTestCoordinator(t, testConfig(3))
	ctx := context.Background()

	adapter.QueryFunc = func(shardID int, tables map[string]map[string]shard.Row, sql string, args []interface{}) ([]shard.Row, error) {
		metric := args[0].(string)
		totals := make(map[string]float64)
		for _, row := range tables["usage_events"] {
			if row["metric_name"] != metric {
				continue
			}
			tenantID, _ := row["tenant_id"].(string)
			q, _ := row["quantity"].(string)
			d, err := decimal.NewFromString(q)
			if err != nil {
				continue
			}
			f, _ := d.Float64()
			totals[tenantID] += f
		}
		var out []shard.Row
		for tenantID, total := range totals {
			out = append(out, shard.Row{
				"tenant_id":      tenantID,
				"metric_name":    metric,
				"total_quantity": total,
			})
		}
		return out, nil
	}

	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	for i := 0; i < 60; i++ {
		tenant := "tenant-" + string(rune('a'+i%3))
		_, err := coord.Gateway().Record(ctx, tenant, "api_calls", decimal.NewFromInt(2), "requests", nil, "")
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return adapter.RowCount("usage_events") == 60 })

	summary, err := coord.UsageSummary(ctx, "api_calls", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, summary.Partial)

	total := 0.0
	for _, v := range summary.Totals {
		total += v.(float64)
	}
	assert.Equal(t, 120.0, total)
}

func TestUsageSummaryPartialOnFailedShard(t *testing.T) {
	coord, _, adapter := newTestCoordinator(t, testConfig(3))
	ctx := context.Background()

	adapter.QueryFunc = func(shardID int, tables map[string]map[string]shard.Row, sql string, args []interface{}) ([]shard.Row, error) {
		return nil, nil
	}

	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	adapter.FailShard(2)
	summary, err := coord.UsageSummary(ctx, "api_calls", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, summary.Partial)
	assert.Equal(t, []int{2}, summary.FailedShards)
	adapter.RestoreShard(2)
}
