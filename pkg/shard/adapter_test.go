package shard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/pkg/errors"
	"github.com/meterflow/meterflow/pkg/models"
)

func TestMemoryAdapterApplyWrites(t *testing.T) {
	a := NewMemoryAdapter([]int{0, 1})
	ctx := context.Background()

	writes := []*models.BufferedWrite{
		write("usage_events", models.OpInsert, map[string]interface{}{"id": "a", "tenant_id": "tenant-1", "quantity": 1}),
		write("usage_events", models.OpUpsert, map[string]interface{}{"id": "b", "tenant_id": "tenant-1", "quantity": 2}),
	}
	require.NoError(t, a.ApplyWrites(ctx, 0, writes))
	assert.Equal(t, 2, a.RowCount("usage_events"))

	row, err := a.ReadRecord(ctx, 0, "usage_events", "a", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 1, row["quantity"])
}

func TestMemoryAdapterUpsertReplayIdempotent(t *testing.T) {
	a := NewMemoryAdapter([]int{0})
	ctx := context.Background()

	w := write("usage_events", models.OpUpsert, map[string]interface{}{"id": "a", "tenant_id": "tenant-1", "quantity": 1})
	require.NoError(t, a.ApplyWrites(ctx, 0, []*models.BufferedWrite{w}))
	require.NoError(t, a.ApplyWrites(ctx, 0, []*models.BufferedWrite{w}))

	assert.Equal(t, 1, a.RowCount("usage_events"))
}

func TestMemoryAdapterUpdateMissingRecord(t *testing.T) {
	a := NewMemoryAdapter([]int{0})
	w := write("usage_events", models.OpUpdate, map[string]interface{}{"id": "ghost", "quantity": 1})

	err := a.ApplyWrites(context.Background(), 0, []*models.BufferedWrite{w})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFlush))
}

func TestMemoryAdapterDelete(t *testing.T) {
	a := NewMemoryAdapter([]int{0})
	ctx := context.Background()

	ins := write("usage_events", models.OpInsert, map[string]interface{}{"id": "a", "tenant_id": "tenant-1"})
	require.NoError(t, a.ApplyWrites(ctx, 0, []*models.BufferedWrite{ins}))

	del := write("usage_events", models.OpDelete, map[string]interface{}{"id": "a"})
	require.NoError(t, a.ApplyWrites(ctx, 0, []*models.BufferedWrite{del}))
	assert.Equal(t, 0, a.RowCount("usage_events"))
}

func TestMemoryAdapterDeleteScopedToTenant(t *testing.T) {
	a := NewMemoryAdapter([]int{0})
	ctx := context.Background()

	ins := write("usage_events", models.OpInsert, map[string]interface{}{"id": "a", "tenant_id": "tenant-1"})
	require.NoError(t, a.ApplyWrites(ctx, 0, []*models.BufferedWrite{ins}))

	// Another tenant's delete of the same record ID is a no-op.
	del := models.NewBufferedWrite("usage_events", models.OpDelete,
		map[string]interface{}{"id": "a"}, "tenant-2", 5)
	require.NoError(t, a.ApplyWrites(ctx, 0, []*models.BufferedWrite{del}))
	assert.Equal(t, 1, a.RowCount("usage_events"))
}

func TestMemoryAdapterReadScopedToTenant(t *testing.T) {
	a := NewMemoryAdapter([]int{0})
	ctx := context.Background()

	ins := write("usage_events", models.OpInsert, map[string]interface{}{"id": "a", "tenant_id": "tenant-1"})
	require.NoError(t, a.ApplyWrites(ctx, 0, []*models.BufferedWrite{ins}))

	_, err := a.ReadRecord(ctx, 0, "usage_events", "a", "tenant-2")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestMemoryAdapterFailedShardRejectsCalls(t *testing.T) {
	a := NewMemoryAdapter([]int{0})
	ctx := context.Background()
	a.FailShard(0)

	w := write("usage_events", models.OpInsert, map[string]interface{}{"id": "a"})
	err := a.ApplyWrites(ctx, 0, []*models.BufferedWrite{w})
	assert.True(t, errors.IsType(err, errors.ErrorTypeShardUnavailable))
	assert.Error(t, a.Healthy(ctx, 0))

	a.RestoreShard(0)
	assert.NoError(t, a.Healthy(ctx, 0))
}

func TestQueryCrossShardAggregates(t *testing.T) {
	a := NewMemoryAdapter([]int{0, 1, 2})
	a.QueryFunc = func(shardID int, tables map[string]map[string]Row, sql string, args []interface{}) ([]Row, error) {
		return []Row{{"shard": shardID}}, nil
	}

	var got []int
	result, err := a.QueryCrossShard(context.Background(), []int{0, 1, 2}, "SELECT 1", nil,
		func(shardID int, rows []Row) error {
			got = append(got, shardID)
			return nil
		})
	require.NoError(t, err)
	assert.False(t, result.Partial())
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestQueryCrossShardPartialOnFailure(t *testing.T) {
	a := NewMemoryAdapter([]int{0, 1, 2})
	a.QueryFunc = func(shardID int, tables map[string]map[string]Row, sql string, args []interface{}) ([]Row, error) {
		return nil, nil
	}
	a.FailShard(1)

	aggregated := 0
	result, err := a.QueryCrossShard(context.Background(), []int{0, 1, 2}, "SELECT 1", nil,
		func(shardID int, rows []Row) error {
			aggregated++
			return nil
		})
	require.NoError(t, err)

	// One degraded shard flags the result partial; the rest still count.
	assert.True(t, result.Partial())
	assert.Equal(t, []int{1}, result.Failed)
	assert.Equal(t, 2, aggregated)
	assert.Error(t, result.Results[1].Err)
}
