package shard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/errors"
)

func shardingConfig(n int) config.ShardingConfig {
	cfg := config.ShardingConfig{}
	for i := 0; i < n; i++ {
		cfg.Shards = append(cfg.Shards, config.ShardDescriptor{
			ShardID: i,
			Primary: fmt.Sprintf("postgres://primary-%d", i),
			Replicas: []string{
				fmt.Sprintf("postgres://replica-%d-a", i),
				fmt.Sprintf("postgres://replica-%d-b", i),
			},
			Capacity: 1000,
			Active:   true,
		})
	}
	return cfg
}

func TestNewRouterRequiresShards(t *testing.T) {
	_, err := NewRouter(config.ShardingConfig{}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestShardForIsDeterministic(t *testing.T) {
	router, err := NewRouter(shardingConfig(4), zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		tenant := fmt.Sprintf("tenant-%d", i)
		first := router.ShardFor(tenant)
		for j := 0; j < 10; j++ {
			assert.Equal(t, first, router.ShardFor(tenant))
		}
	}
}

func TestShardForDistributesUniformly(t *testing.T) {
	const shards = 4
	const tenants = 10000

	router, err := NewRouter(shardingConfig(shards), zap.NewNop())
	require.NoError(t, err)

	counts := make(map[int]int, shards)
	for i := 0; i < tenants; i++ {
		counts[router.ShardFor(fmt.Sprintf("tenant-%d", i))]++
	}

	// FNV over random-ish tenant IDs should stay near tenants/shards.
	expected := tenants / shards
	for shardID, count := range counts {
		assert.InDelta(t, expected, count, float64(expected)*0.2,
			"shard %d received %d of %d", shardID, count, tenants)
	}
}

func TestPrimaryAndInactiveShard(t *testing.T) {
	cfg := shardingConfig(2)
	cfg.Shards[1].Active = false
	router, err := NewRouter(cfg, zap.NewNop())
	require.NoError(t, err)

	ep, err := router.Primary(0)
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary-0", ep)

	_, err = router.Primary(1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeShardUnavailable))

	_, err = router.Primary(99)
	assert.True(t, errors.IsType(err, errors.ErrorTypeShardUnavailable))
}

func TestReplicaRoundRobin(t *testing.T) {
	router, err := NewRouter(shardingConfig(1), zap.NewNop())
	require.NoError(t, err)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		ep, err := router.Replica(0)
		require.NoError(t, err)
		seen[ep]++
	}
	assert.Equal(t, 3, seen["postgres://replica-0-a"])
	assert.Equal(t, 3, seen["postgres://replica-0-b"])
}

func TestReplicaFallsBackToPrimary(t *testing.T) {
	cfg := shardingConfig(1)
	cfg.Shards[0].Replicas = nil
	router, err := NewRouter(cfg, zap.NewNop())
	require.NoError(t, err)

	ep, err := router.Replica(0)
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary-0", ep)
}

func TestActiveShardIDsExcludesInactive(t *testing.T) {
	cfg := shardingConfig(3)
	cfg.Shards[1].Active = false
	router, err := NewRouter(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, router.ShardIDs())
	assert.Equal(t, []int{0, 2}, router.ActiveShardIDs())
	assert.Equal(t, 3, router.ShardCount())
}
