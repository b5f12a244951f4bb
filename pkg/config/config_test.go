package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *PipelineConfig {
	cfg := DefaultConfig()
	cfg.Sharding.Shards = []ShardDescriptor{
		{ShardID: 0, Primary: "postgres://shard0", Active: true},
		{ShardID: 1, Primary: "postgres://shard1", Active: true},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "usage.events", cfg.Transport.Topic)
	assert.Equal(t, "usage.events.dlq", cfg.Transport.DeadLetterTopic)
	assert.Equal(t, "usage-processor", cfg.Transport.GroupID)
	assert.Equal(t, time.Second, cfg.WriteBehind.FlushInterval)
	assert.Equal(t, 8, cfg.WriteBehind.SyncPriority)
	assert.True(t, cfg.Transport.EnableIdempotence)
	assert.Greater(t, cfg.WriteBehind.MaxQueueDepth, cfg.WriteBehind.ResumeQueueDepth)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PipelineConfig)
		wantErr string
	}{
		{"valid", func(c *PipelineConfig) {}, ""},
		{"missing name", func(c *PipelineConfig) { c.Name = "" }, "name"},
		{"no brokers", func(c *PipelineConfig) { c.Transport.Brokers = nil }, "brokers"},
		{"no topic", func(c *PipelineConfig) { c.Transport.Topic = "" }, "topic"},
		{"no group", func(c *PipelineConfig) { c.Transport.GroupID = "" }, "group_id"},
		{"zero workers", func(c *PipelineConfig) { c.Consumer.Workers = 0 }, "workers"},
		{"zero flush interval", func(c *PipelineConfig) { c.WriteBehind.FlushInterval = 0 }, "flush_interval"},
		{"inverted water marks", func(c *PipelineConfig) {
			c.WriteBehind.ResumeQueueDepth = c.WriteBehind.MaxQueueDepth
		}, "resume_queue_depth"},
		{"sync priority out of range", func(c *PipelineConfig) { c.WriteBehind.SyncPriority = 11 }, "sync_priority"},
		{"no shards", func(c *PipelineConfig) { c.Sharding.Shards = nil }, "shards"},
		{"shard without primary", func(c *PipelineConfig) {
			c.Sharding.Shards[1].Primary = ""
		}, "primary_endpoint"},
		{"duplicate shard id", func(c *PipelineConfig) {
			c.Sharding.Shards[1].ShardID = 0
		}, "duplicate"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestActiveShards(t *testing.T) {
	cfg := validConfig()
	cfg.Sharding.Shards[1].Active = false

	active := cfg.Sharding.ActiveShards()
	require.Len(t, active, 1)
	assert.Equal(t, 0, active[0].ShardID)
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meterflow.yaml")
	content := `
name: billing-ingest
transport:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
write_behind:
  flush_interval: 250ms
sharding:
  shards:
    - shard_id: 0
      primary_endpoint: postgres://shard0
      active: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "billing-ingest", cfg.Name)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Transport.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteBehind.FlushInterval)
	// Unset fields keep defaults.
	assert.Equal(t, "usage.events", cfg.Transport.Topic)
	assert.Equal(t, 8, cfg.WriteBehind.SyncPriority)
	require.NoError(t, cfg.Validate())
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("METERFLOW_TEST_PASSWORD", "s3cret")

	path := filepath.Join(t.TempDir(), "meterflow.yaml")
	content := `
transport:
  sasl_password: ${METERFLOW_TEST_PASSWORD}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Transport.SASLPassword)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := validConfig()
	cfg.Name = "saved"

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.Name)
	assert.Len(t, loaded.Sharding.Shards, 2)
}
