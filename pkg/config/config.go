// Package config provides the unified configuration system for Meterflow.
// It defines a single PipelineConfig structure covering every component of
// the ingestion pipeline, ensuring consistent configuration across the
// entire system.
//
// The configuration is organized into logical sections:
//   - Transport: broker endpoints, topics, producer/consumer tuning
//   - Consumer: worker pool sizing and batch fetch behavior
//   - WriteBehind: coalescing, flush cadence, retry limits
//   - Sharding: static shard descriptors and fan-out limits
//   - Reliability: retry/backoff defaults shared by components
//   - Observability: metrics and logging
//
// Example usage:
//
//	cfg := config.DefaultConfig()
//	cfg.Transport.Brokers = []string{"kafka-1:9092"}
//	cfg.Sharding.Shards = shards
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// PipelineConfig is the single unified configuration structure for the
// ingestion pipeline. The coordinator constructs every component from it.
type PipelineConfig struct {
	// Name identifies the pipeline instance
	Name string `yaml:"name" json:"name"`
	// ProducerID identifies this producer in event metadata
	ProducerID string `yaml:"producer_id" json:"producer_id"`

	// Transport settings for the message broker
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Consumer settings for the worker pool
	Consumer ConsumerConfig `yaml:"consumer" json:"consumer"`

	// WriteBehind settings for the buffering cache
	WriteBehind WriteBehindConfig `yaml:"write_behind" json:"write_behind"`

	// Sharding settings for the store layer
	Sharding ShardingConfig `yaml:"sharding" json:"sharding"`

	// Reliability settings shared by components
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// TransportConfig contains broker-related settings.
type TransportConfig struct {
	// Brokers lists broker endpoints
	Brokers []string `yaml:"brokers" json:"brokers"`
	// Topic is the primary usage-event topic
	Topic string `yaml:"topic" json:"topic"`
	// DeadLetterTopic receives events that could not be processed
	DeadLetterTopic string `yaml:"dead_letter_topic" json:"dead_letter_topic"`
	// GroupID is the consumer group for the processor pool
	GroupID string `yaml:"group_id" json:"group_id"`

	// Producer settings
	ProducerAcks        string `yaml:"producer_acks" json:"producer_acks"` // all, 1, 0
	ProducerRetries     int    `yaml:"producer_retries" json:"producer_retries"`
	ProducerCompression string `yaml:"producer_compression" json:"producer_compression"` // none, gzip, snappy, lz4
	EnableIdempotence   bool   `yaml:"enable_idempotence" json:"enable_idempotence"`

	// Consumer settings
	AutoOffsetReset     string        `yaml:"auto_offset_reset" json:"auto_offset_reset"` // earliest, latest
	SessionTimeout      time.Duration `yaml:"session_timeout" json:"session_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// Security settings
	SecurityProtocol      string `yaml:"security_protocol" json:"security_protocol"`
	SASLMechanism         string `yaml:"sasl_mechanism" json:"sasl_mechanism"`
	SASLUsername          string `yaml:"sasl_username" json:"sasl_username"`
	SASLPassword          string `yaml:"sasl_password" json:"sasl_password"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" json:"tls_insecure_skip_verify"`
}

// ConsumerConfig contains worker pool settings.
type ConsumerConfig struct {
	// Workers is the number of parallel consumer workers
	Workers int `yaml:"workers" json:"workers"`
	// BatchSize is the maximum number of records delivered per poll
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// BatchTimeout bounds how long a partial batch waits before delivery
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	// MaxProcessRetries bounds handler retries before dead-lettering a batch
	MaxProcessRetries int `yaml:"max_process_retries" json:"max_process_retries"`
	// DedupRetention is the idempotency-key retention window
	DedupRetention time.Duration `yaml:"dedup_retention" json:"dedup_retention"`
}

// WriteBehindConfig contains buffering cache settings.
type WriteBehindConfig struct {
	// FlushInterval is the cadence of the background flush loop and the
	// coalesce window TTL
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	// BatchSize is the maximum entries dequeued per flush cycle
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxQueueDepth is the high-water mark that triggers backpressure
	MaxQueueDepth int `yaml:"max_queue_depth" json:"max_queue_depth"`
	// ResumeQueueDepth is the low-water mark that releases backpressure
	ResumeQueueDepth int `yaml:"resume_queue_depth" json:"resume_queue_depth"`
	// MaxRetries bounds flush attempts before the permanent-failure log
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBaseDelay is the base of the exponential flush backoff
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	// RetryMaxDelay caps the flush backoff
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	// SyncPriority is the priority at or above which writes bypass batching
	SyncPriority int `yaml:"sync_priority" json:"sync_priority"`
	// FailureLogSize bounds the in-memory permanent-failure log
	FailureLogSize int `yaml:"failure_log_size" json:"failure_log_size"`
}

// ShardDescriptor describes one shard of the backing store. Static
// configuration loaded at startup; dynamic reconfiguration is out of scope.
type ShardDescriptor struct {
	ShardID  int      `yaml:"shard_id" json:"shard_id"`
	Primary  string   `yaml:"primary_endpoint" json:"primary_endpoint"`
	Replicas []string `yaml:"replica_endpoints" json:"replica_endpoints"`
	Capacity int      `yaml:"capacity" json:"capacity"`
	Active   bool     `yaml:"active" json:"active"`
}

// ShardingConfig contains store routing settings.
type ShardingConfig struct {
	// Shards is the static shard list consulted on every write/read
	Shards []ShardDescriptor `yaml:"shards" json:"shards"`
	// MaxConnsPerShard caps each shard's connection pool
	MaxConnsPerShard int `yaml:"max_conns_per_shard" json:"max_conns_per_shard"`
	// ShardTimeout bounds a single shard statement or fan-out leg
	ShardTimeout time.Duration `yaml:"shard_timeout" json:"shard_timeout"`
}

// ReliabilityConfig contains retry defaults shared by components.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum retry attempts for failed operations
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// ShutdownDeadline bounds the drain phase at shutdown
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline" json:"shutdown_deadline"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	// EnableMetrics activates the Prometheus listener
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// MetricsAddr is the listen address for /metrics
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// MetricsInterval sets how often rates are reported
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// Development switches the logger to console encoding
	Development bool `yaml:"development" json:"development"`
}

// DefaultConfig returns a PipelineConfig with production-ready defaults.
// Specific deployments override sections as needed.
func DefaultConfig() *PipelineConfig {
	return &PipelineConfig{
		Name:       "meterflow",
		ProducerID: "meterflow-0",
		Transport: TransportConfig{
			Brokers:           []string{"localhost:9092"},
			Topic:             "usage.events",
			DeadLetterTopic:   "usage.events.dlq",
			GroupID:           "usage-processor",
			ProducerAcks:      "all",
			ProducerRetries:   3,
			EnableIdempotence: true,
			AutoOffsetReset:   "earliest",
			SessionTimeout:    30 * time.Second,
			HeartbeatInterval: 3 * time.Second,
		},
		Consumer: ConsumerConfig{
			Workers:           runtime.NumCPU(),
			BatchSize:         500,
			BatchTimeout:      time.Second,
			MaxProcessRetries: 3,
			DedupRetention:    time.Hour,
		},
		WriteBehind: WriteBehindConfig{
			FlushInterval:    time.Second,
			BatchSize:        1000,
			MaxQueueDepth:    50000,
			ResumeQueueDepth: 20000,
			MaxRetries:       5,
			RetryBaseDelay:   100 * time.Millisecond,
			RetryMaxDelay:    30 * time.Second,
			SyncPriority:     8,
			FailureLogSize:   10000,
		},
		Sharding: ShardingConfig{
			MaxConnsPerShard: 10,
			ShardTimeout:     5 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:    3,
			RetryDelay:       time.Second,
			RetryMultiplier:  2.0,
			MaxRetryDelay:    60 * time.Second,
			ShutdownDeadline: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			EnableMetrics:   true,
			MetricsAddr:     ":9090",
			MetricsInterval: 30 * time.Second,
			LogLevel:        "info",
		},
	}
}

// Validate validates the configuration for correctness.
// The coordinator calls this before constructing any component so that
// startup fails fast on a bad configuration.
func (pc *PipelineConfig) Validate() error {
	if pc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(pc.Transport.Brokers) == 0 {
		return fmt.Errorf("transport.brokers is required")
	}
	if pc.Transport.Topic == "" {
		return fmt.Errorf("transport.topic is required")
	}
	if pc.Transport.GroupID == "" {
		return fmt.Errorf("transport.group_id is required")
	}
	if pc.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer.workers must be positive")
	}
	if pc.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer.batch_size must be positive")
	}
	if pc.WriteBehind.FlushInterval <= 0 {
		return fmt.Errorf("write_behind.flush_interval must be positive")
	}
	if pc.WriteBehind.BatchSize <= 0 {
		return fmt.Errorf("write_behind.batch_size must be positive")
	}
	if pc.WriteBehind.ResumeQueueDepth >= pc.WriteBehind.MaxQueueDepth {
		return fmt.Errorf("write_behind.resume_queue_depth must be below max_queue_depth")
	}
	if pc.WriteBehind.SyncPriority < 1 || pc.WriteBehind.SyncPriority > 10 {
		return fmt.Errorf("write_behind.sync_priority must be within 1-10")
	}
	if len(pc.Sharding.Shards) == 0 {
		return fmt.Errorf("sharding.shards is required")
	}
	seen := make(map[int]bool, len(pc.Sharding.Shards))
	for _, sd := range pc.Sharding.Shards {
		if sd.Primary == "" {
			return fmt.Errorf("shard %d: primary_endpoint is required", sd.ShardID)
		}
		if seen[sd.ShardID] {
			return fmt.Errorf("shard %d: duplicate shard_id", sd.ShardID)
		}
		seen[sd.ShardID] = true
	}
	if pc.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("reliability.retry_attempts cannot be negative")
	}
	return nil
}

// ActiveShards returns the descriptors marked active, in declaration order.
func (sc *ShardingConfig) ActiveShards() []ShardDescriptor {
	active := make([]ShardDescriptor, 0, len(sc.Shards))
	for _, sd := range sc.Shards {
		if sd.Active {
			active = append(active, sd)
		}
	}
	return active
}
