// Package meterflow is the ingestion tier of a usage-based billing
// platform: it moves usage events from producers to a sharded store with
// high throughput and no silent loss.
//
// Events enter through the ingestion gateway, which validates them and
// publishes to a Kafka topic keyed by tenant, preserving per-tenant
// ordering. A consumer-group worker pool delivers batches under manual
// commit, so handoff to the write path is at-least-once. The write-behind
// cache coalesces repeated updates to the same record, orders writes by
// priority, and flushes batched statements through a modulo-hash shard
// router to per-shard PostgreSQL primaries; failed flushes retry with
// exponential backoff and land in a permanent-failure log once retries
// are exhausted. The pipeline coordinator owns startup and shutdown
// order, applies queue-depth backpressure by pausing consumers, and
// drains the cache under a deadline at shutdown.
//
// # Layout
//
//   - cmd/meterflow: CLI entry point (run, validate, version)
//   - internal/pipeline: coordinator, lifecycle state machine, dedup
//   - pkg/ingest: producer-side gateway with retry and dead-lettering
//   - pkg/consume: consumer-group worker pool
//   - pkg/writebehind: coalescing write-behind cache
//   - pkg/shard: tenant routing, statement building, store adapters
//   - pkg/transport: broker abstraction (Kafka and in-memory)
//   - pkg/config, pkg/logger, pkg/errors, pkg/metrics, pkg/json,
//     pkg/models, pkg/retry: shared infrastructure
package meterflow
