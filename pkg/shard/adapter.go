package shard

import (
	"context"

	"github.com/meterflow/meterflow/pkg/models"
)

// Row is one result row from a shard query.
type Row map[string]interface{}

// ShardResult carries one shard's leg of a cross-shard fan-out.
type ShardResult struct {
	ShardID int
	Rows    []Row
	Err     error
}

// CrossShardResult aggregates a fan-out. A failed or excluded shard is
// flagged in Failed and recorded in Results with its error; the fan-out
// itself never fails outright while at least one shard answers.
type CrossShardResult struct {
	Results map[int]*ShardResult
	Failed  []int
}

// Partial reports whether any shard failed or was excluded.
func (r *CrossShardResult) Partial() bool {
	return len(r.Failed) > 0
}

// Aggregator folds per-shard rows into a caller-owned accumulator during a
// cross-shard query. It is called once per successful shard, serially.
type Aggregator func(shardID int, rows []Row) error

// Adapter executes statements against the sharded store. Implementations
// must keep each call to a single network round trip per shard; no
// long-lived transactions.
type Adapter interface {
	// ApplyWrites executes a flush batch against one shard. The batch may
	// mix tables and operations; the adapter groups them into batched
	// statements. Upserts use the record ID as the conflict key so
	// re-flushing an already-flushed batch cannot duplicate rows.
	ApplyWrites(ctx context.Context, shardID int, writes []*models.BufferedWrite) error

	// ReadRecord reads one record from the shard's read endpoint.
	// Returns a not_found error when the record does not exist.
	ReadRecord(ctx context.Context, shardID int, table, recordID, tenantID string) (Row, error)

	// Query runs a read statement against one shard.
	Query(ctx context.Context, shardID int, sql string, args ...interface{}) ([]Row, error)

	// QueryCrossShard fans the statement out to all given shards
	// concurrently, aggregating successful legs and flagging failed ones.
	QueryCrossShard(ctx context.Context, shardIDs []int, sql string, args []interface{}, agg Aggregator) (*CrossShardResult, error)

	// Healthy reports whether the shard's primary is reachable.
	Healthy(ctx context.Context, shardID int) error

	Close() error
}
