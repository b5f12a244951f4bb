package shard

import (
	"context"
	"sync"

	"github.com/meterflow/meterflow/pkg/errors"
	"github.com/meterflow/meterflow/pkg/models"
)

// MemoryAdapter is an in-process Adapter used by tests and local runs. It
// keeps per-shard tables keyed by record ID and models the store contract
// the cache depends on: upserts are idempotent on the record key, and a
// failed shard rejects every call until restored.
type MemoryAdapter struct {
	mu     sync.Mutex
	shards map[int]map[string]map[string]Row // shard -> table -> record id -> row
	failed map[int]error

	// QueryFunc interprets read statements for tests. When nil, Query
	// returns an unsupported-statement error.
	QueryFunc func(shardID int, tables map[string]map[string]Row, sql string, args []interface{}) ([]Row, error)
}

// NewMemoryAdapter creates an adapter for the given shard IDs.
func NewMemoryAdapter(shardIDs []int) *MemoryAdapter {
	a := &MemoryAdapter{
		shards: make(map[int]map[string]map[string]Row, len(shardIDs)),
		failed: make(map[int]error),
	}
	for _, id := range shardIDs {
		a.shards[id] = make(map[string]map[string]Row)
	}
	return a
}

// FailShard makes every call against the shard fail until RestoreShard.
func (a *MemoryAdapter) FailShard(shardID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed[shardID] = errors.Newf(errors.ErrorTypeShardUnavailable, "shard %d connection killed", shardID)
}

// RestoreShard clears an injected failure.
func (a *MemoryAdapter) RestoreShard(shardID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failed, shardID)
}

// ApplyWrites applies a flush batch to one shard's tables.
func (a *MemoryAdapter) ApplyWrites(ctx context.Context, shardID int, writes []*models.BufferedWrite) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFlush, "flush cancelled")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkShard(shardID); err != nil {
		return err
	}

	tables := a.shards[shardID]
	for _, w := range writes {
		table, ok := tables[w.Table]
		if !ok {
			table = make(map[string]Row)
			tables[w.Table] = table
		}

		switch w.Op {
		case models.OpInsert, models.OpUpsert:
			// Keyed by record ID: replaying an already-applied batch
			// overwrites instead of duplicating.
			row := make(Row, len(w.Payload))
			for k, v := range w.Payload {
				row[k] = v
			}
			row["tenant_id"] = w.TenantID
			table[w.RecordID] = row

		case models.OpUpdate:
			row, ok := table[w.RecordID]
			if !ok {
				return errors.New(errors.ErrorTypeFlush, "update of missing record").
					WithDetail("record_id", w.RecordID)
			}
			for k, v := range w.Payload {
				row[k] = v
			}

		case models.OpDelete:
			// Tenant-scoped like the SQL statements.
			if row, ok := table[w.RecordID]; ok && row["tenant_id"] == w.TenantID {
				delete(table, w.RecordID)
			}
		}
	}

	return nil
}

// ReadRecord reads one record, scoped to the tenant.
func (a *MemoryAdapter) ReadRecord(ctx context.Context, shardID int, table, recordID, tenantID string) (Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkShard(shardID); err != nil {
		return nil, err
	}

	row, ok := a.shards[shardID][table][recordID]
	if !ok || row["tenant_id"] != tenantID {
		return nil, errors.New(errors.ErrorTypeNotFound, "record not found").
			WithDetail("table", table).
			WithDetail("record_id", recordID)
	}

	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, nil
}

// Query delegates to QueryFunc.
func (a *MemoryAdapter) Query(ctx context.Context, shardID int, sql string, args ...interface{}) ([]Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkShard(shardID); err != nil {
		return nil, err
	}
	if a.QueryFunc == nil {
		return nil, errors.New(errors.ErrorTypeData, "unsupported statement")
	}
	return a.QueryFunc(shardID, a.shards[shardID], sql, args)
}

// QueryCrossShard fans out to the given shards, excluding failed ones.
func (a *MemoryAdapter) QueryCrossShard(ctx context.Context, shardIDs []int, sql string, args []interface{}, agg Aggregator) (*CrossShardResult, error) {
	result := &CrossShardResult{Results: make(map[int]*ShardResult, len(shardIDs))}

	for _, shardID := range shardIDs {
		rows, err := a.Query(ctx, shardID, sql, args...)
		result.Results[shardID] = &ShardResult{ShardID: shardID, Rows: rows, Err: err}
		if err != nil {
			result.Failed = append(result.Failed, shardID)
			continue
		}
		if agg != nil {
			if err := agg(shardID, rows); err != nil {
				return result, errors.Wrap(err, errors.ErrorTypeData, "aggregation failed")
			}
		}
	}

	return result, nil
}

// Healthy reports injected failures.
func (a *MemoryAdapter) Healthy(ctx context.Context, shardID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkShard(shardID)
}

// Close is a no-op.
func (a *MemoryAdapter) Close() error { return nil }

// TableRows returns a snapshot of one shard table. Test helper.
func (a *MemoryAdapter) TableRows(shardID int, table string) []Row {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Row
	for _, row := range a.shards[shardID][table] {
		copied := make(Row, len(row))
		for k, v := range row {
			copied[k] = v
		}
		out = append(out, copied)
	}
	return out
}

// RowCount returns the total rows for a table across all shards. Test
// helper.
func (a *MemoryAdapter) RowCount(table string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, tables := range a.shards {
		total += len(tables[table])
	}
	return total
}

// checkShard validates shard existence and injected failures. Caller
// holds a.mu.
func (a *MemoryAdapter) checkShard(shardID int) error {
	if _, ok := a.shards[shardID]; !ok {
		return errors.Newf(errors.ErrorTypeShardUnavailable, "unknown shard %d", shardID)
	}
	if err := a.failed[shardID]; err != nil {
		return err
	}
	return nil
}
