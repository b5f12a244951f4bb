package shard

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/errors"
	"github.com/meterflow/meterflow/pkg/models"
)

// PgxAdapter executes statements against per-shard PostgreSQL clusters.
// Each endpoint gets its own pgxpool capped at MaxConnsPerShard, so shard
// concurrency is bounded by the pool rather than caller discipline.
type PgxAdapter struct {
	cfg    config.ShardingConfig
	router *Router
	logger *zap.Logger

	poolMu sync.Mutex
	pools  map[string]*pgxpool.Pool
}

// NewPgxAdapter connects to every active shard's primary, failing fast if
// any is unreachable at startup.
func NewPgxAdapter(ctx context.Context, cfg config.ShardingConfig, router *Router, logger *zap.Logger) (*PgxAdapter, error) {
	a := &PgxAdapter{
		cfg:    cfg,
		router: router,
		logger: logger.With(zap.String("component", "store_adapter")),
		pools:  make(map[string]*pgxpool.Pool),
	}

	for _, shardID := range router.ActiveShardIDs() {
		endpoint, err := router.Primary(shardID)
		if err != nil {
			a.closeAll()
			return nil, err
		}
		pool, err := a.poolFor(ctx, endpoint)
		if err != nil {
			a.closeAll()
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect shard primary").
				WithDetail("shard_id", shardID)
		}
		if err := pool.Ping(ctx); err != nil {
			a.closeAll()
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "shard primary unreachable").
				WithDetail("shard_id", shardID)
		}
	}

	a.logger.Info("store adapter connected", zap.Ints("shards", router.ActiveShardIDs()))
	return a, nil
}

// ApplyWrites flushes a batch against one shard's primary. Writes are
// grouped into batched statements and sent as a single pgx batch, one
// network round trip.
func (a *PgxAdapter) ApplyWrites(ctx context.Context, shardID int, writes []*models.BufferedWrite) error {
	if len(writes) == 0 {
		return nil
	}

	endpoint, err := a.router.Primary(shardID)
	if err != nil {
		return err
	}
	pool, err := a.poolFor(ctx, endpoint)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeShardUnavailable, "failed to connect shard").
			WithDetail("shard_id", shardID)
	}

	ctx, cancel := a.withShardTimeout(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, g := range GroupWrites(writes) {
		switch g.Op {
		case models.OpInsert:
			sql, args := buildInsert(g)
			batch.Queue(sql, args...)
		case models.OpUpsert:
			sql, args := buildUpsert(g)
			batch.Queue(sql, args...)
		case models.OpUpdate:
			for _, w := range g.Writes {
				sql, args := buildUpdate(w)
				if sql == "" {
					continue
				}
				batch.Queue(sql, args...)
			}
		case models.OpDelete:
			sql, args := buildDelete(g)
			batch.Queue(sql, args...)
		}
	}

	br := pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFlush, "batched statement failed").
				WithDetail("shard_id", shardID)
		}
	}

	return nil
}

// ReadRecord reads one record from the shard's read replica.
func (a *PgxAdapter) ReadRecord(ctx context.Context, shardID int, table, recordID, tenantID string) (Row, error) {
	sql := "SELECT * FROM " + pgx.Identifier{table}.Sanitize() + " WHERE id = $1 AND tenant_id = $2"
	rows, err := a.queryEndpoint(ctx, shardID, true, sql, recordID, tenantID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New(errors.ErrorTypeNotFound, "record not found").
			WithDetail("table", table).
			WithDetail("record_id", recordID)
	}
	return rows[0], nil
}

// Query runs a read statement against the shard's read replica.
func (a *PgxAdapter) Query(ctx context.Context, shardID int, sql string, args ...interface{}) ([]Row, error) {
	return a.queryEndpoint(ctx, shardID, true, sql, args...)
}

// QueryCrossShard fans out concurrently to the given shards. Unreachable
// shards are flagged, never fatal; the aggregator sees only successful
// legs, applied serially.
func (a *PgxAdapter) QueryCrossShard(ctx context.Context, shardIDs []int, sql string, args []interface{}, agg Aggregator) (*CrossShardResult, error) {
	result := &CrossShardResult{Results: make(map[int]*ShardResult, len(shardIDs))}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, shardID := range shardIDs {
		wg.Add(1)
		go func(shardID int) {
			defer wg.Done()
			rows, err := a.queryEndpoint(ctx, shardID, true, sql, args...)
			mu.Lock()
			defer mu.Unlock()
			result.Results[shardID] = &ShardResult{ShardID: shardID, Rows: rows, Err: err}
			if err != nil {
				result.Failed = append(result.Failed, shardID)
			}
		}(shardID)
	}
	wg.Wait()

	for _, shardID := range shardIDs {
		sr := result.Results[shardID]
		if sr.Err != nil {
			a.logger.Warn("shard excluded from fan-out",
				zap.Int("shard_id", shardID),
				zap.Error(sr.Err))
			continue
		}
		if agg != nil {
			if err := agg(shardID, sr.Rows); err != nil {
				return result, errors.Wrap(err, errors.ErrorTypeData, "aggregation failed")
			}
		}
	}

	return result, nil
}

// Healthy pings the shard's primary.
func (a *PgxAdapter) Healthy(ctx context.Context, shardID int) error {
	endpoint, err := a.router.Primary(shardID)
	if err != nil {
		return err
	}
	pool, err := a.poolFor(ctx, endpoint)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect shard")
	}
	if err := pool.Ping(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeShardUnavailable, "shard unreachable").
			WithDetail("shard_id", shardID)
	}
	return nil
}

// Close closes every shard pool.
func (a *PgxAdapter) Close() error {
	a.closeAll()
	a.logger.Info("store adapter closed")
	return nil
}

func (a *PgxAdapter) queryEndpoint(ctx context.Context, shardID int, replica bool, sql string, args ...interface{}) ([]Row, error) {
	var endpoint string
	var err error
	if replica {
		endpoint, err = a.router.Replica(shardID)
	} else {
		endpoint, err = a.router.Primary(shardID)
	}
	if err != nil {
		return nil, err
	}

	pool, err := a.poolFor(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeShardUnavailable, "failed to connect shard").
			WithDetail("shard_id", shardID)
	}

	ctx, cancel := a.withShardTimeout(ctx)
	defer cancel()

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeShardUnavailable, "query failed").
			WithDetail("shard_id", shardID)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan row")
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeShardUnavailable, "row iteration failed").
			WithDetail("shard_id", shardID)
	}

	return out, nil
}

func (a *PgxAdapter) poolFor(ctx context.Context, endpoint string) (*pgxpool.Pool, error) {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()

	if pool, ok := a.pools[endpoint]; ok {
		return pool, nil
	}

	poolCfg, err := pgxpool.ParseConfig(endpoint)
	if err != nil {
		return nil, err
	}
	if a.cfg.MaxConnsPerShard > 0 {
		poolCfg.MaxConns = int32(a.cfg.MaxConnsPerShard)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	a.pools[endpoint] = pool
	return pool, nil
}

func (a *PgxAdapter) withShardTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.ShardTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.ShardTimeout)
}

func (a *PgxAdapter) closeAll() {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	for endpoint, pool := range a.pools {
		pool.Close()
		delete(a.pools, endpoint)
	}
}
