// Package shard provides deterministic tenant-to-shard routing and the
// store adapter that executes batched statements against each shard.
//
// Routing is plain modulo hashing over the configured shard count, not a
// hash ring: changing the shard count remaps most tenants. That is a known
// limitation carried over deliberately; rebalancing is out of scope and
// must not be added without a migration story.
package shard

import (
	"hash/fnv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/errors"
)

// Router maps tenants to shards and selects endpoints. The shard list is
// static configuration; descriptors never change after construction.
type Router struct {
	shards     []config.ShardDescriptor
	byID       map[int]*config.ShardDescriptor
	replicaIdx map[int]*uint32
	logger     *zap.Logger
}

// NewRouter builds a router over the configured shard list.
func NewRouter(cfg config.ShardingConfig, logger *zap.Logger) (*Router, error) {
	if len(cfg.Shards) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no shards configured")
	}

	r := &Router{
		shards:     cfg.Shards,
		byID:       make(map[int]*config.ShardDescriptor, len(cfg.Shards)),
		replicaIdx: make(map[int]*uint32, len(cfg.Shards)),
		logger:     logger.With(zap.String("component", "shard_router")),
	}
	for i := range cfg.Shards {
		sd := &cfg.Shards[i]
		r.byID[sd.ShardID] = sd
		r.replicaIdx[sd.ShardID] = new(uint32)
	}

	r.logger.Info("shard router initialized", zap.Int("shards", len(cfg.Shards)))
	return r, nil
}

// ShardFor deterministically maps a tenant to a shard ID. Pure: the same
// tenant always maps to the same shard for a fixed shard count.
func (r *Router) ShardFor(tenantID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return r.shards[int(h.Sum32()%uint32(len(r.shards)))].ShardID
}

// Descriptor returns the descriptor for a shard ID.
func (r *Router) Descriptor(shardID int) (config.ShardDescriptor, bool) {
	sd, ok := r.byID[shardID]
	if !ok {
		return config.ShardDescriptor{}, false
	}
	return *sd, true
}

// Primary returns the shard's primary endpoint.
func (r *Router) Primary(shardID int) (string, error) {
	sd, ok := r.byID[shardID]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeShardUnavailable, "unknown shard %d", shardID)
	}
	if !sd.Active {
		return "", errors.Newf(errors.ErrorTypeShardUnavailable, "shard %d is inactive", shardID)
	}
	return sd.Primary, nil
}

// Replica returns a read endpoint selected round-robin over the shard's
// replicas, falling back to the primary when none are configured.
func (r *Router) Replica(shardID int) (string, error) {
	sd, ok := r.byID[shardID]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeShardUnavailable, "unknown shard %d", shardID)
	}
	if !sd.Active {
		return "", errors.Newf(errors.ErrorTypeShardUnavailable, "shard %d is inactive", shardID)
	}
	if len(sd.Replicas) == 0 {
		return sd.Primary, nil
	}
	n := atomic.AddUint32(r.replicaIdx[shardID], 1)
	return sd.Replicas[int(n-1)%len(sd.Replicas)], nil
}

// ShardIDs returns every configured shard ID in declaration order.
func (r *Router) ShardIDs() []int {
	ids := make([]int, 0, len(r.shards))
	for _, sd := range r.shards {
		ids = append(ids, sd.ShardID)
	}
	return ids
}

// ActiveShardIDs returns the shard IDs marked active, in declaration
// order. Cross-shard fan-out targets exactly these.
func (r *Router) ActiveShardIDs() []int {
	ids := make([]int, 0, len(r.shards))
	for _, sd := range r.shards {
		if sd.Active {
			ids = append(ids, sd.ShardID)
		}
	}
	return ids
}

// ShardCount returns the configured shard count.
func (r *Router) ShardCount() int {
	return len(r.shards)
}
