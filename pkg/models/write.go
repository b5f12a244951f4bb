package models

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of store mutation a buffered write performs.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Coalescable reports whether a pending write with this operation may
// absorb later updates to the same record.
func (op Operation) Coalescable() bool {
	return op == OpUpdate || op == OpUpsert
}

// BufferedWrite is one pending store mutation held by the write-behind
// cache. At most one pending BufferedWrite exists per
// (table, record id, tenant) at any time; later updates merge into it.
type BufferedWrite struct {
	// ID uniquely identifies the buffered write
	ID string `json:"id"`

	// Table is the destination table
	Table string `json:"table"`

	// Op is the mutation kind
	Op Operation `json:"operation"`

	// Payload holds the column values; merges are last-writer-wins per field
	Payload map[string]interface{} `json:"payload"`

	// RecordID identifies the target row, taken from payload["id"]
	RecordID string `json:"record_id"`

	// TenantID routes the write to its shard
	TenantID string `json:"tenant_id"`

	// Priority orders the queue; 1 is lowest, 10 highest
	Priority int `json:"priority"`

	// EnqueuedAt is when the write entered the queue
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts failed flush attempts
	Attempts int `json:"attempts"`

	// LastError records the most recent flush failure
	LastError string `json:"last_error,omitempty"`

	// NextAttempt gates retried writes until their backoff elapses
	NextAttempt time.Time `json:"next_attempt"`
}

// NewBufferedWrite constructs a buffered write with a fresh ID. The record
// ID is extracted from payload["id"] when present so coalescing can key on
// it; writes without a record ID never coalesce.
func NewBufferedWrite(table string, op Operation, payload map[string]interface{}, tenantID string, priority int) *BufferedWrite {
	recordID := ""
	if payload != nil {
		if id, ok := payload["id"].(string); ok {
			recordID = id
		}
	}
	return &BufferedWrite{
		ID:         uuid.NewString(),
		Table:      table,
		Op:         op,
		Payload:    payload,
		RecordID:   recordID,
		TenantID:   tenantID,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
}

// CoalesceKey returns the identity a pending write is merged on. Empty when
// the write has no record ID and therefore cannot coalesce.
func (w *BufferedWrite) CoalesceKey() string {
	if w.RecordID == "" {
		return ""
	}
	return w.Table + "\x00" + w.RecordID + "\x00" + w.TenantID
}

// Merge applies later payload fields onto this write, last-writer-wins per
// field. A later Upsert upgrades a pending Update in place; a pending
// Insert keeps its op, since the row does not exist in the store yet and
// the insert will carry the merged values.
func (w *BufferedWrite) Merge(other *BufferedWrite) {
	for k, v := range other.Payload {
		w.Payload[k] = v
	}
	if other.Op == OpUpsert && w.Op == OpUpdate {
		w.Op = OpUpsert
	}
	if other.Priority > w.Priority {
		w.Priority = other.Priority
	}
}

// FailedWrite is a buffered write that exhausted its flush retries and was
// moved to the permanent-failure log.
type FailedWrite struct {
	Write    *BufferedWrite `json:"write"`
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failed_at"`
}

// NewWriteID returns a fresh write identifier. Exposed for callers that
// construct writes outside NewBufferedWrite.
func NewWriteID() string {
	return uuid.NewString()
}
