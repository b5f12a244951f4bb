package pipeline

import (
	"sync"
	"time"
)

// dedupIndex remembers processed event keys for a retention window so
// at-least-once redelivery does not double-apply an event. Memory is
// bounded by the retention sweep, not a hard cap; retention is sized so
// the window comfortably covers broker redelivery.
type dedupIndex struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

func newDedupIndex(retention time.Duration) *dedupIndex {
	return &dedupIndex{
		seen:      make(map[string]time.Time),
		retention: retention,
	}
}

// observed reports whether the key was recorded within the retention
// window. It does not record the key: callers record only after the
// event is durably handed off, so a failed handoff stays eligible for
// redelivery instead of being skipped as a duplicate.
func (d *dedupIndex) observed(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[key]
	return ok && now.Sub(at) < d.retention
}

// record marks the key as processed.
func (d *dedupIndex) record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = time.Now()
}

// sweep drops entries older than the retention window.
func (d *dedupIndex) sweep() {
	cutoff := time.Now().Add(-d.retention)

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}

func (d *dedupIndex) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
