package writebehind

import (
	"container/heap"

	"github.com/meterflow/meterflow/pkg/models"
)

// queueItem wraps a buffered write for heap ordering.
type queueItem struct {
	write *models.BufferedWrite
	seq   uint64
}

// writeQueue is a priority queue ordered by (10 - priority, enqueued_at):
// higher priority first, then arrival order. The sequence number breaks
// ties so ordering is total.
type writeQueue struct {
	items []*queueItem
	seq   uint64
}

func (q *writeQueue) Len() int { return len(q.items) }

func (q *writeQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	pa, pb := 10-a.write.Priority, 10-b.write.Priority
	if pa != pb {
		return pa < pb
	}
	if !a.write.EnqueuedAt.Equal(b.write.EnqueuedAt) {
		return a.write.EnqueuedAt.Before(b.write.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (q *writeQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *writeQueue) Push(x interface{}) {
	q.items = append(q.items, x.(*queueItem))
}

func (q *writeQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// push adds a write preserving heap order.
func (q *writeQueue) push(w *models.BufferedWrite) {
	q.seq++
	heap.Push(q, &queueItem{write: w, seq: q.seq})
}

// pop removes and returns the highest-priority write, or nil when empty.
func (q *writeQueue) pop() *models.BufferedWrite {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem).write
}
