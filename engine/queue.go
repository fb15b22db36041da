package engine

import (
	"container/heap"
	"sync"
	"time"
)

// QueueEntry is one queued workflow run awaiting dispatch.
type QueueEntry struct {
	ExecutionID    string    `json:"execution_id"`
	Priority       int       `json:"priority"`
	SubmissionTime time.Time `json:"submission_time"`
	Payload        any       `json:"payload,omitempty"`
}

// entryHeap orders entries by priority descending, then submission
// time ascending. It implements heap.Interface.
type entryHeap []QueueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].SubmissionTime.Before(h[j].SubmissionTime)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(QueueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a mutex-guarded max-heap of pending runs. Higher
// priority pops first; ties break by earlier submission.
type PriorityQueue struct {
	heap entryHeap
	mu   sync.Mutex
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Push enqueues a run with its priority and payload.
func (q *PriorityQueue) Push(executionID string, priority int, payload any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, QueueEntry{
		ExecutionID:    executionID,
		Priority:       priority,
		SubmissionTime: time.Now(),
		Payload:        payload,
	})
}

// Requeue restores a previously popped entry, keeping its original
// submission time so it does not lose FIFO tie-breaks to arrivals that
// came in while it was out.
func (q *PriorityQueue) Requeue(entry QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, entry)
}

// Pop removes and returns the highest-priority entry, or nil when
// empty.
func (q *PriorityQueue) Pop() *QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	entry := heap.Pop(&q.heap).(QueueEntry)
	return &entry
}

// Remove extracts the entry for an execution, reporting whether it was
// queued. O(n) with a heap rebuild; acceptable because cancel/pause are
// rare next to push/pop.
func (q *PriorityQueue) Remove(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.heap[:0]
	removed := false
	for _, e := range q.heap {
		if e.ExecutionID == executionID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if removed {
		q.heap = kept
		heap.Init(&q.heap)
	}
	return removed
}

// Size returns the number of queued entries.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// IsEmpty reports whether the queue holds no entries.
func (q *PriorityQueue) IsEmpty() bool {
	return q.Size() == 0
}
