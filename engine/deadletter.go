package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
)

// DefaultDeadLetterLimit is the default page size of dead-letter
// reads.
const DefaultDeadLetterLimit = 100

// DeadLetterEntry records one unrecoverable workflow failure for
// operator review. The persisted record of the failure lives in the
// execution row; this list is a process-local operational log that
// starts empty on restart.
type DeadLetterEntry struct {
	ExecutionID  string    `json:"execution_id"`
	WorkflowID   string    `json:"workflow_id"`
	Error        string    `json:"error"`
	ErrorDetails types.Map `json:"error_details,omitempty"`
	FailedAt     time.Time `json:"failed_at"`
}

// DeadLetterQueue is an append-only in-memory list of terminal
// failures. Enqueuing is fire-and-forget from the scheduler's
// perspective.
type DeadLetterQueue struct {
	entries []DeadLetterEntry
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewDeadLetterQueue creates an empty queue.
func NewDeadLetterQueue(logger *zap.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterQueue{
		logger: logger.With(zap.String("component", "dead_letter_queue")),
	}
}

// Add appends a failure record.
func (q *DeadLetterQueue) Add(executionID, workflowID, errMsg string, details types.Map) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, DeadLetterEntry{
		ExecutionID:  executionID,
		WorkflowID:   workflowID,
		Error:        errMsg,
		ErrorDetails: details,
		FailedAt:     time.Now().UTC(),
	})

	q.logger.Warn("execution dead-lettered",
		zap.String("execution_id", executionID),
		zap.String("workflow_id", workflowID),
		zap.String("error", errMsg))
}

// List returns up to limit entries, newest first, optionally filtered
// by workflow. limit defaults to 100.
func (q *DeadLetterQueue) List(workflowID string, limit int) []DeadLetterEntry {
	if limit <= 0 {
		limit = DefaultDeadLetterLimit
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]DeadLetterEntry, 0, limit)
	for i := len(q.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if workflowID != "" && q.entries[i].WorkflowID != workflowID {
			continue
		}
		out = append(out, q.entries[i])
	}
	return out
}

// Remove drops every entry for the execution, reporting whether any
// entry was removed.
func (q *DeadLetterQueue) Remove(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	removed := false
	for _, e := range q.entries {
		if e.ExecutionID == executionID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}

// Size returns the current entry count.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}
