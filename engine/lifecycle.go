package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/types"
)

// Lifecycle applies the out-of-band execution controls: cancel, pause,
// resume, clone, rollback. The boolean-returning operations report
// whether the transition applied; an inapplicable current status is a
// false, not an error.
type Lifecycle struct {
	store     *store.Store
	scheduler *Scheduler
	queue     *PriorityQueue
	logger    *zap.Logger
}

// NewLifecycle wires the lifecycle controller. queue may be nil when no
// dispatcher is running.
func NewLifecycle(st *store.Store, scheduler *Scheduler, queue *PriorityQueue, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:     st,
		scheduler: scheduler,
		queue:     queue,
		logger:    logger.With(zap.String("component", "lifecycle")),
	}
}

// Cancel moves an execution to cancelled unless it already completed or
// failed. Queued submissions are withdrawn; in-flight runs have their
// context cancelled so steps settle promptly.
func (l *Lifecycle) Cancel(ctx context.Context, executionID string) (bool, error) {
	exec, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	switch exec.Status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
		return false, nil
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":       store.StatusCancelled,
		"completed_at": &now,
	}
	if exec.StartedAt == nil {
		updates["started_at"] = &now
	}
	if _, err := l.store.UpdateExecution(ctx, executionID, updates); err != nil {
		return false, err
	}

	if l.queue != nil {
		l.queue.Remove(executionID)
	}
	if l.scheduler != nil {
		l.scheduler.Signal(executionID)
	}
	l.logger.Info("execution cancelled",
		zap.String("execution_id", executionID),
		zap.String("previous_status", string(exec.Status)))
	return true, nil
}

// Pause suspends a running execution. The scheduler stops dispatching
// new steps at its next checkpoint; in-flight steps run to completion.
func (l *Lifecycle) Pause(ctx context.Context, executionID string) (bool, error) {
	exec, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status != store.StatusRunning {
		return false, nil
	}
	if _, err := l.store.UpdateExecution(ctx, executionID, map[string]any{
		"status": store.StatusPaused,
	}); err != nil {
		return false, err
	}
	l.logger.Info("execution paused", zap.String("execution_id", executionID))
	return true, nil
}

// Resume returns a paused execution to running.
func (l *Lifecycle) Resume(ctx context.Context, executionID string) (bool, error) {
	exec, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status != store.StatusPaused {
		return false, nil
	}
	if _, err := l.store.UpdateExecution(ctx, executionID, map[string]any{
		"status": store.StatusRunning,
	}); err != nil {
		return false, err
	}
	l.logger.Info("execution resumed", zap.String("execution_id", executionID))
	return true, nil
}

// Clone creates a fresh pending execution of the same workflow with a
// deep copy of the source's context, mode, priority, and retry budget.
// A non-empty newWorkflowID re-targets the clone at another workflow,
// which must exist. The clone is not scheduled; submit it like any new
// execution.
func (l *Lifecycle) Clone(ctx context.Context, executionID, newWorkflowID string) (*store.WorkflowExecution, error) {
	src, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	workflowID := src.WorkflowID
	if newWorkflowID != "" && newWorkflowID != src.WorkflowID {
		if _, err := l.store.GetWorkflow(ctx, newWorkflowID); err != nil {
			return nil, err
		}
		workflowID = newWorkflowID
	}

	clone := &store.WorkflowExecution{
		WorkflowID:       workflowID,
		Status:           store.StatusPending,
		ExecutionMode:    src.ExecutionMode,
		ExecutionContext: src.ExecutionContext.Clone(),
		Priority:         src.Priority,
		MaxRetries:       src.MaxRetries,
	}
	if err := l.store.CreateExecution(ctx, clone); err != nil {
		return nil, err
	}
	l.logger.Info("execution cloned",
		zap.String("source_id", executionID),
		zap.String("clone_id", clone.ID))
	return clone, nil
}

// Rollback reverts a failed execution to cancelled, settling any step
// rows still marked running and noting the reversal in the logs. Only
// failed executions are eligible.
func (l *Lifecycle) Rollback(ctx context.Context, executionID string) (bool, error) {
	note := fmt.Sprintf("rolled back at %s", time.Now().UTC().Format(time.RFC3339))
	if _, err := l.store.RollbackExecution(ctx, executionID, note); err != nil {
		if types.GetErrorCode(err) == types.ErrInvalidTransition {
			return false, nil
		}
		return false, err
	}
	l.logger.Info("execution rolled back", zap.String("execution_id", executionID))
	return true, nil
}
