package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/flowengine/types"
)

// CreateExecution inserts a new workflow execution row.
func (s *Store) CreateExecution(ctx context.Context, e *WorkflowExecution) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution returns one execution row or NOT_FOUND.
func (s *Store) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	var e WorkflowExecution
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("execution %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return &e, nil
}

// ListExecutions returns executions, newest first, optionally filtered
// by workflow.
func (s *Store) ListExecutions(ctx context.Context, workflowID string) ([]WorkflowExecution, error) {
	q := s.db.WithContext(ctx).Model(&WorkflowExecution{})
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	var items []WorkflowExecution
	if err := q.Order("created_at DESC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return items, nil
}

// ListExecutionsSince returns executions created at or after the cutoff,
// optionally filtered by workflow. Used by the metrics aggregator.
func (s *Store) ListExecutionsSince(ctx context.Context, workflowID string, since time.Time) ([]WorkflowExecution, error) {
	q := s.db.WithContext(ctx).Model(&WorkflowExecution{})
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var items []WorkflowExecution
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return items, nil
}

// terminalStatuses is the guard set for status-changing UPDATEs.
var terminalStatuses = []ExecutionStatus{StatusCompleted, StatusFailed, StatusCancelled}

// statusFromUpdates extracts and validates the status value of an
// updates map, if present.
func statusFromUpdates(updates map[string]any, kind string) (ExecutionStatus, bool, error) {
	next, ok := updates["status"]
	if !ok {
		return "", false, nil
	}
	status, isStatus := next.(ExecutionStatus)
	if !isStatus {
		if str, isStr := next.(string); isStr {
			status = ExecutionStatus(str)
		}
	}
	if !status.Valid() {
		return "", false, types.NewError(types.ErrValidation,
			fmt.Sprintf("invalid %s status %q", kind, next))
	}
	return status, true, nil
}

// UpdateExecution persists field updates and touches updated_at. The
// terminal guard lives in the UPDATE's WHERE clause, so two racing
// writers cannot both move a row out of a terminal status: the loser's
// statement matches nothing and comes back INVALID_TRANSITION.
func (s *Store) UpdateExecution(ctx context.Context, id string, updates map[string]any) (*WorkflowExecution, error) {
	nextStatus, hasStatus, err := statusFromUpdates(updates, "execution")
	if err != nil {
		return nil, err
	}

	updates["updated_at"] = nowUTC()
	q := s.db.WithContext(ctx).Model(&WorkflowExecution{}).Where("id = ?", id)
	if hasStatus {
		// Rewriting the same terminal value stays a permitted no-op.
		q = q.Where("status NOT IN ? OR status = ?", terminalStatuses, nextStatus)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		e, gerr := s.GetExecution(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("execution %s is %s and cannot transition to %s", id, e.Status, nextStatus))
	}
	return s.GetExecution(ctx, id)
}

// IncrementExecutionRetry bumps the workflow-level retry counter.
// Reserved for whole-workflow re-execution policies; the default
// scheduling path never calls it.
func (s *Store) IncrementExecutionRetry(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&WorkflowExecution{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  nowUTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to increment retry count: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("execution %s not found", id))
	}
	return nil
}

// CreateAgentExecutions inserts the per-agent rows of one run inside a
// transaction.
func (s *Store) CreateAgentExecutions(ctx context.Context, rows []AgentExecution) ([]AgentExecution, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Create(&rows[i]).Error; err != nil {
				return fmt.Errorf("failed to create agent execution: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetAgentExecution returns one agent execution row.
func (s *Store) GetAgentExecution(ctx context.Context, id string) (*AgentExecution, error) {
	var ae AgentExecution
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ae).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("agent execution %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent execution: %w", err)
	}
	return &ae, nil
}

// ListAgentExecutions returns the per-agent rows of one run in creation
// order.
func (s *Store) ListAgentExecutions(ctx context.Context, executionID string) ([]AgentExecution, error) {
	var rows []AgentExecution
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list agent executions: %w", err)
	}
	return rows, nil
}

// ListAgentExecutionsByAgent returns every run of one agent across
// executions. Used for agent health reporting.
func (s *Store) ListAgentExecutionsByAgent(ctx context.Context, agentID string, since time.Time) ([]AgentExecution, error) {
	q := s.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var rows []AgentExecution
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list agent executions: %w", err)
	}
	return rows, nil
}

// UpdateAgentExecution persists field updates for one step row.
// Terminal rows reject status changes, mirroring the workflow-level
// guard.
func (s *Store) UpdateAgentExecution(ctx context.Context, id string, updates map[string]any) (*AgentExecution, error) {
	nextStatus, hasStatus, err := statusFromUpdates(updates, "agent execution")
	if err != nil {
		return nil, err
	}

	updates["updated_at"] = nowUTC()
	q := s.db.WithContext(ctx).Model(&AgentExecution{}).Where("id = ?", id)
	if hasStatus {
		q = q.Where("status NOT IN ? OR status = ?", terminalStatuses, nextStatus)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update agent execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		ae, gerr := s.GetAgentExecution(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("agent execution %s is %s and cannot transition to %s", id, ae.Status, nextStatus))
	}
	return s.GetAgentExecution(ctx, id)
}

// MarkAgentExecutionTerminal settles one step row in a terminal status,
// computing duration_ms from the recorded timestamps.
func (s *Store) MarkAgentExecutionTerminal(ctx context.Context, id string, status ExecutionStatus, output, errorMessage string, retryCount int) (*AgentExecution, error) {
	if !status.Terminal() {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("status %s is not terminal", status))
	}
	ae, err := s.GetAgentExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	now := nowUTC()
	updates := map[string]any{
		"status":       status,
		"completed_at": &now,
		"retry_count":  retryCount,
	}
	if output != "" {
		updates["output"] = output
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	if ae.StartedAt != nil {
		durationMs := now.Sub(*ae.StartedAt).Milliseconds()
		updates["duration_ms"] = &durationMs
	}
	return s.UpdateAgentExecution(ctx, id, updates)
}

// RollbackExecution moves a failed execution to cancelled, appending
// the note to its logs, and settles every still-running step row as
// cancelled. This is the one sanctioned terminal-to-terminal move;
// every other transition out of a terminal status stays rejected.
func (s *Store) RollbackExecution(ctx context.Context, id, note string) (*WorkflowExecution, error) {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFailed {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("execution %s is %s; only failed executions can be rolled back", id, e.Status))
	}

	now := nowUTC()
	logs := e.Logs
	if logs != "" {
		logs += "\n"
	}
	logs += note

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(e).Updates(map[string]any{
			"status":     StatusCancelled,
			"logs":       logs,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to roll back execution: %w", err)
		}
		return tx.Model(&AgentExecution{}).
			Where("execution_id = ? AND status = ?", id, StatusRunning).
			Updates(map[string]any{
				"status":       StatusCancelled,
				"completed_at": &now,
				"updated_at":   now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetExecution(ctx, id)
}

// ListCompletedStepDurations returns the duration_ms values of
// completed agent executions, optionally scoped to one workflow and a
// trailing window. Feeds the latency percentile report.
func (s *Store) ListCompletedStepDurations(ctx context.Context, workflowID string, since time.Time) ([]int64, error) {
	q := s.db.WithContext(ctx).Model(&AgentExecution{}).
		Joins("JOIN workflow_executions ON workflow_executions.id = agent_executions.execution_id").
		Where("agent_executions.status = ?", StatusCompleted).
		Where("agent_executions.duration_ms IS NOT NULL")
	if workflowID != "" {
		q = q.Where("workflow_executions.workflow_id = ?", workflowID)
	}
	if !since.IsZero() {
		q = q.Where("agent_executions.created_at >= ?", since)
	}

	var durations []int64
	if err := q.Order("agent_executions.created_at ASC").
		Pluck("agent_executions.duration_ms", &durations).Error; err != nil {
		return nil, fmt.Errorf("failed to list step durations: %w", err)
	}
	return durations, nil
}
