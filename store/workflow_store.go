package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/BaSui01/flowengine/graph"
	"github.com/BaSui01/flowengine/types"
)

// ListOptions control pagination, search, and ordering for workflow
// enumeration.
type ListOptions struct {
	Page   int
	Limit  int
	Search string
	Sort   string
}

// sortColumns is the whitelist for ListWorkflows ordering.
var sortColumns = map[string]string{
	"name":       "name ASC",
	"created_at": "created_at DESC",
	"updated_at": "updated_at DESC",
}

// CreateWorkflow inserts a new workflow.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if strings.TrimSpace(w.Name) == "" {
		return types.NewError(types.ErrValidation, "workflow name is required")
	}
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns a live workflow or NOT_FOUND. Soft-deleted rows
// are invisible here.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("workflow %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &w, nil
}

// ListWorkflows enumerates live workflows with pagination, optional
// case-insensitive substring search over name and description, and a
// whitelisted sort (default created_at descending).
func (s *Store) ListWorkflows(ctx context.Context, opts ListOptions) (*Page[Workflow], error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 20
	}

	order, ok := sortColumns[opts.Sort]
	if !ok {
		order = sortColumns["created_at"]
	}

	q := s.db.WithContext(ctx).Model(&Workflow{}).Where("deleted_at IS NULL")
	if opts.Search != "" {
		needle := "%" + strings.ToLower(opts.Search) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", needle, needle)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}

	var items []Workflow
	err := q.Order(order).
		Offset((opts.Page - 1) * opts.Limit).
		Limit(opts.Limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return &Page[Workflow]{
		Items: items,
		Total: total,
		Page:  opts.Page,
		Limit: opts.Limit,
		Pages: pageCount(total, opts.Limit),
	}, nil
}

// UpdateWorkflow applies a partial update to name/description and
// touches updated_at.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, name, description *string) (*Workflow, error) {
	w, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"updated_at": nowUTC()}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return nil, types.NewError(types.ErrValidation, "workflow name cannot be empty")
		}
		updates["name"] = *name
	}
	if description != nil {
		updates["description"] = *description
	}

	if err := s.db.WithContext(ctx).Model(w).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	return s.GetWorkflow(ctx, id)
}

// SoftDeleteWorkflow marks the workflow deleted; the row survives but
// default readers no longer see it.
func (s *Store) SoftDeleteWorkflow(ctx context.Context, id string) error {
	w, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	now := nowUTC()
	err = s.db.WithContext(ctx).Model(w).
		Updates(map[string]any{"deleted_at": &now, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("failed to soft delete workflow: %w", err)
	}
	return nil
}

// HardDeleteWorkflow removes the workflow row along with its agents and
// dependencies.
func (s *Store) HardDeleteWorkflow(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workflow_id = ?", id).Delete(&AgentDependency{}).Error; err != nil {
			return fmt.Errorf("failed to delete dependencies: %w", err)
		}
		if err := tx.Where("workflow_id = ?", id).Delete(&Agent{}).Error; err != nil {
			return fmt.Errorf("failed to delete agents: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&Workflow{}).Error; err != nil {
			return fmt.Errorf("failed to delete workflow: %w", err)
		}
		return nil
	})
}

// ListAgents returns the live agents of a workflow.
func (s *Store) ListAgents(ctx context.Context, workflowID string) ([]Agent, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	var agents []Agent
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND deleted_at IS NULL", workflowID).
		Order("created_at ASC").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// GetAgent returns one live agent of a workflow.
func (s *Store) GetAgent(ctx context.Context, workflowID, agentID string) (*Agent, error) {
	var a Agent
	err := s.db.WithContext(ctx).
		Where("id = ? AND workflow_id = ? AND deleted_at IS NULL", agentID, workflowID).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not found", agentID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// GetAgentByID returns one live agent without scoping to a workflow.
// Used by runtimes, which receive only the agent id.
func (s *Store) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", agentID).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not found", agentID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// ReplaceAgents atomically swaps the workflow's agent set: the current
// set is removed and the new one inserted in a single transaction, so a
// failed update leaves prior state intact. Replacing agents also clears
// the dependency set, which can no longer be trusted to reference live
// agents.
func (s *Store) ReplaceAgents(ctx context.Context, workflowID string, agents []Agent) ([]Agent, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	for i := range agents {
		if strings.TrimSpace(agents[i].Name) == "" {
			return nil, types.NewError(types.ErrValidation, "agent name is required")
		}
		if !agents[i].Role.Valid() {
			return nil, types.NewError(types.ErrValidation,
				fmt.Sprintf("invalid agent role %q", agents[i].Role))
		}
		if agents[i].Status != "" && !agents[i].Status.Valid() {
			return nil, types.NewError(types.ErrValidation,
				fmt.Sprintf("invalid agent status %q", agents[i].Status))
		}
		agents[i].WorkflowID = workflowID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workflow_id = ?", workflowID).Delete(&AgentDependency{}).Error; err != nil {
			return fmt.Errorf("failed to clear dependencies: %w", err)
		}
		if err := tx.Where("workflow_id = ?", workflowID).Delete(&Agent{}).Error; err != nil {
			return fmt.Errorf("failed to clear agents: %w", err)
		}
		for i := range agents {
			if err := tx.Create(&agents[i]).Error; err != nil {
				return fmt.Errorf("failed to insert agent %s: %w", agents[i].Name, err)
			}
		}
		return tx.Model(&Workflow{}).Where("id = ?", workflowID).
			Update("updated_at", nowUTC()).Error
	})
	if err != nil {
		return nil, err
	}
	return s.ListAgents(ctx, workflowID)
}

// UpdateAgent applies a partial update to one agent.
func (s *Store) UpdateAgent(ctx context.Context, workflowID, agentID string, updates map[string]any) (*Agent, error) {
	a, err := s.GetAgent(ctx, workflowID, agentID)
	if err != nil {
		return nil, err
	}
	if role, ok := updates["role"].(string); ok && !AgentRole(role).Valid() {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("invalid agent role %q", role))
	}
	if status, ok := updates["status"].(string); ok && !AgentStatus(status).Valid() {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("invalid agent status %q", status))
	}
	updates["updated_at"] = nowUTC()
	if err := s.db.WithContext(ctx).Model(a).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	return s.GetAgent(ctx, workflowID, agentID)
}

// DeleteAgent soft-deletes one agent and removes edges touching it.
func (s *Store) DeleteAgent(ctx context.Context, workflowID, agentID string) error {
	a, err := s.GetAgent(ctx, workflowID, agentID)
	if err != nil {
		return err
	}
	now := nowUTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("workflow_id = ? AND (agent_id = ? OR depends_on_agent_id = ?)",
			workflowID, agentID, agentID).
			Delete(&AgentDependency{}).Error
		if err != nil {
			return fmt.Errorf("failed to delete agent edges: %w", err)
		}
		return tx.Model(a).Updates(map[string]any{"deleted_at": &now, "updated_at": now}).Error
	})
}

// ListDependencies returns the dependency edges of a workflow.
func (s *Store) ListDependencies(ctx context.Context, workflowID string) ([]AgentDependency, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	var deps []AgentDependency
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Find(&deps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	return deps, nil
}

// ReplaceDependencies atomically swaps the workflow's edge set after
// validating that every endpoint is a live agent of the workflow and
// that the new set is acyclic. On validation failure the previous edges
// remain untouched.
func (s *Store) ReplaceDependencies(ctx context.Context, workflowID string, deps []AgentDependency) ([]AgentDependency, error) {
	agents, err := s.ListAgents(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	agentIDs := make([]string, len(agents))
	for i, a := range agents {
		agentIDs[i] = a.ID
	}

	edges := make([]graph.Edge, 0, len(deps))
	seen := make(map[string]bool, len(deps))
	for i := range deps {
		deps[i].WorkflowID = workflowID
		key := deps[i].AgentID + "->" + deps[i].DependsOnAgentID
		if seen[key] {
			return nil, types.NewError(types.ErrValidation,
				fmt.Sprintf("duplicate dependency %s", key))
		}
		seen[key] = true
		edges = append(edges, graph.Edge{
			AgentID:     deps[i].AgentID,
			DependsOnID: deps[i].DependsOnAgentID,
		})
	}

	if err := graph.Validate(agentIDs, edges); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workflow_id = ?", workflowID).Delete(&AgentDependency{}).Error; err != nil {
			return fmt.Errorf("failed to clear dependencies: %w", err)
		}
		for i := range deps {
			deps[i].ID = ""
			if err := tx.Create(&deps[i]).Error; err != nil {
				return fmt.Errorf("failed to insert dependency: %w", err)
			}
		}
		return tx.Model(&Workflow{}).Where("id = ?", workflowID).
			Update("updated_at", nowUTC()).Error
	})
	if err != nil {
		return nil, err
	}
	return s.ListDependencies(ctx, workflowID)
}
