package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/flowengine/types"
)

// ExecutionStatus is the shared lifecycle enum for workflow and agent
// executions.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusPaused    ExecutionStatus = "paused"
)

// Terminal reports whether the status permits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// ExecutionMode selects the stepping discipline for one run.
type ExecutionMode string

const (
	ModeSync        ExecutionMode = "sync"
	ModeAsync       ExecutionMode = "async"
	ModeParallel    ExecutionMode = "parallel"
	ModeConditional ExecutionMode = "conditional"
	ModeLoop        ExecutionMode = "loop"
	ModeScheduled   ExecutionMode = "scheduled"
	ModeEventDriven ExecutionMode = "event_driven"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeParallel, ModeConditional, ModeLoop, ModeScheduled, ModeEventDriven:
		return true
	}
	return false
}

// AgentRole classifies an agent's function within a workflow.
type AgentRole string

const (
	RolePlanner   AgentRole = "planner"
	RoleRetriever AgentRole = "retriever"
	RoleEvaluator AgentRole = "evaluator"
	RoleExecutor  AgentRole = "executor"
)

// Valid reports whether r is a known role.
func (r AgentRole) Valid() bool {
	switch r {
	case RolePlanner, RoleRetriever, RoleEvaluator, RoleExecutor:
		return true
	}
	return false
}

// AgentStatus is the availability state of an agent template.
type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentInactive    AgentStatus = "inactive"
	AgentMaintenance AgentStatus = "maintenance"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentMaintenance:
		return true
	}
	return false
}

// Workflow is a named container for agents and their dependencies.
// Soft-deleted rows keep their data but are invisible to default reads.
type Workflow struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Name        string     `gorm:"size:255;not null" json:"name"`
	Description string     `gorm:"type:text" json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `gorm:"index:idx_workflows_deleted" json:"deleted_at,omitempty"`

	Agents       []Agent           `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"agents,omitempty"`
	Dependencies []AgentDependency `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"dependencies,omitempty"`
}

// BeforeCreate assigns a UUID when none is supplied.
func (w *Workflow) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// Agent is a step template owned by exactly one workflow.
type Agent struct {
	ID               string           `gorm:"primaryKey;size:36" json:"id"`
	WorkflowID       string           `gorm:"size:36;not null;index:idx_agents_workflow,priority:1" json:"workflow_id"`
	Name             string           `gorm:"size:255;not null" json:"name"`
	Role             AgentRole        `gorm:"size:32;not null;index:idx_agents_workflow,priority:2" json:"role"`
	Properties       types.Map        `gorm:"type:json" json:"properties,omitempty"`
	Capabilities     types.StringList `gorm:"type:json" json:"capabilities,omitempty"`
	CapabilityConfig types.Map        `gorm:"type:json" json:"capability_config,omitempty"`
	ResourceLimits   types.Map        `gorm:"type:json" json:"resource_limits,omitempty"`
	InputSchema      types.Map        `gorm:"type:json" json:"input_schema,omitempty"`
	OutputSchema     types.Map        `gorm:"type:json" json:"output_schema,omitempty"`
	Status           AgentStatus      `gorm:"size:32;not null;default:active;index:idx_agents_workflow,priority:4" json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	DeletedAt        *time.Time       `gorm:"index:idx_agents_workflow,priority:3" json:"deleted_at,omitempty"`
}

// BeforeCreate assigns a UUID and the default status.
func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AgentActive
	}
	return nil
}

// AgentDependency is a directed edge: AgentID runs only after
// DependsOnAgentID completes. The triple (workflow, agent, depends_on)
// is unique.
type AgentDependency struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	WorkflowID       string    `gorm:"size:36;not null;uniqueIndex:uq_dependency_edge" json:"workflow_id"`
	AgentID          string    `gorm:"size:36;not null;uniqueIndex:uq_dependency_edge" json:"agent_id"`
	DependsOnAgentID string    `gorm:"size:36;not null;uniqueIndex:uq_dependency_edge" json:"depends_on_agent_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// BeforeCreate assigns a UUID when none is supplied.
func (d *AgentDependency) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID               string          `gorm:"primaryKey;size:36" json:"id"`
	WorkflowID       string          `gorm:"size:36;not null;index:idx_executions_query,priority:1" json:"workflow_id"`
	Status           ExecutionStatus `gorm:"size:32;not null;index:idx_executions_query,priority:2" json:"status"`
	ExecutionMode    ExecutionMode   `gorm:"size:32;not null;index:idx_executions_query,priority:5" json:"execution_mode"`
	ExecutionContext types.Map       `gorm:"type:json" json:"execution_context,omitempty"`
	Priority         int             `gorm:"not null;default:0;index:idx_executions_query,priority:4" json:"priority"`
	StartedAt        *time.Time      `gorm:"index:idx_executions_query,priority:3" json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Logs             string          `gorm:"type:text" json:"logs,omitempty"`
	ErrorDetails     types.Map       `gorm:"type:json" json:"error_details,omitempty"`
	RetryCount       int             `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries       int             `gorm:"not null;default:3" json:"max_retries"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	AgentExecutions []AgentExecution `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"agent_executions,omitempty"`
}

// BeforeCreate assigns a UUID and the initial status.
func (e *WorkflowExecution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	return nil
}

// AgentExecution is one run of one agent within one workflow run.
// DurationMs, when set, equals CompletedAt minus StartedAt in
// milliseconds; it is set only on terminal transitions.
type AgentExecution struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	ExecutionID  string          `gorm:"size:36;not null;index:idx_agent_executions_query,priority:1" json:"execution_id"`
	AgentID      string          `gorm:"size:36;not null;index:idx_agent_executions_query,priority:2" json:"agent_id"`
	Status       ExecutionStatus `gorm:"size:32;not null;index:idx_agent_executions_query,priority:3" json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Output       string          `gorm:"type:text" json:"output,omitempty"`
	ErrorMessage string          `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int             `gorm:"not null;default:0" json:"retry_count"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BeforeCreate assigns a UUID and the initial status.
func (a *AgentExecution) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	return nil
}
