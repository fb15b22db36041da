package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/types"
)

// WorkflowHandler serves workflow CRUD plus agent and dependency
// management.
type WorkflowHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(st *store.Store, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		store:  st,
		logger: logger.With(zap.String("component", "workflow_handler")),
	}
}

// WorkflowCreateRequest is the POST /workflow body.
type WorkflowCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// WorkflowUpdateRequest is the PUT /workflow/{id} body; absent fields
// are left unchanged.
type WorkflowUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// AgentCreate is one element of the PUT /workflow/{id}/agents body.
type AgentCreate struct {
	Name             string           `json:"name"`
	Role             string           `json:"role"`
	Properties       types.Map        `json:"properties"`
	Capabilities     types.StringList `json:"capabilities"`
	CapabilityConfig types.Map        `json:"capability_config"`
	ResourceLimits   types.Map        `json:"resource_limits"`
	InputSchema      types.Map        `json:"input_schema"`
	OutputSchema     types.Map        `json:"output_schema"`
	Status           string           `json:"status"`
}

// AgentsReplaceRequest is the PUT /workflow/{id}/agents body.
type AgentsReplaceRequest struct {
	Agents []AgentCreate `json:"agents"`
}

// DependencyCreate is one edge of the PUT /workflow/{id}/dependencies
// body.
type DependencyCreate struct {
	AgentID          string `json:"agent_id"`
	DependsOnAgentID string `json:"depends_on_agent_id"`
}

// DependenciesReplaceRequest is the PUT /workflow/{id}/dependencies body.
type DependenciesReplaceRequest struct {
	Dependencies []DependencyCreate `json:"dependencies"`
}

// HandleCreate creates a workflow. POST /api/v1/workflow
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req WorkflowCreateRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		WriteDetail(w, r, http.StatusUnprocessableEntity, "name is required")
		return
	}

	wf := &store.Workflow{Name: req.Name, Description: req.Description}
	if err := h.store.CreateWorkflow(r.Context(), wf); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("workflow created", zap.String("workflow_id", wf.ID))
	WriteJSON(w, http.StatusCreated, wf)
}

// HandleList lists workflows with pagination. GET /api/v1/workflow
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{
		Search: q.Get("search"),
		Sort:   q.Get("sort"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		opts.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = limit
	}

	page, err := h.store.ListWorkflows(r.Context(), opts)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

// HandleGet reads one workflow. GET /api/v1/workflow/{id}
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, wf)
}

// HandleUpdate applies a partial update. PUT /api/v1/workflow/{id}
func (h *WorkflowHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req WorkflowUpdateRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}

	wf, err := h.store.UpdateWorkflow(r.Context(), r.PathValue("id"), req.Name, req.Description)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, wf)
}

// HandleDelete soft-deletes a workflow and returns its final state.
// DELETE /api/v1/workflow/{id}
func (h *WorkflowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.store.SoftDeleteWorkflow(r.Context(), id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("workflow soft-deleted", zap.String("workflow_id", id))
	WriteJSON(w, http.StatusOK, wf)
}

// HandleListAgents reads a workflow's agents.
// GET /api/v1/workflow/{id}/agents
func (h *WorkflowHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, agents)
}

// HandleReplaceAgents swaps the agent set wholesale.
// PUT /api/v1/workflow/{id}/agents
func (h *WorkflowHandler) HandleReplaceAgents(w http.ResponseWriter, r *http.Request) {
	var req AgentsReplaceRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}

	agents := make([]store.Agent, len(req.Agents))
	for i, a := range req.Agents {
		agents[i] = store.Agent{
			Name:             a.Name,
			Role:             store.AgentRole(a.Role),
			Properties:       a.Properties,
			Capabilities:     a.Capabilities,
			CapabilityConfig: a.CapabilityConfig,
			ResourceLimits:   a.ResourceLimits,
			InputSchema:      a.InputSchema,
			OutputSchema:     a.OutputSchema,
			Status:           store.AgentStatus(a.Status),
		}
	}

	result, err := h.store.ReplaceAgents(r.Context(), r.PathValue("id"), agents)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// HandleUpdateAgent applies a partial update to one agent.
// PUT /api/v1/workflow/{id}/agents/{aid}
func (h *WorkflowHandler) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if !DecodeJSONBody(w, r, &patch) {
		return
	}
	for key := range patch {
		if !agentPatchColumns[key] {
			WriteDetail(w, r, http.StatusUnprocessableEntity, "unknown agent field: "+key)
			return
		}
	}

	agent, err := h.store.UpdateAgent(r.Context(), r.PathValue("id"), r.PathValue("aid"), patch)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, agent)
}

// agentPatchColumns whitelists updatable agent columns.
var agentPatchColumns = map[string]bool{
	"name":              true,
	"role":              true,
	"properties":        true,
	"capabilities":      true,
	"capability_config": true,
	"resource_limits":   true,
	"input_schema":      true,
	"output_schema":     true,
	"status":            true,
}

// HandleDeleteAgent soft-deletes one agent.
// DELETE /api/v1/workflow/{id}/agents/{aid}
func (h *WorkflowHandler) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	workflowID, agentID := r.PathValue("id"), r.PathValue("aid")
	agent, err := h.store.GetAgent(r.Context(), workflowID, agentID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.store.DeleteAgent(r.Context(), workflowID, agentID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, agent)
}

// HandleListDependencies reads a workflow's dependency edges.
// GET /api/v1/workflow/{id}/dependencies
func (h *WorkflowHandler) HandleListDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := h.store.ListDependencies(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, deps)
}

// HandleReplaceDependencies swaps the edge set after cycle validation.
// PUT /api/v1/workflow/{id}/dependencies
func (h *WorkflowHandler) HandleReplaceDependencies(w http.ResponseWriter, r *http.Request) {
	var req DependenciesReplaceRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}

	deps := make([]store.AgentDependency, len(req.Dependencies))
	for i, d := range req.Dependencies {
		deps[i] = store.AgentDependency{
			AgentID:          d.AgentID,
			DependsOnAgentID: d.DependsOnAgentID,
		}
	}

	result, err := h.store.ReplaceDependencies(r.Context(), r.PathValue("id"), deps)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
