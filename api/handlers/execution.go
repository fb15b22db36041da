package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/engine"
	"github.com/BaSui01/flowengine/metrics"
	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/types"
)

// ExecutionHandler serves execution start, inspection, and lifecycle
// endpoints.
type ExecutionHandler struct {
	engine     *engine.Engine
	store      *store.Store
	aggregator *metrics.Aggregator
	logger     *zap.Logger
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(eng *engine.Engine, st *store.Store, agg *metrics.Aggregator, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{
		engine:     eng,
		store:      st,
		aggregator: agg,
		logger:     logger.With(zap.String("component", "execution_handler")),
	}
}

// ExecuteRequest is the optional POST
// /executions/workflow/{id}/execute body.
type ExecuteRequest struct {
	ExecutionMode    string    `json:"execution_mode"`
	ExecutionContext types.Map `json:"execution_context"`
	Priority         int       `json:"priority"`
	MaxRetries       int       `json:"max_retries"`
}

// CloneRequest is the optional POST /executions/{id}/clone body.
type CloneRequest struct {
	NewWorkflowID string `json:"new_workflow_id"`
}

// ExecutionDetail is the GET /executions/{id} response.
type ExecutionDetail struct {
	Execution       *store.WorkflowExecution `json:"execution"`
	AgentExecutions []store.AgentExecution   `json:"agent_executions"`
}

// HandleExecute begins a run. Synchronous mode runs to completion on
// the request; other modes enqueue for the dispatcher. A planning
// failure is not an HTTP error: the failed row comes back as created.
// POST /api/v1/executions/workflow/{id}/execute
func (h *ExecutionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if r.Body != nil && r.ContentLength != 0 {
		if !DecodeJSONBody(w, r, &req) {
			return
		}
	}

	createReq := engine.CreateRequest{
		WorkflowID: r.PathValue("id"),
		Mode:       store.ExecutionMode(req.ExecutionMode),
		Context:    req.ExecutionContext,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	}

	var (
		exec *store.WorkflowExecution
		err  error
	)
	if createReq.Mode == "" || createReq.Mode == store.ModeSync {
		exec, err = h.engine.RunInline(r.Context(), createReq)
	} else {
		exec, err = h.engine.Submit(r.Context(), createReq)
	}
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, exec)
}

// HandleList lists runs, optionally for one workflow.
// GET /api/v1/executions?workflow_id=
func (h *ExecutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	execs, err := h.store.ListExecutions(r.Context(), r.URL.Query().Get("workflow_id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, execs)
}

// HandleGet returns one run with its step rows.
// GET /api/v1/executions/{id}
func (h *ExecutionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	steps, err := h.store.ListAgentExecutions(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, ExecutionDetail{Execution: exec, AgentExecutions: steps})
}

// HandleCancel cancels a run. POST /api/v1/executions/{id}/cancel
func (h *ExecutionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "cancel", h.engine.Lifecycle.Cancel)
}

// HandlePause pauses a running run. POST /api/v1/executions/{id}/pause
func (h *ExecutionHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "pause", h.engine.Lifecycle.Pause)
}

// HandleResume resumes a paused run. POST /api/v1/executions/{id}/resume
func (h *ExecutionHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "resume", h.engine.Lifecycle.Resume)
}

// HandleRollback reverts a failed run to cancelled.
// POST /api/v1/executions/{id}/rollback
func (h *ExecutionHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "rollback", h.engine.Lifecycle.Rollback)
}

func (h *ExecutionHandler) lifecycleOp(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) (bool, error)) {
	id := r.PathValue("id")
	ok, err := fn(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if !ok {
		WriteDetail(w, r, http.StatusBadRequest,
			"execution "+id+" is not in a state that allows "+op)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

// HandleClone copies a run as a new pending execution.
// POST /api/v1/executions/{id}/clone
func (h *ExecutionHandler) HandleClone(w http.ResponseWriter, r *http.Request) {
	var req CloneRequest
	if r.Body != nil && r.ContentLength != 0 {
		if !DecodeJSONBody(w, r, &req) {
			return
		}
	}

	clone, err := h.engine.Lifecycle.Clone(r.Context(), r.PathValue("id"), req.NewWorkflowID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, clone)
}

// HandleDeadLetters lists dead-letter entries.
// GET /api/v1/executions/dlq?workflow_id=&limit=
func (h *ExecutionHandler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			WriteDetail(w, r, http.StatusUnprocessableEntity, "limit must be an integer")
			return
		}
		limit = parsed
	}

	entries := h.engine.DeadLetter.List(r.URL.Query().Get("workflow_id"), limit)
	WriteJSON(w, http.StatusOK, entries)
}

// HandleBreakers reports circuit breaker states.
// GET /api/v1/breakers
func (h *ExecutionHandler) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.engine.Breakers.Snapshots())
}

// HandleWorkflowMetrics reports row-derived execution metrics.
// GET /api/v1/metrics/workflows/{id}?hours=
func (h *ExecutionHandler) HandleWorkflowMetrics(w http.ResponseWriter, r *http.Request) {
	window, ok := windowFromQuery(w, r)
	if !ok {
		return
	}
	m, err := h.aggregator.ExecutionMetrics(r.Context(), r.PathValue("id"), window)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

// HandleAgentHealth reports per-agent health derived from step rows.
// GET /api/v1/metrics/agents/{aid}?hours=
func (h *ExecutionHandler) HandleAgentHealth(w http.ResponseWriter, r *http.Request) {
	window, ok := windowFromQuery(w, r)
	if !ok {
		return
	}
	health, err := h.aggregator.AgentHealth(r.Context(), r.PathValue("aid"), window)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, health)
}

// HandlePerformance reports windowed throughput and latency percentiles.
// GET /api/v1/metrics/performance?workflow_id=&hours=
func (h *ExecutionHandler) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	window, ok := windowFromQuery(w, r)
	if !ok {
		return
	}
	perf, err := h.aggregator.Performance(r.Context(), r.URL.Query().Get("workflow_id"), window)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, perf)
}

func windowFromQuery(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return 0, true
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours < 0 {
		WriteDetail(w, r, http.StatusUnprocessableEntity, "hours must be a non-negative number")
		return 0, false
	}
	return time.Duration(hours * float64(time.Hour)), true
}
