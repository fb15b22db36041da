package handlers

import "net/http"

// RegisterRoutes mounts the /api/v1 surface plus probes on mux.
func RegisterRoutes(mux *http.ServeMux, wf *WorkflowHandler, ex *ExecutionHandler, health *HealthHandler) {
	// Workflows
	mux.HandleFunc("POST /api/v1/workflow", wf.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflow", wf.HandleList)
	mux.HandleFunc("GET /api/v1/workflow/{id}", wf.HandleGet)
	mux.HandleFunc("PUT /api/v1/workflow/{id}", wf.HandleUpdate)
	mux.HandleFunc("DELETE /api/v1/workflow/{id}", wf.HandleDelete)

	// Agents
	mux.HandleFunc("GET /api/v1/workflow/{id}/agents", wf.HandleListAgents)
	mux.HandleFunc("PUT /api/v1/workflow/{id}/agents", wf.HandleReplaceAgents)
	mux.HandleFunc("PUT /api/v1/workflow/{id}/agents/{aid}", wf.HandleUpdateAgent)
	mux.HandleFunc("DELETE /api/v1/workflow/{id}/agents/{aid}", wf.HandleDeleteAgent)

	// Dependencies
	mux.HandleFunc("GET /api/v1/workflow/{id}/dependencies", wf.HandleListDependencies)
	mux.HandleFunc("PUT /api/v1/workflow/{id}/dependencies", wf.HandleReplaceDependencies)

	// Executions
	mux.HandleFunc("POST /api/v1/executions/workflow/{id}/execute", ex.HandleExecute)
	mux.HandleFunc("GET /api/v1/executions", ex.HandleList)
	mux.HandleFunc("GET /api/v1/executions/dlq", ex.HandleDeadLetters)
	mux.HandleFunc("GET /api/v1/executions/{id}", ex.HandleGet)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", ex.HandleCancel)
	mux.HandleFunc("POST /api/v1/executions/{id}/pause", ex.HandlePause)
	mux.HandleFunc("POST /api/v1/executions/{id}/resume", ex.HandleResume)
	mux.HandleFunc("POST /api/v1/executions/{id}/clone", ex.HandleClone)
	mux.HandleFunc("POST /api/v1/executions/{id}/rollback", ex.HandleRollback)

	// Engine introspection and metrics
	mux.HandleFunc("GET /api/v1/breakers", ex.HandleBreakers)
	mux.HandleFunc("GET /api/v1/metrics/workflows/{id}", ex.HandleWorkflowMetrics)
	mux.HandleFunc("GET /api/v1/metrics/agents/{aid}", ex.HandleAgentHealth)
	mux.HandleFunc("GET /api/v1/metrics/performance", ex.HandlePerformance)

	// Probes
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
}
