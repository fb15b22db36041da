package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/types"
)

// webhookBodyLimit caps how much of a webhook response is kept as the
// step output.
const webhookBodyLimit = 64 << 10

// WebhookRuntime executes agent steps by POSTing the execution context
// to the endpoint named in the agent's capability_config. Agents with
// no endpoint complete locally with a synthetic acknowledgement, so a
// workflow can mix webhook-backed and placeholder agents.
type WebhookRuntime struct {
	store  *store.Store
	client *http.Client
	logger *zap.Logger
}

// NewWebhookRuntime builds a runtime over the store. client may be nil
// for a default client with a 30s timeout; per-step deadlines still
// come from the caller's context.
func NewWebhookRuntime(st *store.Store, client *http.Client, logger *zap.Logger) *WebhookRuntime {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookRuntime{
		store:  st,
		client: client,
		logger: logger.With(zap.String("component", "webhook_runtime")),
	}
}

// webhookRequest is the payload delivered to an agent endpoint.
type webhookRequest struct {
	AgentID          string    `json:"agent_id"`
	AgentName        string    `json:"agent_name"`
	Role             string    `json:"role"`
	ExecutionContext types.Map `json:"execution_context,omitempty"`
}

// Execute implements AgentRuntime.
func (r *WebhookRuntime) Execute(ctx context.Context, agentID string, execCtx types.Map) (string, error) {
	agent, err := r.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return "", err
	}

	endpoint, _ := agent.CapabilityConfig["endpoint"].(string)
	if endpoint == "" {
		return fmt.Sprintf("agent %s (%s) completed", agent.Name, agent.Role), nil
	}

	payload, err := json.Marshal(webhookRequest{
		AgentID:          agent.ID,
		AgentName:        agent.Name,
		Role:             string(agent.Role),
		ExecutionContext: execCtx,
	})
	if err != nil {
		return "", types.NewError(types.ErrPermanentExecution,
			fmt.Sprintf("failed to encode webhook payload: %v", err)).WithRetryable(false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", types.NewError(types.ErrPermanentExecution,
			fmt.Sprintf("invalid webhook endpoint %q: %v", endpoint, err)).WithRetryable(false)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.NewError(types.ErrTransientExecution,
			fmt.Sprintf("webhook call failed: %v", err)).WithRetryable(true)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, webhookBodyLimit))
	if readErr != nil {
		return "", types.NewError(types.ErrTransientExecution,
			fmt.Sprintf("failed to read webhook response: %v", readErr)).WithRetryable(true)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return string(body), nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", types.NewError(types.ErrTransientExecution,
			fmt.Sprintf("webhook returned status %d", resp.StatusCode)).WithRetryable(true)
	default:
		return "", types.NewError(types.ErrPermanentExecution,
			fmt.Sprintf("webhook returned status %d", resp.StatusCode)).WithRetryable(false)
	}
}
