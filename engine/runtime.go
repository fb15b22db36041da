package engine

import (
	"context"

	"github.com/BaSui01/flowengine/types"
)

// AgentRuntime performs the side-effectful work of one agent step. The
// engine treats it as opaque: it invokes Execute under the retry policy
// and records the output or error. Implementations should honor context
// cancellation; steps that do not will settle at their natural pace
// while the surrounding run is already cancelled.
type AgentRuntime interface {
	Execute(ctx context.Context, agentID string, execCtx types.Map) (string, error)
}

// RuntimeFunc adapts a plain function to AgentRuntime.
type RuntimeFunc func(ctx context.Context, agentID string, execCtx types.Map) (string, error)

// Execute implements AgentRuntime.
func (f RuntimeFunc) Execute(ctx context.Context, agentID string, execCtx types.Map) (string, error) {
	return f(ctx, agentID, execCtx)
}
