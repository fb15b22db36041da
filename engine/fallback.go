package engine

import (
	"fmt"

	"github.com/BaSui01/flowengine/types"
)

// FallbackAction decides what a run does when a step exhausts its
// retry budget. The default is to fail the workflow; the alternatives
// let the run continue past a known-flaky step.
type FallbackAction string

const (
	// FallbackFail fails the workflow on the step's error.
	FallbackFail FallbackAction = "fail"
	// FallbackSkip records the step failure and continues the run.
	FallbackSkip FallbackAction = "skip"
	// FallbackUseDefault settles the step as completed with the
	// agent's configured default output and continues the run.
	FallbackUseDefault FallbackAction = "use_default"
	// FallbackNotify records the failure, notifies error hooks, and
	// continues the run.
	FallbackNotify FallbackAction = "notify"
)

// ParseFallback reads an agent's failure policy from its properties
// under the "on_failure" key. Agents without one fail the workflow.
//
// Shape: {"on_failure": "skip"} or, for use_default,
// {"on_failure": "use_default", "default_output": "..."}.
func ParseFallback(properties types.Map) (FallbackAction, string, error) {
	raw, ok := properties.GetString("on_failure")
	if !ok {
		if properties.Has("on_failure") {
			return "", "", types.NewError(types.ErrValidation, "on_failure must be a string")
		}
		return FallbackFail, "", nil
	}

	action := FallbackAction(raw)
	switch action {
	case FallbackFail, FallbackSkip, FallbackNotify:
		return action, "", nil
	case FallbackUseDefault:
		output, _ := properties.GetString("default_output")
		return action, output, nil
	default:
		return "", "", types.NewError(types.ErrValidation,
			fmt.Sprintf("unknown on_failure action %q", raw))
	}
}
