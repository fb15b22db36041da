// Package engine executes workflows. It hosts the scheduler that turns
// a stored workflow definition into an ordered (or batched) run, the
// retry policy and per-agent circuit breakers that guard each step, the
// dead-letter queue for unrecoverable failures, the priority queue and
// dispatcher that feed runs to workers, and the lifecycle controller
// for pause/resume/cancel/clone.
//
// The engine never performs agent work itself: it invokes an opaque
// AgentRuntime collaborator and records the result. Execution rows in
// the store are the single source of truth for run state; everything
// in this package that is not a row (breakers, dead letters, the queue)
// is process-local and resets on restart.
package engine
