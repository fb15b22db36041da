package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowengine/graph"
	"github.com/BaSui01/flowengine/internal/logging"
	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/types"
)

// PlanCache stores computed batch plans keyed by workflow and
// dependency fingerprint, so repeated runs of an unchanged workflow
// skip the layering pass.
type PlanCache interface {
	Get(ctx context.Context, key string) ([][]string, bool)
	Set(ctx context.Context, key string, batches [][]string)
}

// ErrorHook is notified of terminal workflow failures and of step
// failures escalated by the notify fallback action.
type ErrorHook func(executionID, workflowID string, err error)

// StepHook is notified whenever a step row settles in a terminal
// status. Feeds external instrumentation.
type StepHook func(agentID string, status store.ExecutionStatus, duration time.Duration, retries int)

// ExecutionHook is notified whenever a run reaches a terminal status.
type ExecutionHook func(workflowID string, status store.ExecutionStatus, duration time.Duration)

// SchedulerConfig bundles the engine constants.
type SchedulerConfig struct {
	RetryPolicy Policy        `json:"retry_policy"`
	Breaker     BreakerConfig `json:"breaker"`
	// PausePollInterval is how often a run waiting on pause or
	// dispatch re-reads its row.
	PausePollInterval time.Duration `json:"pause_poll_interval"`
}

// DefaultSchedulerConfig returns the engine defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RetryPolicy:       DefaultPolicy(),
		Breaker:           DefaultBreakerConfig(),
		PausePollInterval: 100 * time.Millisecond,
	}
}

// Scheduler orchestrates workflow runs: it validates and plans a
// submission, owns the per-step execution discipline, and drives rows
// through the execution state machine.
type Scheduler struct {
	store    *store.Store
	runtime  AgentRuntime
	breakers *BreakerRegistry
	dlq      *DeadLetterQueue
	plans    PlanCache
	config   SchedulerConfig
	logger   *zap.Logger

	hooks     []ErrorHook
	stepHooks []StepHook
	execHooks []ExecutionHook
	cancels   map[string]context.CancelFunc
	mu        sync.Mutex
}

// NewScheduler wires a scheduler from its collaborators. plans may be
// nil to disable plan caching.
func NewScheduler(
	st *store.Store,
	runtime AgentRuntime,
	breakers *BreakerRegistry,
	dlq *DeadLetterQueue,
	plans PlanCache,
	config SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    st,
		runtime:  runtime,
		breakers: breakers,
		dlq:      dlq,
		plans:    plans,
		config:   config,
		logger:   logger.With(zap.String("component", "scheduler")),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// OnError registers a hook notified of terminal workflow failures.
func (s *Scheduler) OnError(hook ErrorHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// OnStep registers a hook notified of every settled step.
func (s *Scheduler) OnStep(hook StepHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepHooks = append(s.stepHooks, hook)
}

// OnExecution registers a hook notified of every settled run.
func (s *Scheduler) OnExecution(hook ExecutionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execHooks = append(s.execHooks, hook)
}

func (s *Scheduler) notifyStep(agentID string, status store.ExecutionStatus, duration time.Duration, retries int) {
	s.mu.Lock()
	hooks := make([]StepHook, len(s.stepHooks))
	copy(hooks, s.stepHooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(agentID, status, duration, retries)
	}
}

func (s *Scheduler) notifyExecution(workflowID string, status store.ExecutionStatus, duration time.Duration) {
	s.mu.Lock()
	hooks := make([]ExecutionHook, len(s.execHooks))
	copy(hooks, s.execHooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(workflowID, status, duration)
	}
}

// Breakers exposes the breaker registry for reporting.
func (s *Scheduler) Breakers() *BreakerRegistry {
	return s.breakers
}

// DeadLetters exposes the dead-letter queue for reporting.
func (s *Scheduler) DeadLetters() *DeadLetterQueue {
	return s.dlq
}

// CreateRequest is one execution submission.
type CreateRequest struct {
	WorkflowID string
	Mode       store.ExecutionMode
	Context    types.Map
	Priority   int
	MaxRetries int
}

// CreateExecution validates a submission, persists the execution and
// per-agent rows, computes the plan, and transitions the row to
// running. Planning failures return the persisted row with
// status=failed rather than an error, so callers always get a row back
// for a known workflow.
func (s *Scheduler) CreateExecution(ctx context.Context, req CreateRequest) (*store.WorkflowExecution, error) {
	if _, err := s.store.GetWorkflow(ctx, req.WorkflowID); err != nil {
		return nil, err
	}

	agents, err := s.store.ListAgents(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, types.NewError(types.ErrValidation, "workflow has no agents")
	}

	mode := req.Mode
	if mode == "" {
		mode = store.ModeSync
	}
	if !mode.Valid() {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("invalid execution mode %q", mode))
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.config.RetryPolicy.MaxRetries
	}

	exec := &store.WorkflowExecution{
		WorkflowID:       req.WorkflowID,
		Status:           store.StatusPending,
		ExecutionMode:    mode,
		ExecutionContext: req.Context,
		Priority:         req.Priority,
		MaxRetries:       maxRetries,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	log := logging.NewExecutionLogger(s.logger, exec.ID, req.WorkflowID)
	log.Info("execution created",
		zap.String("mode", string(mode)),
		zap.Int("priority", req.Priority))

	plan, planErr := s.buildPlan(ctx, exec, agents)
	if planErr != nil {
		log.Error("planning failed", zap.Error(planErr))
		now := time.Now().UTC()
		failed, err := s.store.UpdateExecution(ctx, exec.ID, map[string]any{
			"status":       store.StatusFailed,
			"completed_at": &now,
			"error_details": types.Map{
				"error": planErr.Error(),
				"phase": "planning",
			},
		})
		if err != nil {
			return nil, err
		}
		return failed, nil
	}

	rows := make([]store.AgentExecution, len(agents))
	for i, a := range agents {
		rows[i] = store.AgentExecution{
			ExecutionID: exec.ID,
			AgentID:     a.ID,
			Status:      store.StatusPending,
		}
	}
	if _, err := s.store.CreateAgentExecutions(ctx, rows); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     store.StatusRunning,
		"started_at": &now,
	}
	if exec.ExecutionMode == store.ModeParallel {
		updates["logs"] = fmt.Sprintf("parallel plan: %d batches over %d agents", len(plan.batches), len(agents))
	}
	running, err := s.store.UpdateExecution(ctx, exec.ID, updates)
	if err != nil {
		return nil, err
	}
	return running, nil
}

// executionPlan is the computed ordering for one run.
type executionPlan struct {
	order   []string   // sequential order (all modes)
	batches [][]string // wavefronts (parallel mode)
}

// buildPlan loads the dependency edges and computes the ordering for
// the execution's mode. Parallel plans consult the plan cache.
func (s *Scheduler) buildPlan(ctx context.Context, exec *store.WorkflowExecution, agents []store.Agent) (*executionPlan, error) {
	deps, err := s.store.ListDependencies(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	agentIDs := make([]string, len(agents))
	for i, a := range agents {
		agentIDs[i] = a.ID
	}
	edges := make([]graph.Edge, len(deps))
	for i, d := range deps {
		edges[i] = graph.Edge{AgentID: d.AgentID, DependsOnID: d.DependsOnAgentID}
	}

	if exec.ExecutionMode == store.ModeParallel {
		key := planKey(exec.WorkflowID, agentIDs, edges)
		if s.plans != nil {
			if cached, ok := s.plans.Get(ctx, key); ok {
				return &executionPlan{batches: cached}, nil
			}
		}
		batches, err := graph.Batches(agentIDs, edges)
		if err != nil {
			return nil, err
		}
		if s.plans != nil {
			s.plans.Set(ctx, key, batches)
		}
		return &executionPlan{batches: batches}, nil
	}

	order, err := graph.TopoSort(agentIDs, edges)
	if err != nil {
		return nil, err
	}
	return &executionPlan{order: order}, nil
}

// planKey fingerprints a workflow's agent and edge sets.
func planKey(workflowID string, agentIDs []string, edges []graph.Edge) string {
	h := fnvHash{}
	h.write(workflowID)
	for _, id := range agentIDs {
		h.write(id)
	}
	for _, e := range edges {
		h.write(e.DependsOnID + ">" + e.AgentID)
	}
	return fmt.Sprintf("plan:%s:%x", workflowID, h.sum)
}

// fnvHash is a tiny FNV-1a accumulator over strings.
type fnvHash struct{ sum uint64 }

func (h *fnvHash) write(s string) {
	if h.sum == 0 {
		h.sum = 14695981039346656037
	}
	for i := 0; i < len(s); i++ {
		h.sum ^= uint64(s[i])
		h.sum *= 1099511628211
	}
}

// Run executes one created execution to a terminal state. It is the
// single owner of the run: one scheduler task per execution. Row reads
// and settlement writes go through a context detached from ctx: the
// run context signals cancellation, but must not be able to strand
// rows non-terminally by killing the writes that settle them.
func (s *Scheduler) Run(ctx context.Context, executionID string) error {
	storeCtx := context.WithoutCancel(ctx)

	exec, err := s.store.GetExecution(storeCtx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.StatusRunning {
		// Cancelled (or otherwise settled) before dispatch.
		return nil
	}

	agents, err := s.store.ListAgents(storeCtx, exec.WorkflowID)
	if err != nil {
		return err
	}
	plan, err := s.buildPlan(storeCtx, exec, agents)
	if err != nil {
		return s.failWorkflow(ctx, exec, "", err)
	}

	agentsByID := make(map[string]store.Agent, len(agents))
	for _, a := range agents {
		agentsByID[a.ID] = a
	}
	aeRows, err := s.store.ListAgentExecutions(storeCtx, exec.ID)
	if err != nil {
		return err
	}
	rowByAgent := make(map[string]store.AgentExecution, len(aeRows))
	for _, r := range aeRows {
		rowByAgent[r.AgentID] = r
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.registerCancel(exec.ID, cancel)
	defer s.unregisterCancel(exec.ID)

	log := logging.NewExecutionLogger(s.logger, exec.ID, exec.WorkflowID)
	log.Info("run started", zap.String("mode", string(exec.ExecutionMode)))

	switch exec.ExecutionMode {
	case store.ModeParallel:
		err = s.runParallel(runCtx, exec, plan, agentsByID, rowByAgent, log)
	case store.ModeLoop:
		err = s.runLoop(runCtx, exec, plan, agentsByID, rowByAgent, log)
	default:
		// sync, async, conditional, scheduled, event_driven all step
		// the sequential plan; conditional additionally evaluates
		// guards.
		err = s.runSequential(runCtx, exec, plan.order, agentsByID, rowByAgent, log)
	}
	return err
}

// Signal cancels the run context of an in-flight execution, if any.
// Step tasks observe the cancellation at their next suspension point.
func (s *Scheduler) Signal(executionID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[executionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) registerCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = cancel
}

func (s *Scheduler) unregisterCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
}

// interruption captures the pause/cancel state of a run between steps.
type interruption int

const (
	proceed interruption = iota
	interruptCancelled
)

// checkpoint observes pause and cancel between steps. Paused runs block
// here, polling the row, until resumed or cancelled. The row is the
// source of truth; the run context only accelerates in-flight steps.
// Reads use a detached context so a dead run context reads as a
// cancellation signal, not as a store failure.
func (s *Scheduler) checkpoint(ctx context.Context, executionID string) (interruption, error) {
	readCtx := context.WithoutCancel(ctx)
	for {
		exec, err := s.store.GetExecution(readCtx, executionID)
		if err != nil {
			return interruptCancelled, err
		}

		switch exec.Status {
		case store.StatusRunning:
			if ctx.Err() != nil {
				return interruptCancelled, nil
			}
			return proceed, nil
		case store.StatusCancelled:
			return interruptCancelled, nil
		case store.StatusPaused:
			select {
			case <-ctx.Done():
				return interruptCancelled, nil
			case <-time.After(s.config.PausePollInterval):
			}
		default:
			// Terminal by someone else's hand; stop dispatching.
			return interruptCancelled, nil
		}
	}
}

// runSequential iterates the topological order one step at a time.
func (s *Scheduler) runSequential(
	ctx context.Context,
	exec *store.WorkflowExecution,
	order []string,
	agentsByID map[string]store.Agent,
	rowByAgent map[string]store.AgentExecution,
	log *logging.ExecutionLogger,
) error {
	conditional := exec.ExecutionMode == store.ModeConditional

	for _, agentID := range order {
		switch ip, err := s.checkpoint(ctx, exec.ID); {
		case err != nil:
			return err
		case ip == interruptCancelled:
			return s.settleCancelled(ctx, exec, rowByAgent, log)
		}

		agent := agentsByID[agentID]
		row := rowByAgent[agentID]

		if conditional {
			skipped, err := s.maybeSkip(ctx, exec, agent, row, log)
			if err != nil {
				return s.failWorkflow(ctx, exec, agentID, err)
			}
			if skipped {
				continue
			}
		}

		if err := s.runStep(ctx, exec, agent, row, log); err != nil {
			if types.GetErrorCode(err) == types.ErrCancelled {
				return s.settleCancelled(ctx, exec, rowByAgent, log)
			}
			return s.failWorkflow(ctx, exec, agentID, err)
		}
	}
	return s.completeWorkflow(ctx, exec, log)
}

// runParallel dispatches each wavefront concurrently and joins before
// the next. A member's failure does not pre-empt its siblings; it is
// evaluated at the batch join point.
func (s *Scheduler) runParallel(
	ctx context.Context,
	exec *store.WorkflowExecution,
	plan *executionPlan,
	agentsByID map[string]store.Agent,
	rowByAgent map[string]store.AgentExecution,
	log *logging.ExecutionLogger,
) error {
	for i, batch := range plan.batches {
		switch ip, err := s.checkpoint(ctx, exec.ID); {
		case err != nil:
			return err
		case ip == interruptCancelled:
			return s.settleCancelled(ctx, exec, rowByAgent, log)
		}

		log.Debug("dispatching batch",
			zap.Int("batch", i),
			zap.Int("members", len(batch)))

		var g errgroup.Group
		stepErrs := make([]error, len(batch))
		for j, agentID := range batch {
			j, agentID := j, agentID
			agent := agentsByID[agentID]
			row := rowByAgent[agentID]
			g.Go(func() error {
				stepErrs[j] = s.runStep(ctx, exec, agent, row, log)
				return nil
			})
		}
		// Join the wavefront; errors surface through stepErrs.
		_ = g.Wait()

		var firstFailure error
		cancelled := false
		for j, stepErr := range stepErrs {
			if stepErr == nil {
				continue
			}
			if types.GetErrorCode(stepErr) == types.ErrCancelled {
				cancelled = true
				continue
			}
			if firstFailure == nil {
				firstFailure = fmt.Errorf("agent %s: %w", batch[j], stepErr)
			}
		}
		if cancelled && firstFailure == nil {
			return s.settleCancelled(ctx, exec, rowByAgent, log)
		}
		if firstFailure != nil {
			return s.failWorkflow(ctx, exec, "", firstFailure)
		}
	}
	return s.completeWorkflow(ctx, exec, log)
}

// runLoop repeats the sequential plan until the termination guard in
// the execution context holds, bounded by max_iterations. Iterations
// after the first get fresh agent execution rows.
func (s *Scheduler) runLoop(
	ctx context.Context,
	exec *store.WorkflowExecution,
	plan *executionPlan,
	agentsByID map[string]store.Agent,
	rowByAgent map[string]store.AgentExecution,
	log *logging.ExecutionLogger,
) error {
	guard, maxIter := LoopTermination(exec.ExecutionContext)

	for iter := 0; iter < maxIter; iter++ {
		if iter > 0 {
			rows := make([]store.AgentExecution, 0, len(plan.order))
			for _, agentID := range plan.order {
				rows = append(rows, store.AgentExecution{
					ExecutionID: exec.ID,
					AgentID:     agentID,
					Status:      store.StatusPending,
				})
			}
			created, err := s.store.CreateAgentExecutions(context.WithoutCancel(ctx), rows)
			if err != nil {
				return err
			}
			rowByAgent = make(map[string]store.AgentExecution, len(created))
			for _, r := range created {
				rowByAgent[r.AgentID] = r
			}
		}

		for _, agentID := range plan.order {
			switch ip, err := s.checkpoint(ctx, exec.ID); {
			case err != nil:
				return err
			case ip == interruptCancelled:
				return s.settleCancelled(ctx, exec, rowByAgent, log)
			}

			if err := s.runStep(ctx, exec, agentsByID[agentID], rowByAgent[agentID], log); err != nil {
				if types.GetErrorCode(err) == types.ErrCancelled {
					return s.settleCancelled(ctx, exec, rowByAgent, log)
				}
				return s.failWorkflow(ctx, exec, agentID, err)
			}
		}

		if guard == nil || guard.Evaluate(exec.ExecutionContext) {
			break
		}
		log.Debug("loop iteration complete, termination guard not met",
			zap.Int("iteration", iter))
	}
	return s.completeWorkflow(ctx, exec, log)
}

// maybeSkip evaluates a conditional guard for the agent. A false guard
// settles the row as completed with a skip marker, which keeps
// downstream in-degree accounting satisfied.
func (s *Scheduler) maybeSkip(
	ctx context.Context,
	exec *store.WorkflowExecution,
	agent store.Agent,
	row store.AgentExecution,
	log *logging.ExecutionLogger,
) (bool, error) {
	guard, err := ParseGuard(agent.Properties)
	if err != nil {
		return false, err
	}
	if guard == nil || guard.Evaluate(exec.ExecutionContext) {
		return false, nil
	}

	now := time.Now().UTC()
	_, err = s.store.UpdateAgentExecution(context.WithoutCancel(ctx), row.ID, map[string]any{
		"status":       store.StatusCompleted,
		"started_at":   &now,
		"completed_at": &now,
		"output":       "skipped: guard not satisfied",
	})
	if err != nil {
		return false, err
	}
	log.Info("step skipped by guard", zap.String("agent_id", agent.ID))
	return true, nil
}

// runStep executes one agent step: breaker gate, running transition,
// retried runtime invocation under the per-agent timeout, terminal row
// update, breaker notification.
func (s *Scheduler) runStep(
	ctx context.Context,
	exec *store.WorkflowExecution,
	agent store.Agent,
	row store.AgentExecution,
	log *logging.ExecutionLogger,
) error {
	// Row writes survive the run context: a step whose context died
	// mid-flight still gets its terminal status recorded.
	settleCtx := context.WithoutCancel(ctx)

	breaker := s.breakers.GetOrCreate(agent.ID)
	if err := breaker.Allow(); err != nil {
		now := time.Now().UTC()
		if _, uerr := s.store.UpdateAgentExecution(settleCtx, row.ID, map[string]any{
			"status":     store.StatusRunning,
			"started_at": &now,
		}); uerr != nil {
			return uerr
		}
		if _, uerr := s.store.MarkAgentExecutionTerminal(settleCtx, row.ID, store.StatusFailed, "", err.Error(), 0); uerr != nil {
			return uerr
		}
		log.Warn("step rejected by circuit breaker", zap.String("agent_id", agent.ID))
		s.notifyStep(agent.ID, store.StatusFailed, 0, 0)
		return err
	}

	now := time.Now().UTC()
	if _, err := s.store.UpdateAgentExecution(settleCtx, row.ID, map[string]any{
		"status":     store.StatusRunning,
		"started_at": &now,
	}); err != nil {
		return err
	}
	log.Debug("step started", zap.String("agent_id", agent.ID))

	policy := s.config.RetryPolicy
	policy.MaxRetries = exec.MaxRetries

	stepTimeout := agentTimeout(agent)
	attempt := func(ctx context.Context) (string, error) {
		if stepTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, stepTimeout)
			defer cancel()
		}
		return s.runtime.Execute(ctx, agent.ID, exec.ExecutionContext)
	}

	start := time.Now()
	output, retries, err := RetryWithBackoff(ctx, attempt, policy, defaultIsRetryable)
	elapsed := time.Since(start)

	if err == nil {
		if _, uerr := s.store.MarkAgentExecutionTerminal(settleCtx, row.ID, store.StatusCompleted, output, "", retries); uerr != nil {
			return uerr
		}
		breaker.RecordSuccess()
		log.Info("step completed",
			zap.String("agent_id", agent.ID),
			zap.Int("retries", retries),
			zap.Duration("duration", elapsed))
		s.notifyStep(agent.ID, store.StatusCompleted, elapsed, retries)
		return nil
	}

	if types.GetErrorCode(err) == types.ErrCancelled {
		// Cancellation is not the agent's fault: settle the row
		// without dinging the breaker.
		if _, uerr := s.store.MarkAgentExecutionTerminal(settleCtx, row.ID, store.StatusCancelled, "", err.Error(), retries); uerr != nil &&
			types.GetErrorCode(uerr) != types.ErrInvalidTransition {
			return uerr
		}
		log.Info("step cancelled", zap.String("agent_id", agent.ID))
		s.notifyStep(agent.ID, store.StatusCancelled, elapsed, retries)
		return err
	}

	action, defaultOutput, perr := ParseFallback(agent.Properties)
	if perr != nil {
		// A broken failure policy never masks the step error; fall
		// back to failing the workflow.
		action = FallbackFail
	}

	terminalStatus, output := store.StatusFailed, ""
	if action == FallbackUseDefault {
		terminalStatus, output = store.StatusCompleted, defaultOutput
	}
	if _, uerr := s.store.MarkAgentExecutionTerminal(settleCtx, row.ID, terminalStatus, output, err.Error(), retries); uerr != nil {
		return uerr
	}
	breaker.RecordFailure()
	s.notifyStep(agent.ID, terminalStatus, elapsed, retries)
	log.Error("step failed",
		zap.String("agent_id", agent.ID),
		zap.String("on_failure", string(action)),
		zap.Int("retries", retries),
		zap.Duration("duration", elapsed),
		zap.Error(err))

	switch action {
	case FallbackSkip, FallbackUseDefault:
		return nil
	case FallbackNotify:
		s.notifyHooks(exec.ID, exec.WorkflowID, err)
		return nil
	default:
		return err
	}
}

// agentTimeout reads resource_limits.timeout in seconds.
func agentTimeout(agent store.Agent) time.Duration {
	if secs, ok := agent.ResourceLimits.GetFloat("timeout"); ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// defaultIsRetryable treats structured non-retryable errors as
// permanent and everything else as transient, matching the default
// always-retry policy for plain errors.
func defaultIsRetryable(err error) bool {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// settleCancelled marks every non-terminal step row cancelled, then
// the workflow row itself if the lifecycle controller has not already
// flipped it (a run killed by its own context dying has no lifecycle
// Cancel behind it). Rows whose runtime did not honor cancellation
// have settled naturally by the time we get here. All writes go
// through a detached context: the cancellation that brought us here
// must not also kill the settlement.
func (s *Scheduler) settleCancelled(
	ctx context.Context,
	exec *store.WorkflowExecution,
	rowByAgent map[string]store.AgentExecution,
	log *logging.ExecutionLogger,
) error {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	for _, row := range rowByAgent {
		current, err := s.store.GetAgentExecution(ctx, row.ID)
		if err != nil || current.Status.Terminal() {
			continue
		}
		updates := map[string]any{
			"status":       store.StatusCancelled,
			"completed_at": &now,
		}
		if current.StartedAt == nil {
			updates["started_at"] = &now
		}
		if _, err := s.store.UpdateAgentExecution(ctx, row.ID, updates); err != nil {
			log.Warn("failed to settle cancelled step", zap.Error(err))
		}
	}

	current, err := s.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	if !current.Status.Terminal() {
		if _, err := s.store.UpdateExecution(ctx, exec.ID, map[string]any{
			"status":       store.StatusCancelled,
			"completed_at": &now,
		}); err != nil && types.GetErrorCode(err) != types.ErrInvalidTransition {
			return err
		}
	}

	var elapsed time.Duration
	if exec.StartedAt != nil {
		elapsed = now.Sub(*exec.StartedAt)
	}
	s.notifyExecution(exec.WorkflowID, store.StatusCancelled, elapsed)
	log.Info("run cancelled")
	return nil
}

// failWorkflow drives the execution row to failed, recording the first
// terminal failure, then dead-letters the run and notifies hooks. If
// the row was cancelled in the meantime the failure loses the race and
// the cancellation stands.
func (s *Scheduler) failWorkflow(ctx context.Context, exec *store.WorkflowExecution, agentID string, stepErr error) error {
	now := time.Now().UTC()
	details := types.Map{"error": stepErr.Error()}
	if agentID != "" {
		details["agent_id"] = agentID
	}

	_, err := s.store.UpdateExecution(context.WithoutCancel(ctx), exec.ID, map[string]any{
		"status":        store.StatusFailed,
		"completed_at":  &now,
		"error_details": details,
	})
	if err != nil {
		if types.GetErrorCode(err) == types.ErrInvalidTransition {
			return nil
		}
		return err
	}

	var elapsed time.Duration
	if exec.StartedAt != nil {
		elapsed = now.Sub(*exec.StartedAt)
	}
	s.notifyExecution(exec.WorkflowID, store.StatusFailed, elapsed)

	s.dlq.Add(exec.ID, exec.WorkflowID, stepErr.Error(), details)
	s.notifyHooks(exec.ID, exec.WorkflowID, stepErr)
	return stepErr
}

// notifyHooks invokes the registered error hooks outside the lock.
func (s *Scheduler) notifyHooks(executionID, workflowID string, err error) {
	s.mu.Lock()
	hooks := make([]ErrorHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(executionID, workflowID, err)
	}
}

// completeWorkflow drives the execution row to completed.
func (s *Scheduler) completeWorkflow(ctx context.Context, exec *store.WorkflowExecution, log *logging.ExecutionLogger) error {
	now := time.Now().UTC()
	_, err := s.store.UpdateExecution(context.WithoutCancel(ctx), exec.ID, map[string]any{
		"status":       store.StatusCompleted,
		"completed_at": &now,
	})
	if err != nil {
		if types.GetErrorCode(err) == types.ErrInvalidTransition {
			// Cancelled at the finish line; the cancellation stands.
			return nil
		}
		return err
	}
	var elapsed time.Duration
	if exec.StartedAt != nil {
		elapsed = now.Sub(*exec.StartedAt)
	}
	s.notifyExecution(exec.WorkflowID, store.StatusCompleted, elapsed)
	log.Info("run completed")
	return nil
}
