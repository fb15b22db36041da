package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/types"
)

func newEngineStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	s := store.New(db, nil)
	require.NoError(t, s.Migrate())
	return s
}

// seedWorkflow creates a workflow with the named agents and the given
// dependency edges (dependent -> prerequisites, by name). It returns
// the workflow and a name->id map.
func seedWorkflow(t *testing.T, st *store.Store, name string, agentNames []string, edges map[string][]string) (*store.Workflow, map[string]string) {
	t.Helper()
	ctx := context.Background()

	w := &store.Workflow{Name: name}
	require.NoError(t, st.CreateWorkflow(ctx, w))

	agents := make([]store.Agent, len(agentNames))
	for i, n := range agentNames {
		agents[i] = store.Agent{Name: n, Role: store.RoleExecutor}
	}
	inserted, err := st.ReplaceAgents(ctx, w.ID, agents)
	require.NoError(t, err)

	ids := make(map[string]string, len(inserted))
	for _, a := range inserted {
		ids[a.Name] = a.ID
	}

	var deps []store.AgentDependency
	for dependent, prereqs := range edges {
		for _, p := range prereqs {
			deps = append(deps, store.AgentDependency{
				AgentID:          ids[dependent],
				DependsOnAgentID: ids[p],
			})
		}
	}
	if len(deps) > 0 {
		_, err = st.ReplaceDependencies(ctx, w.ID, deps)
		require.NoError(t, err)
	}
	return w, ids
}

// scriptedRuntime records invocations and delegates to an optional
// handler.
type scriptedRuntime struct {
	mu      sync.Mutex
	calls   []string
	started chan string
	handler func(ctx context.Context, agentID string, execCtx types.Map) (string, error)
}

func (r *scriptedRuntime) Execute(ctx context.Context, agentID string, execCtx types.Map) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, agentID)
	r.mu.Unlock()
	if r.started != nil {
		select {
		case r.started <- agentID:
		default:
		}
	}
	if r.handler != nil {
		return r.handler(ctx, agentID, execCtx)
	}
	return "ok:" + agentID, nil
}

func (r *scriptedRuntime) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *scriptedRuntime) callOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func fastEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.Scheduler.RetryPolicy = fastPolicy()
	cfg.Scheduler.PausePollInterval = 10 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, rt AgentRuntime, cfg Config) (*Engine, *store.Store) {
	t.Helper()
	st := newEngineStore(t)
	return New(st, rt, nil, cfg, zap.NewNop()), st
}

func TestCreateExecution_WorkflowNotFound(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())

	_, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{WorkflowID: "missing"})
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestCreateExecution_EmptyWorkflowRejected(t *testing.T) {
	e, st := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	w := &store.Workflow{Name: "empty"}
	require.NoError(t, st.CreateWorkflow(context.Background(), w))

	_, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestCreateExecution_InvalidModeRejected(t *testing.T) {
	e, st := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	_, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{
		WorkflowID: w.ID,
		Mode:       store.ExecutionMode("bogus"),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestCreateExecution_PlanFailureReturnsFailedRow(t *testing.T) {
	e, st := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "wf", []string{"A", "B"}, map[string][]string{"B": {"A"}})

	// Close the cycle behind the store's validation.
	require.NoError(t, st.DB().Create(&store.AgentDependency{
		WorkflowID:       w.ID,
		AgentID:          ids["A"],
		DependsOnAgentID: ids["B"],
	}).Error)

	exec, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err, "planning failures come back as a failed row")
	assert.Equal(t, store.StatusFailed, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, "planning", exec.ErrorDetails["phase"])
	assert.Contains(t, exec.ErrorDetails["error"], "cycle")
}

func TestLinearChainRunsInOrder(t *testing.T) {
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "chain", []string{"A", "B", "C"},
		map[string][]string{"B": {"A"}, "C": {"B"}})

	exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID, Mode: store.ModeSync})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)

	assert.Equal(t, []string{ids["A"], ids["B"], ids["C"]}, rt.callOrder())

	rows, err := st.ListAgentExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byAgent := make(map[string]store.AgentExecution)
	for _, r := range rows {
		byAgent[r.AgentID] = r
		assert.Equal(t, store.StatusCompleted, r.Status)
		require.NotNil(t, r.StartedAt)
		require.NotNil(t, r.CompletedAt)
		require.NotNil(t, r.DurationMs)
		assert.GreaterOrEqual(t, *r.DurationMs, int64(0))
	}
	assert.Equal(t, "ok:"+ids["A"], byAgent[ids["A"]].Output)

	// B starts no earlier than A finished.
	assert.False(t, byAgent[ids["B"]].StartedAt.Before(*byAgent[ids["A"]].CompletedAt))
	assert.False(t, byAgent[ids["C"]].StartedAt.Before(*byAgent[ids["B"]].CompletedAt))
}

func TestParallelDiamondOverlapsSiblings(t *testing.T) {
	stepDelay := 100 * time.Millisecond
	rt := &scriptedRuntime{
		handler: func(ctx context.Context, agentID string, _ types.Map) (string, error) {
			select {
			case <-time.After(stepDelay):
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "diamond", []string{"A", "B", "C", "D"},
		map[string][]string{"B": {"A"}, "C": {"A"}, "D": {"B", "C"}})

	start := time.Now()
	exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID, Mode: store.ModeParallel})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	assert.Equal(t, 4, rt.callCount())

	// Three wavefronts of 100ms each: B and C overlapped.
	assert.GreaterOrEqual(t, elapsed, 3*stepDelay-20*time.Millisecond)
	assert.Less(t, elapsed, 4*stepDelay)
}

func TestParallelSiblingFailureDoesNotPreempt(t *testing.T) {
	var cCompleted bool
	var mu sync.Mutex
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "wf", []string{"B", "C"}, nil)

	rt.handler = func(ctx context.Context, agentID string, _ types.Map) (string, error) {
		if agentID == ids["B"] {
			return "", types.NewError(types.ErrValidation, "bad input").WithRetryable(false)
		}
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		cCompleted = true
		mu.Unlock()
		return "ok", nil
	}

	exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID, Mode: store.ModeParallel})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, exec.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, cCompleted, "sibling must run to completion despite B failing")

	rows, err := st.ListAgentExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	statuses := map[string]store.ExecutionStatus{}
	for _, r := range rows {
		statuses[r.AgentID] = r.Status
	}
	assert.Equal(t, store.StatusFailed, statuses[ids["B"]])
	assert.Equal(t, store.StatusCompleted, statuses[ids["C"]])
}

func TestStepFailureFailsWorkflowAndDeadLetters(t *testing.T) {
	rt := &scriptedRuntime{
		handler: func(context.Context, string, types.Map) (string, error) {
			return "", errors.New("runtime keeps crashing")
		},
	}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "wf", []string{"A", "B"}, map[string][]string{"B": {"A"}})

	var hookMu sync.Mutex
	var notified []string
	e.Scheduler.OnError(func(executionID, workflowID string, err error) {
		hookMu.Lock()
		notified = append(notified, executionID)
		hookMu.Unlock()
	})

	exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, ids["A"], exec.ErrorDetails["agent_id"])

	// A exhausted its budget: MaxRetries=3 means four attempts, and B
	// never ran.
	assert.Equal(t, 4, rt.callCount())

	entries := e.DeadLetter.List(w.ID, 0)
	require.Len(t, entries, 1)
	assert.Equal(t, exec.ID, entries[0].ExecutionID)

	hookMu.Lock()
	defer hookMu.Unlock()
	assert.Equal(t, []string{exec.ID}, notified)

	rows, err := st.ListAgentExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	for _, r := range rows {
		if r.AgentID == ids["B"] {
			assert.Equal(t, store.StatusPending, r.Status, "downstream step never dispatched")
		} else {
			assert.Equal(t, store.StatusFailed, r.Status)
			assert.Equal(t, 3, r.RetryCount)
		}
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	rt := &scriptedRuntime{
		handler: func(context.Context, string, types.Map) (string, error) {
			return "", errors.New("agent is down")
		},
	}
	cfg := fastEngineConfig()
	cfg.Scheduler.RetryPolicy.MaxRetries = 0 // one attempt per run
	e, st := newTestEngine(t, rt, cfg)
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	for i := 0; i < 5; i++ {
		exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID})
		require.NoError(t, err)
		require.Equal(t, store.StatusFailed, exec.Status, "run %d", i+1)
	}
	assert.Equal(t, 5, rt.callCount())

	// Sixth run: the breaker rejects without invoking the runtime.
	exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, exec.Status)
	assert.Equal(t, 5, rt.callCount(), "runtime must not be invoked while the breaker is open")
	assert.Contains(t, exec.ErrorDetails["error"], "circuit open")

	rows, err := st.ListAgentExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].DurationMs)
}

func TestCancelInFlightSettlesSteps(t *testing.T) {
	started := make(chan string, 4)
	rt := &scriptedRuntime{
		started: started,
		handler: func(ctx context.Context, _ string, _ types.Map) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A", "B"}, map[string][]string{"B": {"A"}})

	exec, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, exec.Status)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = e.Scheduler.Run(context.Background(), exec.ID)
	}()

	<-started // step A is in flight

	start := time.Now()
	ok, err := e.Lifecycle.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not settle after cancel")
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	final, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)

	rows, err := st.ListAgentExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, store.StatusCancelled, r.Status)
	}
}

func TestConditionalGuardSkipsStep(t *testing.T) {
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "wf", []string{"A", "B"}, map[string][]string{"B": {"A"}})

	_, err := st.UpdateAgent(context.Background(), w.ID, ids["B"], map[string]any{
		"properties": types.Map{
			"guard": map[string]any{"key": "stage", "operator": "equals", "value": "review"},
		},
	})
	require.NoError(t, err)

	exec, err := e.RunInline(context.Background(), CreateRequest{
		WorkflowID: w.ID,
		Mode:       store.ModeConditional,
		Context:    types.Map{"stage": "draft"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	assert.Equal(t, []string{ids["A"]}, rt.callOrder(), "guarded step must not invoke the runtime")

	rows, err := st.ListAgentExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, store.StatusCompleted, r.Status)
		if r.AgentID == ids["B"] {
			assert.Contains(t, r.Output, "skipped")
		}
	}
}

func TestConditionalGuardTrueRunsStep(t *testing.T) {
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "wf", []string{"A", "B"}, map[string][]string{"B": {"A"}})

	_, err := st.UpdateAgent(context.Background(), w.ID, ids["B"], map[string]any{
		"properties": types.Map{
			"guard": map[string]any{"key": "stage", "operator": "equals", "value": "review"},
		},
	})
	require.NoError(t, err)

	exec, err := e.RunInline(context.Background(), CreateRequest{
		WorkflowID: w.ID,
		Mode:       store.ModeConditional,
		Context:    types.Map{"stage": "review"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	assert.Equal(t, 2, rt.callCount())
}

func TestLoopModeRepeatsUntilGuardHolds(t *testing.T) {
	rt := &scriptedRuntime{
		handler: func(_ context.Context, _ string, execCtx types.Map) (string, error) {
			n, _ := execCtx.GetFloat("iterations")
			execCtx["iterations"] = n + 1
			return "ok", nil
		},
	}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	exec, err := e.RunInline(context.Background(), CreateRequest{
		WorkflowID: w.ID,
		Mode:       store.ModeLoop,
		Context: types.Map{
			"iterations": float64(0),
			"loop_until": map[string]any{"key": "iterations", "operator": "greater_than", "value": 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	assert.Equal(t, 3, rt.callCount())

	rows, err := st.ListAgentExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3, "each extra iteration gets a fresh step row")
}

func TestLoopModeHonorsIterationCap(t *testing.T) {
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	exec, err := e.RunInline(context.Background(), CreateRequest{
		WorkflowID: w.ID,
		Mode:       store.ModeLoop,
		Context: types.Map{
			"max_iterations": float64(4),
			"loop_until":     map[string]any{"key": "never", "operator": "exists"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	assert.Equal(t, 4, rt.callCount())
}

func TestPauseBlocksNextStep(t *testing.T) {
	started := make(chan string, 4)
	rt := &scriptedRuntime{
		started: started,
		handler: func(ctx context.Context, _ string, _ types.Map) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "ok", nil
		},
	}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A", "B"}, map[string][]string{"B": {"A"}})

	exec, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = e.Scheduler.Run(context.Background(), exec.ID)
	}()

	<-started // A in flight
	ok, err := e.Lifecycle.Pause(context.Background(), exec.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// A finishes, but B must not dispatch while paused.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, rt.callCount())

	paused, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, paused.Status)

	ok, err = e.Lifecycle.Resume(context.Background(), exec.ID)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}

	final, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, 2, rt.callCount())
}

func TestStepTimeoutExhaustsRetryBudget(t *testing.T) {
	rt := &scriptedRuntime{
		handler: func(ctx context.Context, _ string, _ types.Map) (string, error) {
			select {
			case <-time.After(time.Second):
				return "too slow", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	cfg := fastEngineConfig()
	cfg.Scheduler.RetryPolicy.MaxRetries = 1
	e, st := newTestEngine(t, rt, cfg)
	w, ids := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	_, err := st.UpdateAgent(context.Background(), w.ID, ids["A"], map[string]any{
		"resource_limits": types.Map{"timeout": 0.03},
	})
	require.NoError(t, err)

	exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID, MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, exec.Status)
	assert.Equal(t, 2, rt.callCount(), "timeouts count against the retry budget")
	assert.Len(t, e.DeadLetter.List(w.ID, 0), 1)
}

func TestParallelPlanSummaryRecorded(t *testing.T) {
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A", "B", "C"}, map[string][]string{"C": {"A", "B"}})

	exec, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{
		WorkflowID: w.ID,
		Mode:       store.ModeParallel,
	})
	require.NoError(t, err)
	assert.Contains(t, exec.Logs, "2 batches")
	assert.Contains(t, exec.Logs, "3 agents")
}

func TestContextDeathMidStepSettlesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &scriptedRuntime{
		started: make(chan string, 1),
		handler: func(c context.Context, _ string, _ types.Map) (string, error) {
			<-c.Done()
			return "", c.Err()
		},
	}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A", "B"}, map[string][]string{"B": {"A"}})

	exec, err := e.Scheduler.CreateExecution(ctx, CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, exec.Status)

	done := make(chan error, 1)
	go func() { done <- e.Scheduler.Run(ctx, exec.ID) }()

	// Kill the run context while step A is in flight. No lifecycle
	// Cancel flips the row first here; settlement must still happen.
	<-rt.started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not settle after context death")
	}

	fresh := context.Background()
	row, err := st.GetExecution(fresh, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, row.Status)
	require.NotNil(t, row.CompletedAt)

	rows, err := st.ListAgentExecutions(fresh, exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, store.StatusCancelled, r.Status, "agent %s", r.AgentID)
		require.NotNil(t, r.CompletedAt)
	}
}

func TestContextDeathBeforeDispatchSettlesRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	exec, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)

	cancel()
	require.NoError(t, e.Scheduler.Run(ctx, exec.ID))

	row, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, row.Status)
	assert.Zero(t, rt.callCount(), "no step dispatches on a dead context")
}

func TestStepAndExecutionHooksObserveRun(t *testing.T) {
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "wf", []string{"A", "B"}, map[string][]string{"B": {"A"}})

	var mu sync.Mutex
	type stepEvent struct {
		agentID string
		status  store.ExecutionStatus
	}
	var steps []stepEvent
	var runs []store.ExecutionStatus
	e.Scheduler.OnStep(func(agentID string, status store.ExecutionStatus, _ time.Duration, _ int) {
		mu.Lock()
		steps = append(steps, stepEvent{agentID, status})
		mu.Unlock()
	})
	e.Scheduler.OnExecution(func(_ string, status store.ExecutionStatus, _ time.Duration) {
		mu.Lock()
		runs = append(runs, status)
		mu.Unlock()
	})

	_, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, steps, 2)
	assert.Equal(t, stepEvent{ids["A"], store.StatusCompleted}, steps[0])
	assert.Equal(t, stepEvent{ids["B"], store.StatusCompleted}, steps[1])
	assert.Equal(t, []store.ExecutionStatus{store.StatusCompleted}, runs)
}

func TestHooksObserveFailure(t *testing.T) {
	rt := &scriptedRuntime{
		handler: func(context.Context, string, types.Map) (string, error) {
			return "", types.NewError(types.ErrPermanentExecution, "boom").WithRetryable(false)
		},
	}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	var mu sync.Mutex
	var stepStatus, runStatus store.ExecutionStatus
	var stepRetries int
	e.Scheduler.OnStep(func(agentID string, status store.ExecutionStatus, _ time.Duration, retries int) {
		mu.Lock()
		stepStatus, stepRetries = status, retries
		mu.Unlock()
		assert.Equal(t, ids["A"], agentID)
	})
	e.Scheduler.OnExecution(func(workflowID string, status store.ExecutionStatus, _ time.Duration) {
		mu.Lock()
		runStatus = status
		mu.Unlock()
		assert.Equal(t, w.ID, workflowID)
	})

	exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, exec.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, store.StatusFailed, stepStatus)
	assert.Equal(t, 0, stepRetries, "non-retryable errors burn no retries")
	assert.Equal(t, store.StatusFailed, runStatus)
}

func TestHooksObserveCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &scriptedRuntime{
		started: make(chan string, 1),
		handler: func(c context.Context, _ string, _ types.Map) (string, error) {
			<-c.Done()
			return "", c.Err()
		},
	}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	var mu sync.Mutex
	var runs []store.ExecutionStatus
	e.Scheduler.OnExecution(func(_ string, status store.ExecutionStatus, _ time.Duration) {
		mu.Lock()
		runs = append(runs, status)
		mu.Unlock()
	})

	exec, err := e.Scheduler.CreateExecution(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Scheduler.Run(ctx, exec.ID) }()
	<-rt.started
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []store.ExecutionStatus{store.StatusCancelled}, runs)
}
