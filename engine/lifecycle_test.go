package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/types"
)

func TestCancel_PendingExecutionNeverRuns(t *testing.T) {
	rt := &scriptedRuntime{}
	e, st := newTestEngine(t, rt, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	exec, err := e.Submit(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)

	ok, err := e.Lifecycle.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, e.Queue.IsEmpty(), "cancel must withdraw the queued entry")

	// A late dispatch is a no-op.
	require.NoError(t, e.Scheduler.Run(context.Background(), exec.ID))
	assert.Zero(t, rt.callCount())

	final, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)
}

func TestCancel_TerminalStatesReportFalse(t *testing.T) {
	e, st := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	exec, err := e.RunInline(context.Background(), CreateRequest{WorkflowID: w.ID})
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, exec.Status)

	ok, err := e.Lifecycle.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Second cancel of a cancelled run is also a no-op.
	pending := &store.WorkflowExecution{WorkflowID: w.ID, Status: store.StatusCancelled}
	require.NoError(t, st.CreateExecution(context.Background(), pending))
	ok, err = e.Lifecycle.Cancel(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancel_UnknownExecution(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	_, err := e.Lifecycle.Cancel(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestPauseResume_OnlyValidFromMatchingStatus(t *testing.T) {
	e, st := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	pending := &store.WorkflowExecution{WorkflowID: w.ID}
	require.NoError(t, st.CreateExecution(context.Background(), pending))

	ok, err := e.Lifecycle.Pause(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.False(t, ok, "only running executions can pause")

	ok, err = e.Lifecycle.Resume(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.False(t, ok, "only paused executions can resume")

	now := time.Now().UTC()
	_, err = st.UpdateExecution(context.Background(), pending.ID, map[string]any{
		"status":     store.StatusRunning,
		"started_at": &now,
	})
	require.NoError(t, err)

	ok, err = e.Lifecycle.Pause(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Lifecycle.Resume(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClone_DeepCopiesContext(t *testing.T) {
	e, st := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)

	src := &store.WorkflowExecution{
		WorkflowID:       w.ID,
		ExecutionMode:    store.ModeParallel,
		ExecutionContext: types.Map{"nested": map[string]any{"depth": float64(1)}},
		Priority:         7,
		MaxRetries:       2,
	}
	require.NoError(t, st.CreateExecution(context.Background(), src))

	clone, err := e.Lifecycle.Clone(context.Background(), src.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, clone.ID)
	assert.Equal(t, store.StatusPending, clone.Status)
	assert.Equal(t, store.ModeParallel, clone.ExecutionMode)
	assert.Equal(t, 7, clone.Priority)
	assert.Equal(t, 2, clone.MaxRetries)
	assert.Equal(t, src.ExecutionContext, clone.ExecutionContext)

	// Mutating the clone's context must not reach the source.
	clone.ExecutionContext["nested"].(map[string]any)["depth"] = float64(99)
	reloaded, err := st.GetExecution(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), reloaded.ExecutionContext["nested"].(map[string]any)["depth"])
}

func TestClone_RetargetsWorkflow(t *testing.T) {
	e, st := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	w, _ := seedWorkflow(t, st, "wf", []string{"A"}, nil)
	other, _ := seedWorkflow(t, st, "wf-other", []string{"A"}, nil)

	src := &store.WorkflowExecution{WorkflowID: w.ID}
	require.NoError(t, st.CreateExecution(context.Background(), src))

	clone, err := e.Lifecycle.Clone(context.Background(), src.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, clone.WorkflowID)

	_, err = e.Lifecycle.Clone(context.Background(), src.ID, "missing")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestRollback_FailedExecutionOnly(t *testing.T) {
	e, st := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	w, ids := seedWorkflow(t, st, "wf", []string{"A", "B"}, nil)
	ctx := context.Background()

	exec := &store.WorkflowExecution{WorkflowID: w.ID}
	require.NoError(t, st.CreateExecution(ctx, exec))

	rows, err := st.CreateAgentExecutions(ctx, []store.AgentExecution{
		{ExecutionID: exec.ID, AgentID: ids["A"], Status: store.StatusCompleted},
		{ExecutionID: exec.ID, AgentID: ids["B"], Status: store.StatusPending},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = st.UpdateAgentExecution(ctx, rows[1].ID, map[string]any{
		"status":     store.StatusRunning,
		"started_at": &now,
	})
	require.NoError(t, err)

	// Not failed yet: rollback is inapplicable.
	ok, err := e.Lifecycle.Rollback(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.UpdateExecution(ctx, exec.ID, map[string]any{"status": store.StatusFailed})
	require.NoError(t, err)

	ok, err = e.Lifecycle.Rollback(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
	assert.Contains(t, final.Logs, "rolled back")

	after, err := st.ListAgentExecutions(ctx, exec.ID)
	require.NoError(t, err)
	for _, r := range after {
		switch r.AgentID {
		case ids["A"]:
			assert.Equal(t, store.StatusCompleted, r.Status, "settled steps stay settled")
		case ids["B"]:
			assert.Equal(t, store.StatusCancelled, r.Status, "running steps are reverted")
			require.NotNil(t, r.CompletedAt)
		}
	}
}

func TestRollback_UnknownExecution(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedRuntime{}, fastEngineConfig())
	_, err := e.Lifecycle.Rollback(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}
