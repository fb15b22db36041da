package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/types"
)

func TestValidate_AcceptsDAG(t *testing.T) {
	agents := []string{"A", "B", "C"}
	edges := []Edge{{AgentID: "B", DependsOnID: "A"}, {AgentID: "C", DependsOnID: "B"}}
	assert.NoError(t, Validate(agents, edges))
}

func TestValidate_RejectsCycle(t *testing.T) {
	agents := []string{"A", "B", "C"}
	edges := []Edge{
		{AgentID: "B", DependsOnID: "A"},
		{AgentID: "C", DependsOnID: "B"},
		{AgentID: "A", DependsOnID: "C"},
	}
	err := Validate(agents, edges)
	require.Error(t, err)
	assert.Equal(t, types.ErrDependencyCycle, types.GetErrorCode(err))
}

func TestValidate_RejectsSelfLoop(t *testing.T) {
	err := Validate([]string{"A"}, []Edge{{AgentID: "A", DependsOnID: "A"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrDependencyCycle, types.GetErrorCode(err))
}

func TestValidate_RejectsUnknownAgent(t *testing.T) {
	err := Validate([]string{"A"}, []Edge{{AgentID: "A", DependsOnID: "ghost"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownAgentRef, types.GetErrorCode(err))
}

func TestTopoSort_LinearChain(t *testing.T) {
	agents := []string{"C", "A", "B"}
	edges := []Edge{{AgentID: "B", DependsOnID: "A"}, {AgentID: "C", DependsOnID: "B"}}

	order, err := TopoSort(agents, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestTopoSort_DeterministicTieBreak(t *testing.T) {
	// No edges: order follows the stable input order.
	agents := []string{"z", "m", "a"}
	order, err := TopoSort(agents, nil)
	require.NoError(t, err)
	assert.Equal(t, agents, order)

	// Same input, same output, every time.
	for i := 0; i < 10; i++ {
		again, err := TopoSort(agents, nil)
		require.NoError(t, err)
		assert.Equal(t, order, again)
	}
}

func TestTopoSort_Cycle(t *testing.T) {
	_, err := TopoSort([]string{"A", "B"}, []Edge{
		{AgentID: "A", DependsOnID: "B"},
		{AgentID: "B", DependsOnID: "A"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrDependencyCycle, types.GetErrorCode(err))
}

func TestBatches_Diamond(t *testing.T) {
	agents := []string{"A", "B", "C", "D"}
	edges := []Edge{
		{AgentID: "B", DependsOnID: "A"},
		{AgentID: "C", DependsOnID: "A"},
		{AgentID: "D", DependsOnID: "B"},
		{AgentID: "D", DependsOnID: "C"},
	}

	batches, err := Batches(agents, edges)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, batches)
}

func TestBatches_Independent(t *testing.T) {
	batches, err := Batches([]string{"A", "B", "C"}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, batches)
}

func TestBatches_Cycle(t *testing.T) {
	_, err := Batches([]string{"A", "B"}, []Edge{
		{AgentID: "A", DependsOnID: "B"},
		{AgentID: "B", DependsOnID: "A"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrDependencyCycle, types.GetErrorCode(err))
}

func TestBatches_UnknownAgent(t *testing.T) {
	_, err := Batches([]string{"A"}, []Edge{{AgentID: "ghost", DependsOnID: "A"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownAgentRef, types.GetErrorCode(err))
}
