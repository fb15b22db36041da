package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/types"
)

func TestParseGuard(t *testing.T) {
	t.Run("no guard returns nil", func(t *testing.T) {
		g, err := ParseGuard(types.Map{"other": "stuff"})
		require.NoError(t, err)
		assert.Nil(t, g)
	})

	t.Run("valid guard", func(t *testing.T) {
		g, err := ParseGuard(types.Map{
			"guard": map[string]any{"key": "stage", "operator": "equals", "value": "review"},
		})
		require.NoError(t, err)
		require.NotNil(t, g)
		assert.Equal(t, "stage", g.Key)
		assert.Equal(t, OpEquals, g.Operator)
		assert.Equal(t, "review", g.Value)
	})

	t.Run("missing key rejected", func(t *testing.T) {
		_, err := ParseGuard(types.Map{
			"guard": map[string]any{"operator": "equals", "value": 1},
		})
		require.Error(t, err)
		assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	})

	t.Run("unknown operator rejected", func(t *testing.T) {
		_, err := ParseGuard(types.Map{
			"guard": map[string]any{"key": "x", "operator": "matches"},
		})
		require.Error(t, err)
		assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	})

	t.Run("non-object guard rejected", func(t *testing.T) {
		_, err := ParseGuard(types.Map{"guard": "yes"})
		require.Error(t, err)
	})
}

func TestGuard_Evaluate(t *testing.T) {
	execCtx := types.Map{
		"stage":   "review",
		"retries": float64(3), // as it arrives from JSON
		"tags":    []any{"alpha", "beta"},
		"note":    "needs follow-up",
	}

	cases := []struct {
		name  string
		guard Guard
		want  bool
	}{
		{"equals string", Guard{Key: "stage", Operator: OpEquals, Value: "review"}, true},
		{"equals mismatch", Guard{Key: "stage", Operator: OpEquals, Value: "draft"}, false},
		{"equals numeric loose", Guard{Key: "retries", Operator: OpEquals, Value: 3}, true},
		{"not_equals", Guard{Key: "stage", Operator: OpNotEquals, Value: "draft"}, true},
		{"greater_than", Guard{Key: "retries", Operator: OpGreaterThan, Value: 2}, true},
		{"greater_than false", Guard{Key: "retries", Operator: OpGreaterThan, Value: 3}, false},
		{"less_than", Guard{Key: "retries", Operator: OpLessThan, Value: 10}, true},
		{"less_than non-numeric", Guard{Key: "stage", Operator: OpLessThan, Value: 10}, false},
		{"contains substring", Guard{Key: "note", Operator: OpContains, Value: "follow"}, true},
		{"contains list element", Guard{Key: "tags", Operator: OpContains, Value: "beta"}, true},
		{"contains miss", Guard{Key: "tags", Operator: OpContains, Value: "gamma"}, false},
		{"exists", Guard{Key: "stage", Operator: OpExists}, true},
		{"exists miss", Guard{Key: "absent", Operator: OpExists}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.guard.Evaluate(execCtx))
		})
	}
}

func TestLoopTermination(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		g, maxIter := LoopTermination(types.Map{})
		assert.Nil(t, g)
		assert.Equal(t, 100, maxIter)
	})

	t.Run("explicit guard and cap", func(t *testing.T) {
		g, maxIter := LoopTermination(types.Map{
			"loop_until":     map[string]any{"key": "done", "operator": "equals", "value": true},
			"max_iterations": float64(5),
		})
		require.NotNil(t, g)
		assert.Equal(t, "done", g.Key)
		assert.Equal(t, 5, maxIter)
	})

	t.Run("malformed guard ignored", func(t *testing.T) {
		g, maxIter := LoopTermination(types.Map{"loop_until": "when ready"})
		assert.Nil(t, g)
		assert.Equal(t, 100, maxIter)
	})
}
