package engine

import (
	"fmt"
	"strings"

	"github.com/BaSui01/flowengine/types"
)

// GuardOperator compares an execution-context value against a guard
// operand.
type GuardOperator string

const (
	// OpEquals matches when the context value equals the operand.
	OpEquals GuardOperator = "equals"
	// OpNotEquals matches when the context value differs from the operand.
	OpNotEquals GuardOperator = "not_equals"
	// OpGreaterThan compares numerically.
	OpGreaterThan GuardOperator = "greater_than"
	// OpLessThan compares numerically.
	OpLessThan GuardOperator = "less_than"
	// OpContains matches substrings and list membership.
	OpContains GuardOperator = "contains"
	// OpExists matches when the key is present at all.
	OpExists GuardOperator = "exists"
)

// Guard is one predicate over the execution context. In conditional
// mode a dependent whose guard evaluates false is skipped and treated
// as completed for downstream in-degree accounting.
type Guard struct {
	// Key names the execution-context entry the guard inspects.
	Key string `json:"key"`
	// Operator selects the comparison applied to the entry.
	Operator GuardOperator `json:"operator"`
	// Value is the operand; OpExists ignores it.
	Value any `json:"value,omitempty"`
}

// ParseGuard reads a guard definition from an agent's properties under
// the "guard" key. Returns nil when the agent carries no guard.
//
// Shape: {"guard": {"key": ..., "operator": ..., "value": ...}}
func ParseGuard(properties types.Map) (*Guard, error) {
	raw, ok := properties["guard"]
	if !ok {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, types.NewError(types.ErrValidation, "guard must be an object")
	}

	g := &Guard{}
	if k, ok := m["key"].(string); ok {
		g.Key = k
	}
	if op, ok := m["operator"].(string); ok {
		g.Operator = GuardOperator(op)
	}
	g.Value = m["value"]

	if g.Key == "" {
		return nil, types.NewError(types.ErrValidation, "guard key is required")
	}
	switch g.Operator {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpExists:
	default:
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("unknown guard operator %q", g.Operator))
	}
	return g, nil
}

// Evaluate applies the guard against the execution context.
func (g *Guard) Evaluate(execCtx types.Map) bool {
	switch g.Operator {
	case OpExists:
		return execCtx.Has(g.Key)

	case OpEquals:
		return guardEqual(execCtx[g.Key], g.Value)

	case OpNotEquals:
		return !guardEqual(execCtx[g.Key], g.Value)

	case OpGreaterThan:
		actual, ok1 := execCtx.GetFloat(g.Key)
		expected, ok2 := toFloat(g.Value)
		return ok1 && ok2 && actual > expected

	case OpLessThan:
		actual, ok1 := execCtx.GetFloat(g.Key)
		expected, ok2 := toFloat(g.Value)
		return ok1 && ok2 && actual < expected

	case OpContains:
		needle := fmt.Sprintf("%v", g.Value)
		if s, ok := execCtx.GetString(g.Key); ok {
			return strings.Contains(s, needle)
		}
		return execCtx.Contains(g.Key, needle)
	}
	return false
}

// guardEqual compares loosely: numbers compare as float64 so that a
// JSON-decoded 3 equals an int 3.
func guardEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// LoopTermination reads the loop-mode termination guard from the
// execution context under "loop_until". The plan repeats until the
// guard holds. "max_iterations" caps the repeats (default 100).
func LoopTermination(execCtx types.Map) (*Guard, int) {
	maxIter := 100
	if n, ok := execCtx.GetFloat("max_iterations"); ok && n > 0 {
		maxIter = int(n)
	}

	raw, ok := execCtx["loop_until"]
	if !ok {
		return nil, maxIter
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, maxIter
	}
	g := &Guard{}
	if k, ok := m["key"].(string); ok {
		g.Key = k
	}
	if op, ok := m["operator"].(string); ok {
		g.Operator = GuardOperator(op)
	}
	g.Value = m["value"]
	if g.Key == "" || g.Operator == "" {
		return nil, maxIter
	}
	return g, maxIter
}
