// Package graph analyzes agent dependency graphs: cycle detection,
// topological ordering for sequential plans, and layered batching for
// parallel plans. Inputs are agent IDs plus directed edges where an
// edge (agent, dependsOn) means agent runs only after dependsOn.
package graph

import (
	"fmt"

	"github.com/BaSui01/flowengine/types"
)

// Edge is one dependency: AgentID runs after DependsOnID completes.
type Edge struct {
	AgentID     string
	DependsOnID string
}

// color values for DFS cycle detection.
type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully explored
)

// Validate checks that every edge endpoint names a known agent and that
// the edge set forms a DAG. agentIDs must be the full agent set of one
// workflow.
func Validate(agentIDs []string, edges []Edge) error {
	known := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		known[id] = true
	}

	// adjacency: agent -> prerequisites
	adj := make(map[string][]string, len(agentIDs))
	for _, e := range edges {
		if !known[e.AgentID] {
			return types.NewError(types.ErrUnknownAgentRef,
				fmt.Sprintf("dependency references unknown agent %s", e.AgentID))
		}
		if !known[e.DependsOnID] {
			return types.NewError(types.ErrUnknownAgentRef,
				fmt.Sprintf("dependency references unknown agent %s", e.DependsOnID))
		}
		adj[e.AgentID] = append(adj[e.AgentID], e.DependsOnID)
	}

	colors := make(map[string]color, len(agentIDs))
	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		for _, next := range adj[id] {
			switch colors[next] {
			case gray:
				return types.NewError(types.ErrDependencyCycle,
					fmt.Sprintf("dependency cycle detected involving agent %s", next))
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		return nil
	}

	for _, id := range agentIDs {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopoSort returns a sequential execution order via Kahn's algorithm.
// In-degree counts prerequisites, so zero-in-degree agents have nothing
// to wait for. Ties among ready agents break on the stable input order
// of agentIDs, which keeps plans deterministic.
func TopoSort(agentIDs []string, edges []Edge) ([]string, error) {
	inDegree, dependents, err := prepare(agentIDs, edges)
	if err != nil {
		return nil, err
	}

	queue := make([]string, 0, len(agentIDs))
	for _, id := range agentIDs {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(agentIDs))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(agentIDs) {
		return nil, types.NewError(types.ErrDependencyCycle,
			fmt.Sprintf("dependency cycle detected: ordered %d of %d agents", len(order), len(agentIDs)))
	}
	return order, nil
}

// Batches returns the layered (wavefront) plan: each batch holds every
// agent whose prerequisites are all in earlier batches. Members of one
// batch may run concurrently; batch k+1 starts only after batch k is
// fully terminal.
func Batches(agentIDs []string, edges []Edge) ([][]string, error) {
	inDegree, dependents, err := prepare(agentIDs, edges)
	if err != nil {
		return nil, err
	}

	ready := make([]string, 0, len(agentIDs))
	for _, id := range agentIDs {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var batches [][]string
	emitted := 0
	for len(ready) > 0 {
		batch := ready
		batches = append(batches, batch)
		emitted += len(batch)

		var next []string
		for _, id := range batch {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if emitted != len(agentIDs) {
		return nil, types.NewError(types.ErrDependencyCycle,
			fmt.Sprintf("dependency cycle detected: batched %d of %d agents", emitted, len(agentIDs)))
	}
	return batches, nil
}

// prepare computes in-degrees and the dependent adjacency while
// verifying edge endpoints. Dependent lists preserve edge input order.
func prepare(agentIDs []string, edges []Edge) (map[string]int, map[string][]string, error) {
	known := make(map[string]bool, len(agentIDs))
	inDegree := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		known[id] = true
		inDegree[id] = 0
	}

	dependents := make(map[string][]string, len(agentIDs))
	for _, e := range edges {
		if !known[e.AgentID] || !known[e.DependsOnID] {
			bad := e.AgentID
			if known[e.AgentID] {
				bad = e.DependsOnID
			}
			return nil, nil, types.NewError(types.ErrUnknownAgentRef,
				fmt.Sprintf("dependency references unknown agent %s", bad))
		}
		inDegree[e.AgentID]++
		dependents[e.DependsOnID] = append(dependents[e.DependsOnID], e.AgentID)
	}
	return inDegree, dependents, nil
}
