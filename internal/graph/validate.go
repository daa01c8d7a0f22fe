package graph

import (
	"fmt"
	"sort"

	"github.com/correlator-io/elspeth/internal/elspetherr"
)

func invalid(format string, args ...any) error {
	return elspetherr.NewTyped(elspetherr.KindGraphValidation, "graph_invalid", fmt.Sprintf(format, args...), nil)
}

// Validate checks every structural invariant the execution graph must hold
// before a run is allowed to start: acyclic, fully reachable from the
// source, every terminal node a sink, every edge target registered, no
// orphan transforms, every coalesce node fed by at least one incoming edge,
// and fixed-schema field coverage across each edge. Incoming edge labels
// are not compared with a coalesce node's declared branch names.
func (g *Graph) Validate() error {
	if err := g.checkEdgeTargetsExist(); err != nil {
		return err
	}

	if cycle := g.detectCycle(); cycle != nil {
		return invalid("cycle detected: %v", cycle)
	}

	if err := g.checkReachability(); err != nil {
		return err
	}

	if err := g.checkTerminalNodesAreSinks(); err != nil {
		return err
	}

	if err := g.checkNoOrphanTransforms(); err != nil {
		return err
	}

	if err := g.checkCoalesceBranches(); err != nil {
		return err
	}

	return g.checkSchemaCoverage()
}

func (g *Graph) checkEdgeTargetsExist() error {
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return invalid("edge references unknown source node %q", e.From)
		}

		if _, ok := g.Nodes[e.To]; !ok {
			return invalid("edge %s->%s (%s) references unknown target node", e.From, e.To, e.Label)
		}
	}

	return nil
}

func (g *Graph) detectCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	path := make([]string, 0, len(g.nodeIDs))

	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, e := range g.EdgesFrom(id) {
			if !visited[e.To] {
				if dfs(e.To) {
					return true
				}
			} else if onStack[e.To] {
				idx := len(path) - 1
				for idx >= 0 && path[idx] != e.To {
					idx--
				}

				if idx >= 0 {
					cycle = append([]string{}, path[idx:]...)
				}

				return true
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]

		return false
	}

	for _, id := range g.nodeIDs {
		if !visited[id] {
			if dfs(id) {
				return cycle
			}
		}
	}

	return nil
}

func (g *Graph) checkReachability() error {
	reached := map[string]bool{g.SourceID: true}
	queue := []string{g.SourceID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, e := range g.EdgesFrom(id) {
			if !reached[e.To] {
				reached[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	for _, id := range g.nodeIDs {
		if !reached[id] {
			return invalid("node %q is unreachable from the source", id)
		}
	}

	return nil
}

func (g *Graph) checkTerminalNodesAreSinks() error {
	for _, id := range g.nodeIDs {
		if len(g.EdgesFrom(id)) > 0 {
			continue
		}

		if g.Nodes[id].Kind != KindSink {
			return invalid("terminal node %q is not a sink", id)
		}
	}

	return nil
}

func (g *Graph) checkNoOrphanTransforms() error {
	hasIncoming := make(map[string]bool)
	for _, e := range g.Edges {
		hasIncoming[e.To] = true
	}

	for _, id := range g.nodeIDs {
		n := g.Nodes[id]
		if n.Kind == KindTransform && id != g.SourceID && !hasIncoming[id] {
			return invalid("transform %q has no incoming edge", id)
		}
	}

	return nil
}

func (g *Graph) checkCoalesceBranches() error {
	for _, id := range g.nodeIDs {
		n := g.Nodes[id]
		if n.Kind != KindCoalesce {
			continue
		}

		var incoming []string
		for _, e := range g.Edges {
			if e.To == id {
				incoming = append(incoming, e.Label)
			}
		}

		if len(incoming) == 0 {
			return invalid("coalesce %q has no incoming branches", id)
		}
	}

	return nil
}

// checkSchemaCoverage verifies that for every edge feeding a fixed-schema
// node, the upstream node's output schema covers every required field.
// Flexible, observed, and dynamic schemas are open and contribute nothing
// to the check.
func (g *Graph) checkSchemaCoverage() error {
	for _, e := range g.Edges {
		downstream := g.Nodes[e.To]
		if downstream.InputSchema.Mode != SchemaFixed {
			continue
		}

		upstream := g.Nodes[e.From]

		available := make(map[string]bool, len(upstream.OutputSchema.Fields))
		for _, f := range upstream.OutputSchema.Fields {
			available[f] = true
		}

		for _, required := range downstream.InputSchema.Fields {
			if !available[required] {
				return invalid("node %q requires field %q not produced by upstream node %q", e.To, required, e.From)
			}
		}
	}

	return nil
}

func sortedKeys(m map[string]Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
