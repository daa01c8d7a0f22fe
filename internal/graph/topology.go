package graph

import (
	"sort"

	"github.com/correlator-io/elspeth/internal/canonical"
)

// TopologyHash computes the deterministic SHA-256 digest over the graph's
// canonical listing: nodes sorted by id, edges sorted by (from, to, label),
// and each node's schema fingerprints. Two graphs with the same topology
// hash are resume-compatible.
func (g *Graph) TopologyHash() (string, error) {
	nodeIDs := sortedKeys(g.Nodes)

	nodes := make([]canonical.Value, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		n := g.Nodes[id]
		nodes = append(nodes, map[string]canonical.Value{
			"id":            n.ID,
			"kind":          string(n.Kind),
			"input_schema":  schemaValue(n.InputSchema),
			"output_schema": schemaValue(n.OutputSchema),
		})
	}

	edges := make([]Edge, len(g.Edges))
	copy(edges, g.Edges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}

		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}

		return edges[i].Label < edges[j].Label
	})

	edgeValues := make([]canonical.Value, 0, len(edges))
	for _, e := range edges {
		edgeValues = append(edgeValues, map[string]canonical.Value{
			"from":  e.From,
			"to":    e.To,
			"label": e.Label,
		})
	}

	listing := map[string]canonical.Value{
		"nodes": nodes,
		"edges": edgeValues,
	}

	return canonical.StableHash(listing)
}

func schemaValue(s Schema) canonical.Value {
	sorted := make([]string, len(s.Fields))
	copy(sorted, s.Fields)
	sort.Strings(sorted)

	fields := make([]canonical.Value, len(sorted))
	for i, f := range sorted {
		fields[i] = f
	}

	return map[string]canonical.Value{
		"mode":   string(s.Mode),
		"fields": fields,
	}
}
