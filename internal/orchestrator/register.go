package orchestrator

import (
	"context"
	"fmt"

	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/landscape"
)

var nodeKindToType = map[graph.NodeKind]landscape.NodeType{
	graph.KindSource:      landscape.NodeTypeSource,
	graph.KindTransform:   landscape.NodeTypeTransform,
	graph.KindGate:        landscape.NodeTypeGate,
	graph.KindAggregation: landscape.NodeTypeAggregation,
	graph.KindCoalesce:    landscape.NodeTypeCoalesce,
	graph.KindSink:        landscape.NodeTypeSink,
}

var schemaModeToLandscape = map[graph.SchemaMode]landscape.SchemaMode{
	graph.SchemaFixed:    landscape.SchemaModeFixed,
	graph.SchemaFlexible: landscape.SchemaModeFlexible,
	graph.SchemaObserved: landscape.SchemaModeObserved,
	graph.SchemaDynamic:  landscape.SchemaModeDynamic,
}

func toSchemaContract(s graph.Schema) landscape.SchemaContract {
	return landscape.SchemaContract{Mode: schemaModeToLandscape[s.Mode], Fields: s.Fields}
}

// registerGraph persists every node and edge of g against runID, in the
// graph's own insertion order so node positions reflect declaration order,
// then records the landscape edge_id assigned to each (fromNodeID, label)
// pair for later routing-event lookups.
func registerGraph(ctx context.Context, rec *landscape.Recorder, runID string, g *graph.Graph, meta map[string]NodeMetadata) (map[string]string, error) {
	position := 0

	for _, nodeID := range g.NodeIDs() {
		n := g.Nodes[nodeID]

		nt, ok := nodeKindToType[n.Kind]
		if !ok {
			return nil, fmt.Errorf("orchestrator: unknown node kind %q for node %q", n.Kind, n.ID)
		}

		m := meta[n.ID]
		pos := position
		position++

		_, err := rec.RegisterNode(ctx, landscape.Node{
			NodeID:        n.ID,
			RunID:         runID,
			NodeType:      nt,
			PluginName:    n.PluginName,
			PluginVersion: orDefault(m.PluginVersion, "unversioned"),
			Determinism:   orDefaultDeterminism(m.Determinism),
			ConfigHash:    m.ConfigHash,
			Position:      &pos,
			InputSchema:   toSchemaContract(n.InputSchema),
			OutputSchema:  toSchemaContract(n.OutputSchema),
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: register node %q: %w", n.ID, err)
		}
	}

	edgeIDs := make(map[string]string, len(g.Edges))

	for _, e := range g.Edges {
		registered, err := rec.RegisterEdge(ctx, landscape.Edge{
			RunID:      runID,
			FromNodeID: e.From,
			ToNodeID:   e.To,
			Label:      e.Label,
			// The move/copy decision is per-gate-decision, not structural;
			// edges register as move and the actual RoutingEvent.Mode
			// carries the real value at decision time.
			Mode: landscape.RoutingModeMove,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: register edge %s->%s[%s]: %w", e.From, e.To, e.Label, err)
		}

		edgeIDs[e.From+"|"+e.Label] = registered.EdgeID
	}

	return edgeIDs, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}

	return s
}

func orDefaultDeterminism(d landscape.Determinism) landscape.Determinism {
	if d == "" {
		return landscape.DeterminismDeterministic
	}

	return d
}
