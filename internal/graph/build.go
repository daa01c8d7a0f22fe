package graph

import "fmt"

// SourceSpec describes the single source node of a run.
type SourceSpec struct {
	ID           string
	PluginName   string
	OutputSchema Schema
}

// TransformSpec describes one transform in the pipeline's ordered chain.
type TransformSpec struct {
	ID           string
	PluginName   string
	InputSchema  Schema
	OutputSchema Schema
}

// GateRoute is one labeled outcome of a gate's condition evaluation.
// Label "continue" is the default path a row takes when no other route
// matches.
type GateRoute struct {
	Label  string
	Target string
}

// GateSpec describes a gate node: where it attaches in the upstream chain
// and the routes it fans out to.
type GateSpec struct {
	ID          string
	PluginName  string
	AttachAfter string
	Routes      []GateRoute
}

// AggregationSpec describes an aggregation node: where it attaches and
// where its emitted result flows next.
type AggregationSpec struct {
	ID           string
	PluginName   string
	AttachAfter  string
	EmitTo       string
	InputSchema  Schema
	OutputSchema Schema
}

// CoalesceSpec describes a named coalesce merge point. Branches lists the
// edge labels expected to arrive at this node. Branches is not carried onto
// the graph Node, and Validate only checks that the node has at least one
// incoming edge; incoming labels are not compared with Branches.
type CoalesceSpec struct {
	ID           string
	Branches     []string
	InputSchema  Schema
	OutputSchema Schema
}

// SinkSpec describes a terminal sink node.
type SinkSpec struct {
	ID          string
	PluginName  string
	InputSchema Schema
}

// BuildConfig is the full set of plugin instances from_plugin_instances
// wires into a graph.
type BuildConfig struct {
	Source       SourceSpec
	Transforms   []TransformSpec
	Gates        []GateSpec
	Aggregations []AggregationSpec
	Coalesce     []CoalesceSpec
	Sinks        []SinkSpec
	DefaultSink  string
}

// FromPluginInstances constructs the execution graph for a run's wired
// plugin instances. The caller must call Validate on the result before
// executing it; FromPluginInstances only performs structural assembly.
func FromPluginInstances(cfg BuildConfig) (*Graph, error) {
	if cfg.Source.ID == "" {
		return nil, fmt.Errorf("graph: source node requires an id")
	}

	g := newGraph()
	g.SourceID = cfg.Source.ID
	g.addNode(Node{ID: cfg.Source.ID, Kind: KindSource, PluginName: cfg.Source.PluginName, OutputSchema: cfg.Source.OutputSchema})

	cursor := cfg.Source.ID
	for _, tr := range cfg.Transforms {
		g.addNode(Node{ID: tr.ID, Kind: KindTransform, PluginName: tr.PluginName, InputSchema: tr.InputSchema, OutputSchema: tr.OutputSchema})
		g.addEdge(cursor, tr.ID, "continue")
		cursor = tr.ID
	}

	for _, gate := range cfg.Gates {
		g.addNode(Node{ID: gate.ID, Kind: KindGate, PluginName: gate.PluginName})

		attach := gate.AttachAfter
		if attach == "" {
			attach = cursor
		}

		g.addEdge(attach, gate.ID, "continue")

		for _, route := range gate.Routes {
			g.addEdge(gate.ID, route.Target, route.Label)
		}
	}

	for _, agg := range cfg.Aggregations {
		g.addNode(Node{ID: agg.ID, Kind: KindAggregation, PluginName: agg.PluginName, InputSchema: agg.InputSchema, OutputSchema: agg.OutputSchema})

		attach := agg.AttachAfter
		if attach == "" {
			attach = cursor
		}

		g.addEdge(attach, agg.ID, "continue")
		g.addEdge(agg.ID, agg.EmitTo, "continue")
	}

	for _, c := range cfg.Coalesce {
		g.addNode(Node{ID: c.ID, Kind: KindCoalesce, InputSchema: c.InputSchema, OutputSchema: c.OutputSchema})
	}

	for _, sink := range cfg.Sinks {
		g.addNode(Node{ID: sink.ID, Kind: KindSink, PluginName: sink.PluginName, InputSchema: sink.InputSchema})
	}

	if cfg.DefaultSink != "" {
		g.addEdge(cursor, cfg.DefaultSink, "continue")
	}

	return g, nil
}
