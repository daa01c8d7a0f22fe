package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/elspeth/internal/graph"
)

func linearConfig() graph.BuildConfig {
	return graph.BuildConfig{
		Source: graph.SourceSpec{ID: "source", PluginName: "csv", OutputSchema: graph.Schema{Mode: graph.SchemaFixed, Fields: []string{"id"}}},
		Transforms: []graph.TransformSpec{
			{ID: "upper", PluginName: "uppercase", InputSchema: graph.Schema{Mode: graph.SchemaFixed, Fields: []string{"id"}}, OutputSchema: graph.Schema{Mode: graph.SchemaFixed, Fields: []string{"id"}}},
		},
		Sinks:       []graph.SinkSpec{{ID: "sink", PluginName: "jsonl", InputSchema: graph.Schema{Mode: graph.SchemaFixed, Fields: []string{"id"}}}},
		DefaultSink: "sink",
	}
}

func TestFromPluginInstances_LinearChainValidates(t *testing.T) {
	g, err := graph.FromPluginInstances(linearConfig())
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	assert.Equal(t, "source", g.SourceID)
	assert.Len(t, g.Edges, 2)
}

func TestFromPluginInstances_GateFanOutValidates(t *testing.T) {
	cfg := linearConfig()
	cfg.DefaultSink = ""
	cfg.Sinks = append(cfg.Sinks, graph.SinkSpec{ID: "quarantine", PluginName: "jsonl"})
	cfg.Gates = []graph.GateSpec{
		{
			ID:          "gate",
			PluginName:  "threshold",
			AttachAfter: "upper",
			Routes: []graph.GateRoute{
				{Label: "continue", Target: "sink"},
				{Label: "reject", Target: "quarantine"},
			},
		},
	}

	g, err := graph.FromPluginInstances(cfg)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
}

func TestValidate_RejectsCycle(t *testing.T) {
	g, err := graph.FromPluginInstances(linearConfig())
	require.NoError(t, err)

	g.Edges = append(g.Edges, graph.Edge{From: "sink", To: "source", Label: "continue"})

	assert.Error(t, g.Validate())
}

func TestValidate_RejectsUnreachableNode(t *testing.T) {
	cfg := linearConfig()
	cfg.Sinks = append(cfg.Sinks, graph.SinkSpec{ID: "orphan_sink", PluginName: "jsonl"})

	g, err := graph.FromPluginInstances(cfg)
	require.NoError(t, err)

	assert.Error(t, g.Validate())
}

func TestValidate_RejectsNonSinkTerminal(t *testing.T) {
	cfg := linearConfig()
	cfg.DefaultSink = ""

	g, err := graph.FromPluginInstances(cfg)
	require.NoError(t, err)

	assert.Error(t, g.Validate())
}

func TestValidate_RejectsMissingRequiredField(t *testing.T) {
	cfg := linearConfig()
	cfg.Sinks[0].InputSchema = graph.Schema{Mode: graph.SchemaFixed, Fields: []string{"id", "missing_field"}}

	g, err := graph.FromPluginInstances(cfg)
	require.NoError(t, err)

	assert.Error(t, g.Validate())
}

func TestValidate_CoalesceRequiresIncomingBranches(t *testing.T) {
	cfg := linearConfig()
	cfg.Coalesce = []graph.CoalesceSpec{{ID: "merge", Branches: []string{"path_a", "path_b"}}}

	g, err := graph.FromPluginInstances(cfg)
	require.NoError(t, err)

	assert.Error(t, g.Validate())
}

func TestTopologyHash_StableAcrossEquivalentBuilds(t *testing.T) {
	first, err := graph.FromPluginInstances(linearConfig())
	require.NoError(t, err)

	second, err := graph.FromPluginInstances(linearConfig())
	require.NoError(t, err)

	h1, err := first.TopologyHash()
	require.NoError(t, err)

	h2, err := second.TopologyHash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestTopologyHash_ChangesWhenSchemaChanges(t *testing.T) {
	first, err := graph.FromPluginInstances(linearConfig())
	require.NoError(t, err)

	h1, err := first.TopologyHash()
	require.NoError(t, err)

	cfg := linearConfig()
	cfg.Transforms[0].OutputSchema.Fields = append(cfg.Transforms[0].OutputSchema.Fields, "extra")

	second, err := graph.FromPluginInstances(cfg)
	require.NoError(t, err)

	h2, err := second.TopologyHash()
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
