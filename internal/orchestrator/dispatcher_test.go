package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/token"
)

func TestNewDispatcher_RegistersADefaultForEveryNonSourceKind(t *testing.T) {
	d := NewDispatcher()

	for _, kind := range []graph.NodeKind{graph.KindTransform, graph.KindGate, graph.KindAggregation, graph.KindCoalesce, graph.KindSink} {
		_, ok := d.handlers[kind]
		assert.True(t, ok, "expected a default handler for %q", kind)
	}

	_, ok := d.handlers[graph.KindSource]
	assert.False(t, ok, "source nodes are walked out of, never dispatched to")
}

func TestWithHandler_OverridesTheDefault(t *testing.T) {
	var got string

	d := NewDispatcher(WithHandler(graph.KindSink, func(_ context.Context, _ *Runtime, nodeID string, _ token.Info, _ int, _ string) error {
		got = nodeID

		return nil
	}))

	g, err := graph.FromPluginInstances(graph.BuildConfig{
		Source: graph.SourceSpec{ID: "src"},
		Sinks:  []graph.SinkSpec{{ID: "sink"}},
		DefaultSink: "sink",
	})
	require.NoError(t, err)

	rt := &Runtime{graph: g}

	require.NoError(t, d.Dispatch(context.Background(), rt, "sink", token.Info{}, 1, ""))
	assert.Equal(t, "sink", got)
}

func TestDispatch_UnknownNodeErrors(t *testing.T) {
	g, err := graph.FromPluginInstances(graph.BuildConfig{Source: graph.SourceSpec{ID: "src"}})
	require.NoError(t, err)

	rt := &Runtime{graph: g}
	d := NewDispatcher()

	err = d.Dispatch(context.Background(), rt, "missing", token.Info{}, 0, "")
	require.Error(t, err)
}

func TestDispatch_UnhandledKindErrors(t *testing.T) {
	g, err := graph.FromPluginInstances(graph.BuildConfig{Source: graph.SourceSpec{ID: "src"}})
	require.NoError(t, err)

	rt := &Runtime{graph: g}
	d := &Dispatcher{handlers: map[graph.NodeKind]NodeHandler{}}

	err = d.Dispatch(context.Background(), rt, "src", token.Info{}, 0, "")
	require.Error(t, err)
}
