package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/checkpoint"
	"github.com/correlator-io/elspeth/internal/elspetherr"
	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/landscape"
)

func simpleGraph(t *testing.T) *graph.Graph {
	t.Helper()

	g, err := graph.FromPluginInstances(graph.BuildConfig{
		Source:      graph.SourceSpec{ID: "source", PluginName: "csv"},
		Sinks:       []graph.SinkSpec{{ID: "sink", PluginName: "jsonl"}},
		DefaultSink: "sink",
	})
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	return g
}

func TestResume_SucceedsWhenConfigAndTopologyMatch(t *testing.T) {
	ctx := context.Background()
	conn, rec, runID := newTestConnection(ctx, t)

	g := simpleGraph(t)
	topoHash, err := g.TopologyHash()
	require.NoError(t, err)
	require.NoError(t, rec.SetTopologyHash(ctx, runID, topoHash))

	run, err := rec.GetRun(ctx, runID)
	require.NoError(t, err)

	mgr, err := checkpoint.NewManager(conn, checkpoint.TriggerPerRow, 0, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Record(ctx, checkpoint.Cursor{RunID: runID, TokenID: "tok-1", SequenceNumber: 1}))

	plan, err := checkpoint.Resume(ctx, rec, mgr, runID, run.ConfigHash, g)
	require.NoError(t, err)
	require.NotNil(t, plan.Cursor)
	assert.Equal(t, "tok-1", plan.Cursor.TokenID)
}

func TestResume_FailsOnConfigHashMismatch(t *testing.T) {
	ctx := context.Background()
	conn, rec, runID := newTestConnection(ctx, t)

	g := simpleGraph(t)
	topoHash, err := g.TopologyHash()
	require.NoError(t, err)
	require.NoError(t, rec.SetTopologyHash(ctx, runID, topoHash))

	mgr, err := checkpoint.NewManager(conn, checkpoint.TriggerPerRow, 0, nil)
	require.NoError(t, err)

	_, err = checkpoint.Resume(ctx, rec, mgr, runID, "a-different-config-hash", g)
	require.Error(t, err)

	var typed *elspetherr.Typed
	require.True(t, elspetherr.As(err, &typed))
	assert.Equal(t, elspetherr.KindCheckpointMismatch, typed.Kind)
	assert.Equal(t, "config_hash_mismatch", typed.Code)
}

func TestResume_FailsOnTopologyMismatch(t *testing.T) {
	ctx := context.Background()
	conn, rec, runID := newTestConnection(ctx, t)

	require.NoError(t, rec.SetTopologyHash(ctx, runID, "stale-hash"))

	run, err := rec.GetRun(ctx, runID)
	require.NoError(t, err)

	mgr, err := checkpoint.NewManager(conn, checkpoint.TriggerPerRow, 0, nil)
	require.NoError(t, err)

	_, err = checkpoint.Resume(ctx, rec, mgr, runID, run.ConfigHash, simpleGraph(t))
	require.Error(t, err)

	var typed *elspetherr.Typed
	require.True(t, elspetherr.As(err, &typed))
	assert.Equal(t, "topology_hash_mismatch", typed.Code)
}

func TestResume_ReenqueuesRowsWithoutTerminalOutcome(t *testing.T) {
	ctx := context.Background()
	conn, rec, runID := newTestConnection(ctx, t)

	g := simpleGraph(t)
	topoHash, err := g.TopologyHash()
	require.NoError(t, err)
	require.NoError(t, rec.SetTopologyHash(ctx, runID, topoHash))

	src, err := rec.RegisterNode(ctx, landscape.Node{RunID: runID, NodeType: landscape.NodeTypeSource, PluginName: "csv", PluginVersion: "1", Determinism: landscape.DeterminismDeterministic})
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, runID, src.NodeID, 0, map[string]canonical.Value{"id": int64(1)})
	require.NoError(t, err)

	tok, err := rec.CreateToken(ctx, runID, row.RowID, 0)
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, tok.TokenID, landscape.OutcomeBuffered, nil)
	require.NoError(t, err)

	run, err := rec.GetRun(ctx, runID)
	require.NoError(t, err)

	mgr, err := checkpoint.NewManager(conn, checkpoint.TriggerPerRow, 0, nil)
	require.NoError(t, err)

	plan, err := checkpoint.Resume(ctx, rec, mgr, runID, run.ConfigHash, g)
	require.NoError(t, err)
	assert.Contains(t, plan.ReenqueueIDs, row.RowID)
}

func TestResume_DoesNotReenqueueCompletedRows(t *testing.T) {
	ctx := context.Background()
	conn, rec, runID := newTestConnection(ctx, t)

	g := simpleGraph(t)
	topoHash, err := g.TopologyHash()
	require.NoError(t, err)
	require.NoError(t, rec.SetTopologyHash(ctx, runID, topoHash))

	src, err := rec.RegisterNode(ctx, landscape.Node{RunID: runID, NodeType: landscape.NodeTypeSource, PluginName: "csv", PluginVersion: "1", Determinism: landscape.DeterminismDeterministic})
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, runID, src.NodeID, 0, map[string]canonical.Value{"id": int64(1)})
	require.NoError(t, err)

	tok, err := rec.CreateToken(ctx, runID, row.RowID, 0)
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, tok.TokenID, landscape.OutcomeCompleted, nil)
	require.NoError(t, err)

	run, err := rec.GetRun(ctx, runID)
	require.NoError(t, err)

	mgr, err := checkpoint.NewManager(conn, checkpoint.TriggerPerRow, 0, nil)
	require.NoError(t, err)

	plan, err := checkpoint.Resume(ctx, rec, mgr, runID, run.ConfigHash, g)
	require.NoError(t, err)
	assert.NotContains(t, plan.ReenqueueIDs, row.RowID)
}
