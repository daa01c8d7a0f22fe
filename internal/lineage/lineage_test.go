package lineage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/config"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/lineage"
	"github.com/correlator-io/elspeth/internal/payloadstore"
)

func newTestRecorder(ctx context.Context, t *testing.T) *landscape.Recorder {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &landscape.Connection{DB: testDB.Connection}

	return landscape.NewRecorder(conn, payloadstore.NewMemoryStore(), nil, nil)
}

func TestExplainer_ExplainRowReturnsSoleTerminalTokenWithoutASink(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(ctx, t)
	explainer := lineage.NewExplainer(rec)

	run, err := rec.BeginRun(ctx, map[string]canonical.Value{}, "v1")
	require.NoError(t, err)

	source, err := rec.RegisterNode(ctx, landscape.Node{
		RunID: run.RunID, NodeType: landscape.NodeTypeSource, PluginName: "csv",
		PluginVersion: "1", Determinism: landscape.DeterminismDeterministic,
	})
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]canonical.Value{"id": int64(1)})
	require.NoError(t, err)

	tok, err := rec.CreateToken(ctx, run.RunID, row.RowID, 0)
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, tok.TokenID, landscape.OutcomeCompleted, nil)
	require.NoError(t, err)

	result, err := explainer.ExplainRow(ctx, run.RunID, row.RowID, "")
	require.NoError(t, err)
	assert.Equal(t, row.SourceDataHash, result.SourceRow.SourceDataHash)
	require.NotNil(t, result.TerminalOutcome)
	assert.Equal(t, landscape.OutcomeCompleted, result.TerminalOutcome.Status)
}

func TestExplainer_ExplainRowWithoutASinkIsAmbiguousAfterAFork(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(ctx, t)
	explainer := lineage.NewExplainer(rec)

	run, err := rec.BeginRun(ctx, map[string]canonical.Value{}, "v1")
	require.NoError(t, err)

	source, err := rec.RegisterNode(ctx, landscape.Node{
		RunID: run.RunID, NodeType: landscape.NodeTypeSource, PluginName: "csv",
		PluginVersion: "1", Determinism: landscape.DeterminismDeterministic,
	})
	require.NoError(t, err)

	sinkA, err := rec.RegisterNode(ctx, landscape.Node{
		RunID: run.RunID, NodeType: landscape.NodeTypeSink, PluginName: "audit",
		PluginVersion: "1", Determinism: landscape.DeterminismIOWrite,
	})
	require.NoError(t, err)

	sinkB, err := rec.RegisterNode(ctx, landscape.Node{
		RunID: run.RunID, NodeType: landscape.NodeTypeSink, PluginName: "notify",
		PluginVersion: "1", Determinism: landscape.DeterminismIOWrite,
	})
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]canonical.Value{"id": int64(1)})
	require.NoError(t, err)

	parent, err := rec.CreateToken(ctx, run.RunID, row.RowID, 0)
	require.NoError(t, err)

	children, err := rec.ForkToken(ctx, parent, []string{"audit", "notify"}, 1)
	require.NoError(t, err)
	require.Len(t, children, 2)

	for i, sink := range []landscape.Node{sinkA, sinkB} {
		inputHash, err := canonical.StableHash(map[string]canonical.Value{"id": int64(1)})
		require.NoError(t, err)

		state, err := rec.BeginNodeState(ctx, children[i].TokenID, sink.NodeID, 1, 0, inputHash, nil)
		require.NoError(t, err)

		_, err = rec.CompleteNodeState(ctx, state.StateID, state.StartedAt, inputHash, nil)
		require.NoError(t, err)

		_, err = rec.RecordTokenOutcome(ctx, children[i].TokenID, landscape.OutcomeCompleted, nil)
		require.NoError(t, err)
	}

	_, err = explainer.ExplainRow(ctx, run.RunID, row.RowID, "")
	require.ErrorIs(t, err, lineage.ErrAmbiguousRow)

	result, err := explainer.ExplainRow(ctx, run.RunID, row.RowID, sinkA.NodeID)
	require.NoError(t, err)
	require.Len(t, result.NodeStates, 1)
	assert.Equal(t, sinkA.NodeID, result.NodeStates[0].NodeID)
}
