package orchestrator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/config"
	"github.com/correlator-io/elspeth/internal/gate"
	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/orchestrator"
	"github.com/correlator-io/elspeth/internal/payloadstore"
	"github.com/correlator-io/elspeth/internal/plugin"
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

// fakeSource yields a fixed slice of rows, one per Next call.
type fakeSource struct {
	rows   []canonical.Value
	closed bool
}

func (s *fakeSource) Next(_ context.Context) (canonical.Value, bool, error) {
	if len(s.rows) == 0 {
		return nil, false, nil
	}

	row := s.rows[0]
	s.rows = s.rows[1:]

	return row, true, nil
}

func (s *fakeSource) Close() error {
	s.closed = true

	return nil
}

// upperTransform uppercases the "name" field of an object row.
type upperTransform struct{}

func (upperTransform) Apply(_ context.Context, row canonical.Value) (canonical.Value, error) {
	obj := row.(map[string]canonical.Value)
	out := make(map[string]canonical.Value, len(obj))

	for k, v := range obj {
		out[k] = v
	}

	if name, ok := out["name"].(string); ok {
		out["name"] = name + "!"
	}

	return out, nil
}

// collectingSink records every row it is asked to write.
type collectingSink struct {
	mu   sync.Mutex
	rows []canonical.Value
}

func (s *collectingSink) Write(_ context.Context, row canonical.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows = append(s.rows, row)

	return nil
}

func (s *collectingSink) Close() error { return nil }

func (s *collectingSink) SupportsResume() bool { return false }

func (s *collectingSink) ConfigureForResume(_ context.Context, _ []string) error { return nil }

func (s *collectingSink) snapshot() []canonical.Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]canonical.Value, len(s.rows))
	copy(out, s.rows)

	return out
}

func TestRun_WalksEveryRowFromSourceThroughGateToSink(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(ctx, t)

	g, err := graph.FromPluginInstances(graph.BuildConfig{
		Source:     graph.SourceSpec{ID: "src"},
		Transforms: []graph.TransformSpec{{ID: "upper"}},
		Gates: []graph.GateSpec{{
			ID:          "route",
			AttachAfter: "upper",
			Routes: []graph.GateRoute{
				{Label: "continue", Target: "accepted"},
				{Label: "rejected", Target: "quarantine"},
			},
		}},
		Sinks: []graph.SinkSpec{
			{ID: "accepted"},
			{ID: "quarantine"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	acceptedSink := &collectingSink{}
	quarantineSink := &collectingSink{}

	routeGate := gate.NewGate("route", gate.Rule{
		When: func(row canonical.Value) (bool, error) {
			obj := row.(map[string]canonical.Value)
			flagged, _ := obj["flag"].(bool)

			return flagged, nil
		},
		Then: gate.RouteTo("rejected"),
	})

	src := &fakeSource{rows: []canonical.Value{
		map[string]canonical.Value{"name": "a", "flag": false},
		map[string]canonical.Value{"name": "b", "flag": true},
		map[string]canonical.Value{"name": "c", "flag": false},
	}}

	plugins := orchestrator.Plugins{
		Source:     src,
		Transforms: map[string]plugin.Transform{"upper": upperTransform{}},
		Gates:      map[string]*gate.Gate{"route": routeGate},
		Sinks: map[string]plugin.Sink{
			"accepted":   acceptedSink,
			"quarantine": quarantineSink,
		},
	}

	result, err := orchestrator.Run(ctx, orchestrator.Config{
		Settings:         map[string]canonical.Value{},
		CanonicalVersion: "v1",
	}, g, rec, payloadstore.NewMemoryStore(), orchestrator.Settings{}, nil, plugins, nil)

	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.EqualValues(t, 3, result.RowsProcessed)

	assert.Len(t, acceptedSink.snapshot(), 2)
	assert.Len(t, quarantineSink.snapshot(), 1)

	run, err := rec.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, landscape.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.TopologyHash)
}

func TestRun_FailsClosedOnUnregisteredTransform(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(ctx, t)

	g, err := graph.FromPluginInstances(graph.BuildConfig{
		Source:     graph.SourceSpec{ID: "src"},
		Transforms: []graph.TransformSpec{{ID: "missing"}},
		Sinks:      []graph.SinkSpec{{ID: "sink"}},
	})
	require.NoError(t, err)

	src := &fakeSource{rows: []canonical.Value{map[string]canonical.Value{"name": "a"}}}

	plugins := orchestrator.Plugins{
		Source: src,
		Sinks:  map[string]plugin.Sink{"sink": &collectingSink{}},
	}

	result, err := orchestrator.Run(ctx, orchestrator.Config{
		Settings:         map[string]canonical.Value{},
		CanonicalVersion: "v1",
	}, g, rec, payloadstore.NewMemoryStore(), orchestrator.Settings{}, nil, plugins, nil)

	require.NoError(t, err) // per-row errors don't abort the run unless typed fatal
	assert.Equal(t, "completed", result.Status)
	assert.EqualValues(t, 0, result.RowsProcessed)
}
