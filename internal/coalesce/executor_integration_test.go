package coalesce_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/coalesce"
	"github.com/correlator-io/elspeth/internal/config"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/payloadstore"
	"github.com/correlator-io/elspeth/internal/token"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type testHarness struct {
	rec        *landscape.Recorder
	tokens     *token.Manager
	executor   *coalesce.Executor
	runID      string
	sourceNode string
	joinNode   string
}

func newHarness(ctx context.Context, t *testing.T) *testHarness {
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
	rec := landscape.NewRecorder(conn, payloadstore.NewMemoryStore(), nil, nil)
	tokens := token.NewManager(rec)

	run, err := rec.BeginRun(ctx, map[string]canonical.Value{}, "v1")
	require.NoError(t, err)

	src, err := rec.RegisterNode(ctx, landscape.Node{RunID: run.RunID, NodeType: landscape.NodeTypeSource, PluginName: "csv", PluginVersion: "1", Determinism: landscape.DeterminismDeterministic})
	require.NoError(t, err)

	join, err := rec.RegisterNode(ctx, landscape.Node{RunID: run.RunID, NodeType: landscape.NodeTypeCoalesce, PluginName: "merge", PluginVersion: "1", Determinism: landscape.DeterminismDeterministic})
	require.NoError(t, err)

	return &testHarness{
		rec:        rec,
		tokens:     tokens,
		executor:   coalesce.NewExecutor(rec, tokens),
		runID:      run.RunID,
		sourceNode: src.NodeID,
		joinNode:   join.NodeID,
	}
}

func (h *testHarness) forkedBranches(ctx context.Context, t *testing.T, branches []string) []token.Info {
	t.Helper()

	parent, err := h.tokens.CreateInitialToken(ctx, h.runID, h.sourceNode, 0, map[string]canonical.Value{"id": int64(1)})
	require.NoError(t, err)

	children, err := h.tokens.ForkToken(ctx, parent, branches, 1)
	require.NoError(t, err)

	for i := range children {
		children[i].RowData = map[string]canonical.Value{children[i].BranchName: "value"}
	}

	return children
}

func TestExecutor_RequireAllHoldsUntilEveryBranchArrives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)
	h.executor.Register(coalesce.Spec{Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b"}, Policy: coalesce.Policy{Kind: coalesce.PolicyRequireAll}, Merge: coalesce.MergeUnion})

	children := h.forkedBranches(ctx, t, []string{"a", "b"})

	first, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)
	assert.Nil(t, first)

	second, err := h.executor.Accept(ctx, "merge", children[1], "b", 2)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.False(t, second.Failed())
	assert.NotEmpty(t, second.Merged.TokenID)
}

func TestExecutor_RequireAllFailsOnFlushWithMissingBranch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)
	h.executor.Register(coalesce.Spec{Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b"}, Policy: coalesce.Policy{Kind: coalesce.PolicyRequireAll}, Merge: coalesce.MergeUnion})

	children := h.forkedBranches(ctx, t, []string{"a", "b"})

	result, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)
	assert.Nil(t, result)

	results, err := h.executor.FlushPending(ctx, map[string]int{"merge": 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, coalesce.ReasonIncompleteBranches, results[0].FailureReason)
}

func TestExecutor_DuplicateArrivalIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)
	h.executor.Register(coalesce.Spec{Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b"}, Policy: coalesce.Policy{Kind: coalesce.PolicyRequireAll}, Merge: coalesce.MergeUnion})

	children := h.forkedBranches(ctx, t, []string{"a", "b"})

	_, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)

	_, err = h.executor.Accept(ctx, "merge", children[0], "a", 2)
	assert.Error(t, err)
}

func TestExecutor_FirstMergesImmediatelyAndLateArrivalFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)
	h.executor.Register(coalesce.Spec{Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b"}, Policy: coalesce.Policy{Kind: coalesce.PolicyFirst}, Merge: coalesce.MergeUnion})

	children := h.forkedBranches(ctx, t, []string{"a", "b"})

	first, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.False(t, first.Failed())

	late, err := h.executor.Accept(ctx, "merge", children[1], "b", 2)
	require.NoError(t, err)
	require.NotNil(t, late)
	assert.Equal(t, coalesce.ReasonLateArrivalAfterMerge, late.FailureReason)
}

func TestExecutor_SelectBranchNotArrivedFailsOnFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)
	h.executor.Register(coalesce.Spec{Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b"}, Policy: coalesce.Policy{Kind: coalesce.PolicyFirst}, Merge: coalesce.MergeSelect, SelectBranch: "b"})

	children := h.forkedBranches(ctx, t, []string{"a", "b"})

	result, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, coalesce.ReasonSelectBranchNotArrived, result.FailureReason)
}

func TestExecutor_QuorumMergesOnNthArrival(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)
	h.executor.Register(coalesce.Spec{Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b", "c"}, Policy: coalesce.Policy{Kind: coalesce.PolicyQuorum, N: 2}, Merge: coalesce.MergeUnion})

	children := h.forkedBranches(ctx, t, []string{"a", "b", "c"})

	result, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)
	assert.Nil(t, result)

	result, err = h.executor.Accept(ctx, "merge", children[1], "b", 2)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Failed())
}

func TestExecutor_QuorumNotMetAtTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)

	clock := &fixedClock{now: time.Now()}
	h.executor.Register(coalesce.Spec{
		Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b", "c"},
		Policy: coalesce.Policy{Kind: coalesce.PolicyQuorum, N: 2}, Merge: coalesce.MergeUnion,
		Timeout: time.Second, Clock: clock,
	})

	children := h.forkedBranches(ctx, t, []string{"a", "b", "c"})

	_, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Second)

	results, err := h.executor.CheckTimeouts(ctx, "merge", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, coalesce.ReasonQuorumNotMetAtTimeout, results[0].FailureReason)
}

func TestExecutor_BestEffortMergesWhateverArrivedAtTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)

	clock := &fixedClock{now: time.Now()}
	h.executor.Register(coalesce.Spec{
		Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b"},
		Policy: coalesce.Policy{Kind: coalesce.PolicyBestEffort}, Merge: coalesce.MergeNested,
		Timeout: time.Second, Clock: clock,
	})

	children := h.forkedBranches(ctx, t, []string{"a", "b"})

	_, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Second)

	results, err := h.executor.CheckTimeouts(ctx, "merge", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed())
}

func TestExecutor_RequireAllFailsAtTimeoutRatherThanWaitingForFlush(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ctx, t)

	clock := &fixedClock{now: time.Now()}
	h.executor.Register(coalesce.Spec{
		Name: "merge", NodeID: h.joinNode, Branches: []string{"a", "b"},
		Policy: coalesce.Policy{Kind: coalesce.PolicyRequireAll}, Merge: coalesce.MergeUnion,
		Timeout: time.Second, Clock: clock,
	})

	children := h.forkedBranches(ctx, t, []string{"a", "b"})

	_, err := h.executor.Accept(ctx, "merge", children[0], "a", 2)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Second)

	results, err := h.executor.CheckTimeouts(ctx, "merge", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Equal(t, coalesce.ReasonIncompleteBranches, results[0].FailureReason)
}
