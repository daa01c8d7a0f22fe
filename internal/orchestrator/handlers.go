package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/elspetherr"
	"github.com/correlator-io/elspeth/internal/gate"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/token"
)

// aggregationState holds one aggregation node's buffered parent tokens,
// guarded separately from Runtime's other state since Add/Flush must
// observe its own buffer atomically across concurrent arrivals.
type aggregationState struct {
	mu      sync.Mutex
	pending []token.Info
}

var aggregationStates sync.Map // nodeID -> *aggregationState

func aggregationStateFor(nodeID string) *aggregationState {
	v, _ := aggregationStates.LoadOrStore(nodeID, &aggregationState{})

	return v.(*aggregationState)
}

// batchSubmission is what BeginNodeState observed for one batch-node
// submission, kept around so the adapter's context-less reorder goroutine
// can later hand it back to CompleteNodeState/FailNodeState and resume the
// walk at the right step.
type batchSubmission struct {
	startedAt time.Time
	step      int
}

// batchStateStarts records batchSubmission keyed by StateID.
var batchStateStarts sync.Map // stateID -> batchSubmission

// transformHandler applies a synchronous plugin.Transform, or submits to
// the node's batch.Adapter when the node is batch-aware. Batch completions
// resume the walk later via batchPort.Emit, not from this call.
func transformHandler(ctx context.Context, rt *Runtime, nodeID string, tok token.Info, step int, _ string) error {
	if adapter, ok := rt.batchAdapters[nodeID]; ok {
		inputHash, err := canonical.StableHash(tok.RowData)
		if err != nil {
			return fmt.Errorf("orchestrator: hash batch input: %w", err)
		}

		state, err := rt.rec.BeginNodeState(ctx, tok.TokenID, nodeID, step, 0, inputHash, nil)
		if err != nil {
			return fmt.Errorf("orchestrator: begin batch node state: %w", err)
		}

		batchStateStarts.Store(state.StateID, batchSubmission{startedAt: state.StartedAt, step: step})

		return adapter.Accept(ctx, tok, state.StateID)
	}

	xf, ok := rt.transforms[nodeID]
	if !ok {
		return fmt.Errorf("orchestrator: no transform registered for node %q", nodeID)
	}

	inputHash, err := canonical.StableHash(tok.RowData)
	if err != nil {
		return fmt.Errorf("orchestrator: hash transform input: %w", err)
	}

	state, err := rt.rec.BeginNodeState(ctx, tok.TokenID, nodeID, step, 0, inputHash, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: begin node state: %w", err)
	}

	result, applyErr := xf.Apply(ctx, tok.RowData)
	if applyErr != nil {
		return rt.failToken(ctx, tok, state, applyErr)
	}

	if _, err := rt.rec.CompleteNodeState(ctx, state.StateID, state.StartedAt, mustHash(result), nil); err != nil {
		return fmt.Errorf("orchestrator: complete node state: %w", err)
	}

	tok.RowData = result

	return rt.advance(ctx, nodeID, tok, step)
}

// gateHandler evaluates nodeID's compiled rules, records the routing
// decision, and walks tok onward along whichever edges the decision
// resolved to (possibly more than one, for fork_to).
func gateHandler(ctx context.Context, rt *Runtime, nodeID string, tok token.Info, step int, _ string) error {
	g, ok := rt.gates[nodeID]
	if !ok {
		return fmt.Errorf("orchestrator: no gate registered for node %q", nodeID)
	}

	inputHash, err := canonical.StableHash(tok.RowData)
	if err != nil {
		return fmt.Errorf("orchestrator: hash gate input: %w", err)
	}

	state, err := rt.rec.BeginNodeState(ctx, tok.TokenID, nodeID, step, 0, inputHash, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: begin gate node state: %w", err)
	}

	action, decideErr := g.Decide(ctx, tok.RowData)
	if decideErr != nil {
		return rt.failToken(ctx, tok, state, decideErr)
	}

	resolved, compileErr := gate.Compile(rt.graph, nodeID, action)
	if compileErr != nil {
		return rt.failToken(ctx, tok, state, compileErr)
	}

	if _, err := rt.rec.CompleteNodeState(ctx, state.StateID, state.StartedAt, inputHash, nil); err != nil {
		return fmt.Errorf("orchestrator: complete gate node state: %w", err)
	}

	edgeIDs := make([]string, len(resolved))
	for i, re := range resolved {
		edgeIDs[i] = rt.edgeID(re.Edge.From, re.Edge.Label)
	}

	mode := landscape.RoutingModeMove
	if len(resolved) > 0 && resolved[0].Mode == gate.EdgeCopy {
		mode = landscape.RoutingModeCopy
	}

	if len(edgeIDs) > 0 {
		if _, err := rt.rec.RecordRoutingEvents(ctx, state.StateID, edgeIDs, mode, nil); err != nil {
			return fmt.Errorf("orchestrator: record routing events: %w", err)
		}
	}

	if len(resolved) == 1 {
		return rt.walk(ctx, resolved[0].Edge.To, tok, step+1, resolved[0].Edge.Label)
	}

	labels := make([]string, len(resolved))
	for i, re := range resolved {
		labels[i] = re.Edge.Label
	}

	children, err := rt.tokens.ForkToken(ctx, tok, labels, step+1)
	if err != nil {
		return fmt.Errorf("orchestrator: fork token at gate %q: %w", nodeID, err)
	}

	for i, re := range resolved {
		if err := rt.walk(ctx, re.Edge.To, children[i], step+1, re.Edge.Label); err != nil {
			return err
		}
	}

	return nil
}

// aggregationHandler buffers tok into nodeID's aggregation. Once the
// plugin reports the batch ready, every buffered parent resolves to the
// flushed result and the last arrival's continuation carries it onward.
func aggregationHandler(ctx context.Context, rt *Runtime, nodeID string, tok token.Info, step int, _ string) error {
	agg, ok := rt.aggregations[nodeID]
	if !ok {
		return fmt.Errorf("orchestrator: no aggregation registered for node %q", nodeID)
	}

	inputHash, err := canonical.StableHash(tok.RowData)
	if err != nil {
		return fmt.Errorf("orchestrator: hash aggregation input: %w", err)
	}

	state, err := rt.rec.BeginNodeState(ctx, tok.TokenID, nodeID, step, 0, inputHash, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: begin aggregation node state: %w", err)
	}

	ready, addErr := agg.Add(ctx, tok.RowData)
	if addErr != nil {
		return rt.failToken(ctx, tok, state, addErr)
	}

	if _, err := rt.rec.CompleteNodeState(ctx, state.StateID, state.StartedAt, inputHash, nil); err != nil {
		return fmt.Errorf("orchestrator: complete aggregation node state: %w", err)
	}

	as := aggregationStateFor(nodeID)
	as.mu.Lock()
	as.pending = append(as.pending, tok)

	if !ready {
		as.mu.Unlock()

		if _, err := rt.rec.RecordTokenOutcome(ctx, tok.TokenID, landscape.OutcomeBuffered, nil); err != nil {
			return fmt.Errorf("orchestrator: record buffered outcome: %w", err)
		}

		return nil
	}

	members := as.pending
	as.pending = nil
	as.mu.Unlock()

	flushed, flushErr := agg.Flush(ctx)
	if flushErr != nil {
		return fmt.Errorf("orchestrator: flush aggregation %q: %w", nodeID, flushErr)
	}

	for _, m := range members {
		if _, err := rt.rec.RecordTokenOutcome(ctx, m.TokenID, landscape.OutcomeConsumedInBatch, nil); err != nil {
			return fmt.Errorf("orchestrator: record consumed_in_batch outcome: %w", err)
		}
	}

	child, err := rt.tokens.Expand(ctx, tok, 1, step+1)
	if err != nil {
		return fmt.Errorf("orchestrator: expand flushed aggregation token: %w", err)
	}

	out := child[0]
	out.RowData = flushed

	return rt.advance(ctx, nodeID, out, step)
}

// coalesceHandler submits tok to its named coalesce join via the coalesce
// executor, walking the merged child onward the moment the join settles.
func coalesceHandler(ctx context.Context, rt *Runtime, nodeID string, tok token.Info, step int, branch string) error {
	name, ok := rt.coalesceNames[nodeID]
	if !ok {
		return fmt.Errorf("orchestrator: no coalesce registered for node %q", nodeID)
	}

	if branch == "" {
		branch = tok.BranchName
	}

	result, err := rt.coalesceExec.Accept(ctx, name, tok, branch, step)
	if err != nil {
		return fmt.Errorf("orchestrator: coalesce accept at %q: %w", nodeID, err)
	}

	if result == nil {
		return nil // still pending other branches
	}

	if result.Failed() {
		return nil // failure already recorded by the executor
	}

	return rt.advance(ctx, nodeID, result.Merged, step)
}

// sinkHandler writes tok to its sink and records the row's terminal,
// successful outcome.
func sinkHandler(ctx context.Context, rt *Runtime, nodeID string, tok token.Info, step int, _ string) error {
	sink, ok := rt.sinks[nodeID]
	if !ok {
		return fmt.Errorf("orchestrator: no sink registered for node %q", nodeID)
	}

	inputHash, err := canonical.StableHash(tok.RowData)
	if err != nil {
		return fmt.Errorf("orchestrator: hash sink input: %w", err)
	}

	state, err := rt.rec.BeginNodeState(ctx, tok.TokenID, nodeID, step, 0, inputHash, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: begin sink node state: %w", err)
	}

	if writeErr := sink.Write(ctx, tok.RowData); writeErr != nil {
		return rt.failToken(ctx, tok, state, writeErr)
	}

	if _, err := rt.rec.CompleteNodeState(ctx, state.StateID, state.StartedAt, inputHash, nil); err != nil {
		return fmt.Errorf("orchestrator: complete sink node state: %w", err)
	}

	if _, err := rt.rec.RecordTokenOutcome(ctx, tok.TokenID, landscape.OutcomeCompleted, nil); err != nil {
		return fmt.Errorf("orchestrator: record completed outcome: %w", err)
	}

	rt.incrementRowsProcessed()
	rt.checkpointAfter(ctx, nodeID, tok, step)

	return nil
}

// failToken closes state as failed and records tok's terminal outcome:
// quarantined when cause is a typed error of any kind other than
// KindTransformRetryable (a condition panic arrives here as one, since
// gate.Decide already recovered it), failed otherwise. The row then goes
// to the error sink, when one is configured, rather than crashing the run.
func (rt *Runtime) failToken(ctx context.Context, tok token.Info, state landscape.NodeState, cause error) error {
	errJSON := fmt.Sprintf(`{"error":%q}`, cause.Error())

	if _, err := rt.rec.FailNodeState(ctx, state.StateID, state.StartedAt, errJSON, nil); err != nil {
		return fmt.Errorf("orchestrator: fail node state: %w", err)
	}

	status := landscape.OutcomeFailed

	var typed *elspetherr.Typed
	if elspetherr.As(cause, &typed) && typed.Kind != elspetherr.KindTransformRetryable {
		status = landscape.OutcomeQuarantined
	}

	if _, err := rt.rec.RecordTokenOutcome(ctx, tok.TokenID, status, &errJSON); err != nil {
		return fmt.Errorf("orchestrator: record failed outcome: %w", err)
	}

	if rt.settings.ErrorSinkID == "" {
		return nil
	}

	errorRow := map[string]canonical.Value{
		"row_id": tok.RowID,
		"error":  cause.Error(),
	}
	errTok := tok
	errTok.RowData = errorRow

	return rt.walk(ctx, rt.settings.ErrorSinkID, errTok, state.StepIndex+1, "error")
}

func mustHash(v canonical.Value) string {
	h, err := canonical.StableHash(v)
	if err != nil {
		return ""
	}

	return h
}

// batchPort adapts one batch-aware transform node's async completions back
// onto the graph walk. Emit is called from the adapter's reorder goroutine,
// which carries no request-scoped context, so it runs the remaining walk
// under a fresh background context rather than one tied to the row's
// original submission.
type batchPort struct {
	rt     *Runtime
	nodeID string
}

func (p *batchPort) Emit(tok token.Info, result canonical.Value, stateID string, procErr error) error {
	ctx := context.Background()

	var sub batchSubmission
	if v, ok := batchStateStarts.LoadAndDelete(stateID); ok {
		sub = v.(batchSubmission)
	}

	state := landscape.NodeState{StateID: stateID, StartedAt: sub.startedAt, StepIndex: sub.step}

	if procErr != nil {
		return p.rt.failToken(ctx, tok, state, procErr)
	}

	if _, err := p.rt.rec.CompleteNodeState(ctx, stateID, sub.startedAt, mustHash(result), nil); err != nil {
		return fmt.Errorf("orchestrator: complete batch node state: %w", err)
	}

	tok.RowData = result

	return p.rt.advance(ctx, p.nodeID, tok, sub.step)
}
