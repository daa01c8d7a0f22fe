package coalesce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/elspetherr"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/token"
)

type arrival struct {
	branch    string
	tok       token.Info
	stateID   string
	startedAt time.Time
}

type pendingEntry struct {
	rowID    string
	arrivals []arrival
	seen     map[string]bool
}

// CoalesceContext is the per-merge metadata persisted alongside each
// consumed token's terminal node state so lineage queries can explain what
// a coalesce decided.
type CoalesceContext struct {
	Policy           string   `json:"policy"`
	MergeStrategy    string   `json:"merge_strategy"`
	ExpectedBranches []string `json:"expected_branches"`
	ArrivedBranches  []string `json:"arrived_branches"`
	ArrivalOffsetsMS []int64  `json:"arrival_offsets_ms"`
	TotalWaitMS      int64    `json:"total_wait_ms"`
	FailureReason    string   `json:"failure_reason,omitempty"`
}

// Result is the terminal outcome of a pending row: either a merged child
// token, or a failure carrying one of the named reasons.
type Result struct {
	RowID         string
	Merged        token.Info
	FailureReason string
}

// Failed reports whether this result is a failure rather than a merge.
func (r Result) Failed() bool { return r.FailureReason != "" }

// Executor holds every registered coalesce's pending arrivals, keyed by
// (coalesce_name, row_id).
type Executor struct {
	rec    *landscape.Recorder
	tokens *token.Manager

	mu        sync.Mutex
	specs     map[string]Spec
	pending   map[string]map[string]*pendingEntry
	completed map[string]map[string]bool
}

// NewExecutor builds a coalesce executor over rec and tokens.
func NewExecutor(rec *landscape.Recorder, tokens *token.Manager) *Executor {
	return &Executor{
		rec:       rec,
		tokens:    tokens,
		specs:     make(map[string]Spec),
		pending:   make(map[string]map[string]*pendingEntry),
		completed: make(map[string]map[string]bool),
	}
}

// Register adds a named coalesce join point.
func (e *Executor) Register(spec Spec) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.specs[spec.Name] = spec
	e.pending[spec.Name] = make(map[string]*pendingEntry)
	e.completed[spec.Name] = make(map[string]bool)
}

// Accept inserts one branch's arrival for a row. It writes an open node
// state for the incoming token unconditionally, then either holds it (nil
// Result) or settles it per the governing policy.
//
// A duplicate arrival for a (row, branch) pair already held is fatal: it
// would otherwise silently overwrite a token the audit trail already
// references.
func (e *Executor) Accept(ctx context.Context, coalesceName string, tok token.Info, branch string, step int) (*Result, error) {
	e.mu.Lock()
	spec, ok := e.specs[coalesceName]
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("coalesce: unknown coalesce %q", coalesceName)
	}

	inputHash, err := canonical.StableHash(tok.RowData)
	if err != nil {
		return nil, fmt.Errorf("coalesce: hash input: %w", err)
	}

	state, err := e.rec.BeginNodeState(ctx, tok.TokenID, spec.NodeID, step, 0, inputHash, nil)
	if err != nil {
		return nil, fmt.Errorf("coalesce: begin node state: %w", err)
	}

	arr := arrival{branch: branch, tok: tok, stateID: state.StateID, startedAt: state.StartedAt}

	e.mu.Lock()

	if e.completed[coalesceName][tok.RowID] {
		e.mu.Unlock()

		return e.failMerge(ctx, spec, []arrival{arr}, ReasonLateArrivalAfterMerge)
	}

	entry, ok := e.pending[coalesceName][tok.RowID]
	if !ok {
		entry = &pendingEntry{rowID: tok.RowID, seen: make(map[string]bool)}
		e.pending[coalesceName][tok.RowID] = entry
	}

	if entry.seen[branch] {
		e.mu.Unlock()

		return nil, elspetherr.NewTyped(elspetherr.KindAuditIntegrity, "duplicate_coalesce_arrival",
			fmt.Sprintf("duplicate arrival for coalesce %q row %q branch %q", coalesceName, tok.RowID, branch), nil)
	}

	entry.seen[branch] = true
	entry.arrivals = append(entry.arrivals, arr)

	ready := e.policySatisfied(spec, entry)

	var arrivals []arrival
	if ready {
		arrivals = entry.arrivals
		delete(e.pending[coalesceName], tok.RowID)
		e.completed[coalesceName][tok.RowID] = true
	}

	e.mu.Unlock()

	if !ready {
		return nil, nil
	}

	return e.settle(ctx, spec, arrivals, step)
}

func (e *Executor) policySatisfied(spec Spec, entry *pendingEntry) bool {
	switch spec.Policy.Kind {
	case PolicyFirst:
		return len(entry.arrivals) >= 1
	case PolicyQuorum:
		return len(entry.arrivals) >= spec.Policy.N
	case PolicyRequireAll:
		return len(entry.arrivals) >= len(spec.Branches)
	case PolicyBestEffort:
		return false // only a timeout or end-of-source flush settles best_effort
	default:
		return false
	}
}

// settle merges arrivals that satisfy their policy, falling back to a
// select_branch_not_arrived failure if the configured select(branch)
// strategy can't find its branch among them.
func (e *Executor) settle(ctx context.Context, spec Spec, arrivals []arrival, step int) (*Result, error) {
	merged, err := merge(spec.Merge, spec.SelectBranch, arrivals)
	if err != nil {
		return e.failMerge(ctx, spec, arrivals, ReasonSelectBranchNotArrived)
	}

	return e.completeMerge(ctx, spec, arrivals, merged, step)
}

func (e *Executor) completeMerge(ctx context.Context, spec Spec, arrivals []arrival, merged canonical.Value, step int) (*Result, error) {
	outputHash, err := canonical.StableHash(merged)
	if err != nil {
		return nil, fmt.Errorf("coalesce: hash merged output: %w", err)
	}

	contextJSON, err := marshalContext(buildContext(spec, arrivals, ""))
	if err != nil {
		return nil, fmt.Errorf("coalesce: marshal context: %w", err)
	}

	for _, a := range arrivals {
		if _, err := e.rec.CompleteNodeState(ctx, a.stateID, a.startedAt, outputHash, &contextJSON); err != nil {
			return nil, fmt.Errorf("coalesce: complete node state: %w", err)
		}

		if _, err := e.rec.RecordTokenOutcome(ctx, a.tok.TokenID, landscape.OutcomeCoalesced, nil); err != nil {
			return nil, fmt.Errorf("coalesce: record outcome: %w", err)
		}
	}

	parents := make([]token.Info, len(arrivals))
	for i, a := range arrivals {
		parents[i] = a.tok
	}

	child, err := e.tokens.Coalesce(ctx, parents, merged, step)
	if err != nil {
		return nil, fmt.Errorf("coalesce: create merged token: %w", err)
	}

	return &Result{RowID: arrivals[0].tok.RowID, Merged: child}, nil
}

func (e *Executor) failMerge(ctx context.Context, spec Spec, arrivals []arrival, reason string) (*Result, error) {
	errJSON, err := marshalContext(buildContext(spec, arrivals, reason))
	if err != nil {
		return nil, fmt.Errorf("coalesce: marshal context: %w", err)
	}

	for _, a := range arrivals {
		if _, err := e.rec.FailNodeState(ctx, a.stateID, a.startedAt, errJSON, nil); err != nil {
			return nil, fmt.Errorf("coalesce: fail node state: %w", err)
		}

		if _, err := e.rec.RecordTokenOutcome(ctx, a.tok.TokenID, landscape.OutcomeFailed, &errJSON); err != nil {
			return nil, fmt.Errorf("coalesce: record outcome: %w", err)
		}
	}

	return &Result{RowID: arrivals[0].tok.RowID, FailureReason: reason}, nil
}

func buildContext(spec Spec, arrivals []arrival, failureReason string) CoalesceContext {
	first := arrivals[0].startedAt
	for _, a := range arrivals {
		if a.startedAt.Before(first) {
			first = a.startedAt
		}
	}

	last := first
	offsets := make([]int64, len(arrivals))
	branches := make([]string, len(arrivals))

	for i, a := range arrivals {
		offsets[i] = a.startedAt.Sub(first).Milliseconds()
		branches[i] = a.branch

		if a.startedAt.After(last) {
			last = a.startedAt
		}
	}

	return CoalesceContext{
		Policy:           string(spec.Policy.Kind),
		MergeStrategy:    string(spec.Merge),
		ExpectedBranches: spec.Branches,
		ArrivedBranches:  branches,
		ArrivalOffsetsMS: offsets,
		TotalWaitMS:      last.Sub(first).Milliseconds(),
		FailureReason:    failureReason,
	}
}

func marshalContext(c CoalesceContext) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// CheckTimeouts promotes coalesceName's pending entries past their
// configured timeout to a terminal outcome: best_effort merges whatever
// arrived, quorum fails with quorum_not_met_at_timeout, and require_all
// fails with incomplete_branches rather than waiting indefinitely for
// end-of-source. first has no timeout-driven transition — it already
// settles on its single arrival.
func (e *Executor) CheckTimeouts(ctx context.Context, coalesceName string, step int) ([]Result, error) {
	e.mu.Lock()

	spec, ok := e.specs[coalesceName]
	if !ok {
		e.mu.Unlock()

		return nil, fmt.Errorf("coalesce: unknown coalesce %q", coalesceName)
	}

	if spec.Timeout <= 0 || spec.Policy.Kind == PolicyFirst {
		e.mu.Unlock()

		return nil, nil
	}

	now := spec.clock().Now()

	var expired []*pendingEntry

	for rowID, entry := range e.pending[coalesceName] {
		if now.Sub(entry.arrivals[0].startedAt) < spec.Timeout {
			continue
		}

		expired = append(expired, entry)
		delete(e.pending[coalesceName], rowID)
		e.completed[coalesceName][rowID] = true
	}

	e.mu.Unlock()

	var results []Result

	for _, entry := range expired {
		var (
			res *Result
			err error
		)

		switch spec.Policy.Kind {
		case PolicyQuorum:
			res, err = e.failMerge(ctx, spec, entry.arrivals, ReasonQuorumNotMetAtTimeout)
		case PolicyRequireAll:
			res, err = e.failMerge(ctx, spec, entry.arrivals, ReasonIncompleteBranches)
		case PolicyBestEffort:
			res, err = e.settle(ctx, spec, entry.arrivals, step)
		}

		if err != nil {
			return results, err
		}

		results = append(results, *res)
	}

	return results, nil
}

// FlushPending is the end-of-source drain: every coalesce still holding
// rows resolves them per policy. stepMap supplies the step index to record
// against each named coalesce's drained rows.
func (e *Executor) FlushPending(ctx context.Context, stepMap map[string]int) ([]Result, error) {
	type drained struct {
		spec  Spec
		entry *pendingEntry
		step  int
	}

	e.mu.Lock()

	var work []drained

	for name, byRow := range e.pending {
		spec := e.specs[name]
		for rowID, entry := range byRow {
			work = append(work, drained{spec: spec, entry: entry, step: stepMap[name]})
			delete(byRow, rowID)
			e.completed[name][rowID] = true
		}
	}

	e.mu.Unlock()

	var results []Result

	for _, w := range work {
		var (
			res *Result
			err error
		)

		switch w.spec.Policy.Kind {
		case PolicyRequireAll:
			res, err = e.failMerge(ctx, w.spec, w.entry.arrivals, ReasonIncompleteBranches)
		case PolicyQuorum:
			res, err = e.failMerge(ctx, w.spec, w.entry.arrivals, ReasonQuorumNotMet)
		default:
			res, err = e.settle(ctx, w.spec, w.entry.arrivals, w.step)
		}

		if err != nil {
			return results, err
		}

		results = append(results, *res)
	}

	return results, nil
}
