package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/elspetherr"
	"github.com/correlator-io/elspeth/internal/payloadstore"
)

// Recorder is the typed write/read facade over the landscape schema
// (spec.md §4.4). Every mutating method validates and coerces enum values;
// an unrecognized string is fatal rather than silently dropped.
type Recorder struct {
	conn         *Connection
	payloadStore payloadstore.Store
	journal      Journal
	logger       *slog.Logger
}

// Journal mirrors every recorded insert for downstream consumers (spec.md
// §4.3's "optional plaintext JSONL change journal").
type Journal interface {
	Record(ctx context.Context, table, rowID string, payloadRef *string) error
}

// NewRecorder constructs a Recorder. journal may be nil to disable
// mirroring.
func NewRecorder(conn *Connection, store payloadstore.Store, journal Journal, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{conn: conn, payloadStore: store, journal: journal, logger: logger}
}

func generateID() string {
	return uuid.New().String()
}

func (r *Recorder) mirror(ctx context.Context, table, rowID string, payloadRef *string) {
	if r.journal == nil {
		return
	}

	if err := r.journal.Record(ctx, table, rowID, payloadRef); err != nil {
		r.logger.Warn("landscape: journal mirror failed", slog.String("table", table), slog.String("row_id", rowID), slog.String("error", err.Error()))
	}
}

// === Run management ===

// BeginRun starts a new pipeline run. config is canonicalized and hashed;
// the resulting config_hash is the resume-compatibility key alongside the
// graph's topology hash.
func (r *Recorder) BeginRun(ctx context.Context, config canonical.Value, canonicalVersion string, opts ...RunOption) (Run, error) {
	options := runOptions{status: RunStatusRunning}
	for _, opt := range opts {
		opt(&options)
	}

	status, err := coerceRunStatus(string(options.status))
	if err != nil {
		return Run{}, err
	}

	settingsJSON, err := canonical.CanonicalJSON(config)
	if err != nil {
		return Run{}, fmt.Errorf("landscape: canonicalize run config: %w", err)
	}

	configHash, err := canonical.StableHash(config)
	if err != nil {
		return Run{}, fmt.Errorf("landscape: hash run config: %w", err)
	}

	runID := options.runID
	if runID == "" {
		runID = generateID()
	}

	now := time.Now().UTC()

	run := Run{
		RunID:            runID,
		SettingsJSON:     string(settingsJSON),
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
		Status:           status,
		ExportStatus:     ExportStatusNotExported,
		StartedAt:        now,
	}

	const q = `INSERT INTO runs (run_id, settings_json, config_hash, canonical_version, status, export_status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := r.conn.ExecContext(ctx, q, run.RunID, run.SettingsJSON, run.ConfigHash, run.CanonicalVersion, run.Status, run.ExportStatus, run.StartedAt); err != nil {
		return Run{}, fmt.Errorf("landscape: insert run: %w", err)
	}

	r.mirror(ctx, tableRuns, run.RunID, nil)

	return run, nil
}

// RunOption customizes BeginRun.
type RunOption func(*runOptions)

type runOptions struct {
	runID  string
	status RunStatus
}

// WithRunID pins the run ID instead of generating one (used by resume).
func WithRunID(id string) RunOption { return func(o *runOptions) { o.runID = id } }

// WithRunStatus overrides the initial status (defaults to running).
func WithRunStatus(s RunStatus) RunOption { return func(o *runOptions) { o.status = s } }

// CompleteRun finalizes a run with its terminal status and reproducibility
// grade. A run is immutable after completion except for export status.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status RunStatus, grade ReproducibilityGrade) error {
	if _, err := coerceRunStatus(string(status)); err != nil {
		return err
	}

	now := time.Now().UTC()

	const q = `UPDATE runs SET status = $1, reproducibility_grade = $2, completed_at = $3 WHERE run_id = $4`

	res, err := r.conn.ExecContext(ctx, q, status, grade, now, runID)
	if err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}

	return mustAffect(res, "run", runID)
}

// SetTopologyHash records the execution graph's topology hash against a
// run, the resume-compatibility key compared against on every resume.
func (r *Recorder) SetTopologyHash(ctx context.Context, runID, topologyHash string) error {
	const q = `UPDATE runs SET topology_hash = $1 WHERE run_id = $2`

	res, err := r.conn.ExecContext(ctx, q, topologyHash, runID)
	if err != nil {
		return fmt.Errorf("landscape: set topology hash: %w", err)
	}

	return mustAffect(res, "run", runID)
}

// GetRun loads a run by ID, used by resume to verify the config hash and
// topology hash recorded at the start of the original run.
func (r *Recorder) GetRun(ctx context.Context, runID string) (Run, error) {
	const q = `SELECT run_id, settings_json, config_hash, canonical_version, status, reproducibility_grade, export_status, topology_hash, started_at, completed_at
		FROM runs WHERE run_id = $1`

	var run Run

	var grade sql.NullString

	var topologyHash sql.NullString

	err := r.conn.QueryRowContext(ctx, q, runID).Scan(
		&run.RunID, &run.SettingsJSON, &run.ConfigHash, &run.CanonicalVersion, &run.Status,
		&grade, &run.ExportStatus, &topologyHash, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return Run{}, fmt.Errorf("landscape: get run: %w", err)
	}

	if grade.Valid {
		g := ReproducibilityGrade(grade.String)
		run.ReproducibilityGrade = &g
	}

	if topologyHash.Valid {
		run.TopologyHash = topologyHash.String
	}

	return run, nil
}

// UnfinishedRowIDs returns every row in runID whose most recent token
// outcome is non-terminal (buffered or consumed_in_batch), or which has no
// recorded outcome at all — the set a resume re-enqueues per spec.md
// §4.10 step 3.
func (r *Recorder) UnfinishedRowIDs(ctx context.Context, runID string) ([]string, error) {
	const q = `
		SELECT DISTINCT rows.row_id
		FROM rows
		JOIN tokens ON tokens.row_id = rows.row_id
		LEFT JOIN LATERAL (
			SELECT is_terminal
			FROM token_outcomes
			WHERE token_outcomes.token_id = tokens.token_id
			ORDER BY created_at DESC
			LIMIT 1
		) latest_outcome ON true
		WHERE rows.run_id = $1
		  AND (latest_outcome.is_terminal IS NULL OR latest_outcome.is_terminal = false)`

	rowsResult, err := r.conn.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: unfinished row ids: %w", err)
	}
	defer rowsResult.Close()

	var ids []string

	for rowsResult.Next() {
		var id string
		if err := rowsResult.Scan(&id); err != nil {
			return nil, fmt.Errorf("landscape: scan unfinished row id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rowsResult.Err(); err != nil {
		return nil, fmt.Errorf("landscape: unfinished row ids: %w", err)
	}

	return ids, nil
}

// SetExportStatus updates a run's export status independent of run status.
func (r *Recorder) SetExportStatus(ctx context.Context, runID string, status ExportStatus) error {
	const q = `UPDATE runs SET export_status = $1 WHERE run_id = $2`

	res, err := r.conn.ExecContext(ctx, q, status, runID)
	if err != nil {
		return fmt.Errorf("landscape: set export status: %w", err)
	}

	return mustAffect(res, "run", runID)
}

// === Graph registration ===

// RegisterNode persists a node assigned by the graph builder.
func (r *Recorder) RegisterNode(ctx context.Context, n Node) (Node, error) {
	if _, err := coerceNodeType(string(n.NodeType)); err != nil {
		return Node{}, err
	}

	if _, err := coerceDeterminism(string(n.Determinism)); err != nil {
		return Node{}, err
	}

	if n.NodeID == "" {
		n.NodeID = generateID()
	}

	n.CreatedAt = time.Now().UTC()

	inputFields, err := canonical.CanonicalJSON(schemaToValue(n.InputSchema))
	if err != nil {
		return Node{}, fmt.Errorf("landscape: encode input schema: %w", err)
	}

	outputFields, err := canonical.CanonicalJSON(schemaToValue(n.OutputSchema))
	if err != nil {
		return Node{}, fmt.Errorf("landscape: encode output schema: %w", err)
	}

	const q = `INSERT INTO nodes (node_id, run_id, node_type, plugin_name, plugin_version, determinism, config_hash, position, input_schema_json, output_schema_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	if _, err := r.conn.ExecContext(ctx, q, n.NodeID, n.RunID, n.NodeType, n.PluginName, n.PluginVersion, n.Determinism, n.ConfigHash, n.Position, inputFields, outputFields, n.CreatedAt); err != nil {
		return Node{}, fmt.Errorf("landscape: insert node: %w", err)
	}

	r.mirror(ctx, tableNodes, n.NodeID, nil)

	return n, nil
}

func schemaToValue(s SchemaContract) canonical.Value {
	fields := make([]canonical.Value, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = f
	}

	return map[string]canonical.Value{"mode": string(s.Mode), "fields": fields}
}

// RegisterEdge persists a directed edge between two nodes.
func (r *Recorder) RegisterEdge(ctx context.Context, e Edge) (Edge, error) {
	if _, err := coerceRoutingMode(string(e.Mode)); err != nil {
		return Edge{}, err
	}

	if e.EdgeID == "" {
		e.EdgeID = generateID()
	}

	e.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := r.conn.ExecContext(ctx, q, e.EdgeID, e.RunID, e.FromNodeID, e.ToNodeID, e.Label, e.Mode, e.CreatedAt); err != nil {
		return Edge{}, fmt.Errorf("landscape: insert edge: %w", err)
	}

	r.mirror(ctx, tableEdges, e.EdgeID, nil)

	return e, nil
}

// === Rows and tokens ===

// CreateRow persists a source-yielded row, hashing its canonical form and
// optionally persisting the payload.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int64, data canonical.Value) (Row, error) {
	hash, err := canonical.StableHash(data)
	if err != nil {
		return Row{}, fmt.Errorf("landscape: hash row: %w", err)
	}

	row := Row{
		RowID:          generateID(),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: hash,
		CreatedAt:      time.Now().UTC(),
	}

	if r.payloadStore != nil {
		bytes, err := canonical.CanonicalJSON(data)
		if err != nil {
			return Row{}, fmt.Errorf("landscape: canonicalize row payload: %w", err)
		}

		ref, err := r.payloadStore.Store(ctx, bytes)
		if err != nil {
			return Row{}, fmt.Errorf("landscape: persist row payload: %w", err)
		}

		row.PayloadRef = &ref
	}

	const q = `INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, payload_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := r.conn.ExecContext(ctx, q, row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.PayloadRef, row.CreatedAt); err != nil {
		return Row{}, fmt.Errorf("landscape: insert row: %w", err)
	}

	r.mirror(ctx, tableRows, row.RowID, row.PayloadRef)

	return row, nil
}

// CreateToken persists the initial token for a row.
func (r *Recorder) CreateToken(ctx context.Context, runID, rowID string, stepInPipeline int) (Token, error) {
	return r.insertToken(ctx, Token{
		TokenID:        generateID(),
		RunID:          runID,
		RowID:          rowID,
		StepInPipeline: stepInPipeline,
	}, nil)
}

func (r *Recorder) insertToken(ctx context.Context, t Token, parents []TokenParent) (Token, error) {
	if t.TokenID == "" {
		t.TokenID = generateID()
	}

	t.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO tokens (token_id, run_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	const pq = `INSERT INTO token_parents (child_token_id, parent_token_id, ordinal) VALUES ($1, $2, $3)`

	err := r.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, q, t.TokenID, t.RunID, t.RowID, t.ForkGroupID, t.JoinGroupID, t.ExpandGroupID, t.BranchName, t.StepInPipeline, t.CreatedAt); err != nil {
			return fmt.Errorf("landscape: insert token: %w", err)
		}

		for _, p := range parents {
			if _, err := tx.ExecContext(ctx, pq, t.TokenID, p.ParentTokenID, p.Ordinal); err != nil {
				return fmt.Errorf("landscape: insert token parent: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return Token{}, err
	}

	r.mirror(ctx, tableTokens, t.TokenID, nil)

	return t, nil
}

// ForkToken creates N children of parent sharing a fork_group_id, one per
// branch, each with an ordinal-keyed parent link. branches must be
// non-empty.
func (r *Recorder) ForkToken(ctx context.Context, parent Token, branches []string, step int) ([]Token, error) {
	if len(branches) == 0 {
		return nil, elspetherr.NewTyped(elspetherr.KindConfig, "empty_fork_branches", "fork_token requires at least one branch", nil)
	}

	groupID := generateID()
	children := make([]Token, 0, len(branches))

	for i, branch := range branches {
		name := branch
		child, err := r.insertToken(ctx, Token{
			RunID:          parent.RunID,
			RowID:          parent.RowID,
			ForkGroupID:    &groupID,
			BranchName:     &name,
			StepInPipeline: step,
		}, []TokenParent{{ParentTokenID: parent.TokenID, Ordinal: i}})
		if err != nil {
			return nil, err
		}

		children = append(children, child)
	}

	return children, nil
}

// CoalesceTokens creates one child token from multiple parents, sharing a
// join_group_id with ordinal-keyed parent links preserving arrival order.
func (r *Recorder) CoalesceTokens(ctx context.Context, parents []Token, rowID string, step int) (Token, error) {
	if len(parents) == 0 {
		return Token{}, elspetherr.NewTyped(elspetherr.KindConfig, "empty_coalesce_parents", "coalesce_tokens requires at least one parent", nil)
	}

	groupID := generateID()

	links := make([]TokenParent, len(parents))
	for i, p := range parents {
		links[i] = TokenParent{ParentTokenID: p.TokenID, Ordinal: i}
	}

	return r.insertToken(ctx, Token{
		RunID:         parents[0].RunID,
		RowID:         rowID,
		JoinGroupID:   &groupID,
		StepInPipeline: step,
	}, links)
}

// ExpandToken creates N children of parent sharing an expand_group_id
// (1→N deaggregation).
func (r *Recorder) ExpandToken(ctx context.Context, parent Token, count int, step int) ([]Token, error) {
	if count <= 0 {
		return nil, elspetherr.NewTyped(elspetherr.KindConfig, "invalid_expand_count", "expand_token requires count > 0", nil)
	}

	groupID := generateID()
	children := make([]Token, 0, count)

	for i := range count {
		child, err := r.insertToken(ctx, Token{
			RunID:         parent.RunID,
			RowID:         parent.RowID,
			ExpandGroupID: &groupID,
			StepInPipeline: step,
		}, []TokenParent{{ParentTokenID: parent.TokenID, Ordinal: i}})
		if err != nil {
			return nil, err
		}

		children = append(children, child)
	}

	return children, nil
}

// === Node states ===

// BeginNodeState writes an open state for a token entering a node. Open
// states are written at entry so held tokens (waiting at a coalesce) stay
// visible to mid-run queries.
func (r *Recorder) BeginNodeState(ctx context.Context, tokenID, nodeID string, stepIndex, attempt int, inputHash string, contextBefore *string) (NodeState, error) {
	state := NodeState{
		StateID:           generateID(),
		TokenID:           tokenID,
		NodeID:            nodeID,
		StepIndex:         stepIndex,
		Attempt:           attempt,
		Status:            NodeStateOpen,
		InputHash:         inputHash,
		StartedAt:         time.Now().UTC(),
		ContextBeforeJSON: contextBefore,
	}

	if err := validateNodeState(state); err != nil {
		return NodeState{}, err
	}

	const q = `INSERT INTO node_states (state_id, token_id, node_id, step_index, attempt, status, input_hash, started_at, context_before_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := r.conn.ExecContext(ctx, q, state.StateID, state.TokenID, state.NodeID, state.StepIndex, state.Attempt, state.Status, state.InputHash, state.StartedAt, state.ContextBeforeJSON); err != nil {
		return NodeState{}, fmt.Errorf("landscape: insert node state: %w", err)
	}

	r.mirror(ctx, tableNodeStates, state.StateID, nil)

	return state, nil
}

// CompleteNodeState transitions an open state to completed.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID string, startedAt time.Time, outputHash string, contextAfter *string) (NodeState, error) {
	now := time.Now().UTC()
	duration := now.Sub(startedAt).Milliseconds()

	state := NodeState{
		StateID:     stateID,
		Status:      NodeStateCompleted,
		StartedAt:   startedAt,
		OutputHash:  &outputHash,
		CompletedAt: &now,
		DurationMS:  &duration,
	}

	if err := validateNodeState(state); err != nil {
		return NodeState{}, err
	}

	const q = `UPDATE node_states SET status = $1, output_hash = $2, completed_at = $3, duration_ms = $4, context_after_json = $5
		WHERE state_id = $6 AND status = $7`

	res, err := r.conn.ExecContext(ctx, q, state.Status, state.OutputHash, state.CompletedAt, state.DurationMS, contextAfter, stateID, NodeStateOpen)
	if err != nil {
		return NodeState{}, fmt.Errorf("landscape: complete node state: %w", err)
	}

	if err := r.requireOpenTransition(res, stateID); err != nil {
		return NodeState{}, err
	}

	return state, nil
}

// FailNodeState transitions an open state to failed.
func (r *Recorder) FailNodeState(ctx context.Context, stateID string, startedAt time.Time, errorJSON string, outputHash *string) (NodeState, error) {
	now := time.Now().UTC()
	duration := now.Sub(startedAt).Milliseconds()

	state := NodeState{
		StateID:     stateID,
		Status:      NodeStateFailed,
		StartedAt:   startedAt,
		CompletedAt: &now,
		DurationMS:  &duration,
		ErrorJSON:   &errorJSON,
		OutputHash:  outputHash,
	}

	if err := validateNodeState(state); err != nil {
		return NodeState{}, err
	}

	const q = `UPDATE node_states SET status = $1, completed_at = $2, duration_ms = $3, error_json = $4, output_hash = $5
		WHERE state_id = $6 AND status = $7`

	res, err := r.conn.ExecContext(ctx, q, state.Status, state.CompletedAt, state.DurationMS, state.ErrorJSON, state.OutputHash, stateID, NodeStateOpen)
	if err != nil {
		return NodeState{}, fmt.Errorf("landscape: fail node state: %w", err)
	}

	if err := r.requireOpenTransition(res, stateID); err != nil {
		return NodeState{}, err
	}

	return state, nil
}

// requireOpenTransition checks that a CompleteNodeState/FailNodeState
// update actually matched an open row: zero rows affected means either the
// state_id doesn't exist or it already transitioned to a terminal status.
// Since open is the only status a state transitions from, the latter is
// the only case that can occur once BeginNodeState has run, so this
// reports ErrTerminalStateImmutable.
func (r *Recorder) requireOpenTransition(res sql.Result, stateID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("landscape: rows affected: %w", err)
	}

	if n == 0 {
		return elspetherr.NewTyped(elspetherr.KindAuditIntegrity, "terminal_state_immutable",
			fmt.Sprintf("node_state %s is already terminal", stateID), ErrTerminalStateImmutable)
	}

	return nil
}

// === Routing ===

// RecordRoutingEvents writes one or many routes under a shared
// routing_group_id.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, stateID string, edgeIDs []string, mode RoutingMode, reasonHash *string) ([]RoutingEvent, error) {
	if _, err := coerceRoutingMode(string(mode)); err != nil {
		return nil, err
	}

	groupID := generateID()
	events := make([]RoutingEvent, 0, len(edgeIDs))

	const q = `INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for i, edgeID := range edgeIDs {
		ev := RoutingEvent{
			EventID:        generateID(),
			StateID:        stateID,
			EdgeID:         edgeID,
			RoutingGroupID: groupID,
			Ordinal:        i,
			Mode:           mode,
			ReasonHash:     reasonHash,
			CreatedAt:      time.Now().UTC(),
		}

		if _, err := r.conn.ExecContext(ctx, q, ev.EventID, ev.StateID, ev.EdgeID, ev.RoutingGroupID, ev.Ordinal, ev.Mode, ev.ReasonHash, ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: insert routing event: %w", err)
		}

		events = append(events, ev)
	}

	r.mirror(ctx, tableRoutingEvents, groupID, nil)

	return events, nil
}

// RecordRoutingEvent is RecordRoutingEvents for a single destination.
func (r *Recorder) RecordRoutingEvent(ctx context.Context, stateID, edgeID string, mode RoutingMode, reasonHash *string) (RoutingEvent, error) {
	events, err := r.RecordRoutingEvents(ctx, stateID, []string{edgeID}, mode, reasonHash)
	if err != nil {
		return RoutingEvent{}, err
	}

	return events[0], nil
}

// === Calls ===

// RecordCall persists an external I/O event, auto-persisting request and
// response bytes to the payload store when configured.
func (r *Recorder) RecordCall(ctx context.Context, stateID *string, callType CallType, status CallStatus, request, response []byte, latency time.Duration, errJSON *string) (Call, error) {
	if _, err := coerceCallType(string(callType)); err != nil {
		return Call{}, err
	}

	if _, err := coerceCallStatus(string(status)); err != nil {
		return Call{}, err
	}

	requestHash := canonical.HashBytes(request)

	call := Call{
		CallID:      generateID(),
		StateID:     stateID,
		CallType:    callType,
		Status:      status,
		RequestHash: requestHash,
		LatencyMS:   latency.Milliseconds(),
		ErrorJSON:   errJSON,
		CreatedAt:   time.Now().UTC(),
	}

	if r.payloadStore != nil {
		ref, err := r.payloadStore.Store(ctx, request)
		if err != nil {
			return Call{}, fmt.Errorf("landscape: persist call request: %w", err)
		}

		call.RequestPayloadRef = &ref

		if response != nil {
			respRef, err := r.payloadStore.Store(ctx, response)
			if err != nil {
				return Call{}, fmt.Errorf("landscape: persist call response: %w", err)
			}

			call.ResponsePayloadRef = &respRef
		}
	}

	const q = `INSERT INTO calls (call_id, state_id, call_type, status, request_hash, request_payload_ref, response_payload_ref, latency_ms, error_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if _, err := r.conn.ExecContext(ctx, q, call.CallID, call.StateID, call.CallType, call.Status, call.RequestHash, call.RequestPayloadRef, call.ResponsePayloadRef, call.LatencyMS, call.ErrorJSON, call.CreatedAt); err != nil {
		return Call{}, fmt.Errorf("landscape: insert call: %w", err)
	}

	r.mirror(ctx, tableCalls, call.CallID, call.RequestPayloadRef)

	return call, nil
}

// === Token outcomes ===

// RecordTokenOutcome records a token's disposition. Non-terminal outcomes
// may be recorded any number of times, each call adding a row; a second
// terminal outcome for the same token is an audit integrity violation.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, tokenID string, status TokenOutcomeStatus, reasonJSON *string) (TokenOutcome, error) {
	if _, err := coerceTokenOutcomeStatus(string(status)); err != nil {
		return TokenOutcome{}, err
	}

	outcome := TokenOutcome{
		TokenID:    tokenID,
		Status:     status,
		IsTerminal: status.IsTerminal(),
		ReasonJSON: reasonJSON,
		CreatedAt:  time.Now().UTC(),
	}

	if status.IsTerminal() {
		// NOT EXISTS makes the guard and the insert one atomic statement
		// instead of a separate SELECT COUNT(*) followed by an INSERT, which
		// would race under concurrent terminal outcomes for the same token
		// the same way the node_states open->terminal guard once did.
		const q = `INSERT INTO token_outcomes (token_id, status, is_terminal, reason_json, created_at)
			SELECT $1, $2, $3, $4, $5 WHERE NOT EXISTS (
				SELECT 1 FROM token_outcomes WHERE token_id = $1 AND is_terminal = true
			)`

		res, err := r.conn.ExecContext(ctx, q, outcome.TokenID, outcome.Status, outcome.IsTerminal, outcome.ReasonJSON, outcome.CreatedAt)
		if err != nil {
			return TokenOutcome{}, fmt.Errorf("landscape: insert token outcome: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return TokenOutcome{}, fmt.Errorf("landscape: rows affected: %w", err)
		}

		if n == 0 {
			return TokenOutcome{}, elspetherr.NewTyped(elspetherr.KindAuditIntegrity, "duplicate_terminal_outcome",
				fmt.Sprintf("token %s already has a terminal outcome", tokenID), ErrDuplicateTerminalOutcome)
		}
	} else {
		const q = `INSERT INTO token_outcomes (token_id, status, is_terminal, reason_json, created_at) VALUES ($1, $2, $3, $4, $5)`

		if _, err := r.conn.ExecContext(ctx, q, outcome.TokenID, outcome.Status, outcome.IsTerminal, outcome.ReasonJSON, outcome.CreatedAt); err != nil {
			return TokenOutcome{}, fmt.Errorf("landscape: insert token outcome: %w", err)
		}
	}

	r.mirror(ctx, tableTokenOutcomes, tokenID, nil)

	return outcome, nil
}

// === Reproducibility and finalization ===

// ComputeReproducibilityGrade scans every node's determinism for a run.
// Any nondeterministic node downgrades the run to replay_reproducible;
// seeded nodes still qualify for full reproducibility.
func (r *Recorder) ComputeReproducibilityGrade(ctx context.Context, runID string) (ReproducibilityGrade, error) {
	const q = `SELECT determinism FROM nodes WHERE run_id = $1`

	rows, err := r.conn.QueryContext(ctx, q, runID)
	if err != nil {
		return "", fmt.Errorf("landscape: query node determinism: %w", err)
	}
	defer rows.Close()

	grade := GradeFullReproducible

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return "", fmt.Errorf("landscape: scan determinism: %w", err)
		}

		d, err := coerceDeterminism(raw)
		if err != nil {
			return "", err
		}

		if d == DeterminismNondeterministic {
			grade = GradeReplayReproducible
		}
	}

	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("landscape: iterate node determinism: %w", err)
	}

	return grade, nil
}

// FinalizeRun computes the reproducibility grade and completes the run in
// one step.
func (r *Recorder) FinalizeRun(ctx context.Context, runID string, status RunStatus) (ReproducibilityGrade, error) {
	grade, err := r.ComputeReproducibilityGrade(ctx, runID)
	if err != nil {
		return "", err
	}

	if err := r.CompleteRun(ctx, runID, status, grade); err != nil {
		return "", err
	}

	return grade, nil
}

// mustAffect returns an audit integrity error if the write touched no
// rows — every update targets an ID the caller believes exists.
func mustAffect(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("landscape: rows affected: %w", err)
	}

	if n == 0 {
		return auditIntegrity("%s %s not found for update", kind, id)
	}

	return nil
}
