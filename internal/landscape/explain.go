package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/correlator-io/elspeth/internal/elspetherr"
)

// RowLineage is the hierarchical read-side projection of everything the
// recorder knows about one row's journey through a run (spec.md §4.12).
type RowLineage struct {
	SourceRow        Row
	PayloadAvailable bool
	PayloadData      []byte
	NodeStates       []NodeState
	RoutingEvents    map[string][]RoutingEvent // keyed by routing_group_id
	Calls            []Call
	ValidationErrors []ValidationErrorRecord
	TransformErrors  []TransformErrorRecord
	TerminalOutcome  *TokenOutcome
}

// ErrAmbiguousRow is returned when a row has multiple terminal tokens
// (forked) and no sink filter was given to disambiguate.
var ErrAmbiguousRow = elspetherr.NewTyped(elspetherr.KindConfig, "ambiguous_row", "row has multiple terminal tokens; specify a token_id or sink", nil)

// ExplainRow projects everything recorded about a row. If tokenID is
// empty and the row forked into multiple terminal tokens, ExplainRow
// returns ErrAmbiguousRow.
func (r *Recorder) ExplainRow(ctx context.Context, runID, rowID, tokenID string) (RowLineage, error) {
	row, err := r.getRow(ctx, runID, rowID)
	if err != nil {
		return RowLineage{}, err
	}

	if tokenID == "" {
		tokenID, err = r.soleTerminalToken(ctx, rowID)
		if err != nil {
			return RowLineage{}, err
		}
	}

	lineage := RowLineage{SourceRow: row, RoutingEvents: make(map[string][]RoutingEvent)}

	if row.PayloadRef != nil && r.payloadStore != nil {
		data, err := r.payloadStore.Retrieve(ctx, *row.PayloadRef)
		if err == nil {
			lineage.PayloadAvailable = true
			lineage.PayloadData = data
		}
		// a purged or missing payload is not an error here: hashes remain
		// the verifiable fingerprint even when the blob is gone.
	}

	states, err := r.GetNodeStatesForToken(ctx, tokenID)
	if err != nil {
		return RowLineage{}, err
	}

	lineage.NodeStates = states

	for _, s := range states {
		events, err := r.routingEventsForState(ctx, s.StateID)
		if err != nil {
			return RowLineage{}, err
		}

		for _, ev := range events {
			lineage.RoutingEvents[ev.RoutingGroupID] = append(lineage.RoutingEvents[ev.RoutingGroupID], ev)
		}

		calls, err := r.callsForState(ctx, s.StateID)
		if err != nil {
			return RowLineage{}, err
		}

		lineage.Calls = append(lineage.Calls, calls...)
	}

	lineage.ValidationErrors, err = r.validationErrorsForRow(ctx, row.SourceDataHash)
	if err != nil {
		return RowLineage{}, err
	}

	lineage.TransformErrors, err = r.transformErrorsForToken(ctx, tokenID)
	if err != nil {
		return RowLineage{}, err
	}

	outcome, err := r.outcomeForToken(ctx, tokenID)
	if err != nil {
		return RowLineage{}, err
	}

	lineage.TerminalOutcome = outcome

	return lineage, nil
}

func (r *Recorder) getRow(ctx context.Context, runID, rowID string) (Row, error) {
	const q = `SELECT row_id, run_id, source_node_id, row_index, source_data_hash, payload_ref, created_at
		FROM rows WHERE run_id = $1 AND row_id = $2`

	var row Row

	err := r.conn.QueryRowContext(ctx, q, runID, rowID).Scan(
		&row.RowID, &row.RunID, &row.SourceNodeID, &row.RowIndex, &row.SourceDataHash, &row.PayloadRef, &row.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return Row{}, fmt.Errorf("landscape: row %s not found: %w", rowID, err)
		}

		return Row{}, fmt.Errorf("landscape: query row: %w", err)
	}

	return row, nil
}

func (r *Recorder) soleTerminalToken(ctx context.Context, rowID string) (string, error) {
	const q = `SELECT t.token_id FROM tokens t
		JOIN token_outcomes o ON o.token_id = t.token_id
		WHERE t.row_id = $1 AND o.is_terminal = true
		ORDER BY o.created_at, t.token_id`

	rows, err := r.conn.QueryContext(ctx, q, rowID)
	if err != nil {
		return "", fmt.Errorf("landscape: query terminal tokens: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("landscape: scan terminal token: %w", err)
		}

		ids = append(ids, id)
	}

	switch len(ids) {
	case 0:
		return "", fmt.Errorf("landscape: row %s has no terminal token", rowID)
	case 1:
		return ids[0], nil
	default:
		return "", ErrAmbiguousRow
	}
}

// TokenForSink resolves the token that visited sinkNodeID for rowID,
// letting a caller disambiguate ExplainRow when a row forked or expanded
// into more than one token.
func (r *Recorder) TokenForSink(ctx context.Context, rowID, sinkNodeID string) (string, error) {
	const q = `SELECT DISTINCT t.token_id FROM tokens t
		JOIN node_states ns ON ns.token_id = t.token_id
		WHERE t.row_id = $1 AND ns.node_id = $2`

	rows, err := r.conn.QueryContext(ctx, q, rowID, sinkNodeID)
	if err != nil {
		return "", fmt.Errorf("landscape: query token for sink: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("landscape: scan token for sink: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", fmt.Errorf("landscape: row %s never reached sink %s", rowID, sinkNodeID)
	case 1:
		return ids[0], nil
	default:
		return "", ErrAmbiguousRow
	}
}

// GetNodeStatesForToken returns a token's states ordered by
// (step_index, attempt).
func (r *Recorder) GetNodeStatesForToken(ctx context.Context, tokenID string) ([]NodeState, error) {
	const q = `SELECT state_id, token_id, node_id, step_index, attempt, status, input_hash, started_at,
		output_hash, completed_at, duration_ms, error_json, context_before_json, context_after_json
		FROM node_states WHERE token_id = $1 ORDER BY step_index, attempt`

	rows, err := r.conn.QueryContext(ctx, q, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: query node states: %w", err)
	}
	defer rows.Close()

	var states []NodeState

	for rows.Next() {
		var (
			s   NodeState
			raw string
		)

		if err := rows.Scan(&s.StateID, &s.TokenID, &s.NodeID, &s.StepIndex, &s.Attempt, &raw, &s.InputHash, &s.StartedAt,
			&s.OutputHash, &s.CompletedAt, &s.DurationMS, &s.ErrorJSON, &s.ContextBeforeJSON, &s.ContextAfterJSON); err != nil {
			return nil, fmt.Errorf("landscape: scan node state: %w", err)
		}

		status, err := coerceNodeStateStatus(raw)
		if err != nil {
			return nil, err
		}

		s.Status = status
		states = append(states, s)
	}

	return states, rows.Err()
}

// GetTokenParents returns the parent links for a child token, ordered by
// ordinal.
func (r *Recorder) GetTokenParents(ctx context.Context, childTokenID string) ([]TokenParent, error) {
	const q = `SELECT child_token_id, parent_token_id, ordinal FROM token_parents WHERE child_token_id = $1 ORDER BY ordinal`

	rows, err := r.conn.QueryContext(ctx, q, childTokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: query token parents: %w", err)
	}
	defer rows.Close()

	var parents []TokenParent

	for rows.Next() {
		var p TokenParent
		if err := rows.Scan(&p.ChildTokenID, &p.ParentTokenID, &p.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: scan token parent: %w", err)
		}

		parents = append(parents, p)
	}

	sort.Slice(parents, func(i, j int) bool { return parents[i].Ordinal < parents[j].Ordinal })

	return parents, rows.Err()
}

func (r *Recorder) routingEventsForState(ctx context.Context, stateID string) ([]RoutingEvent, error) {
	const q = `SELECT event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_hash, created_at
		FROM routing_events WHERE state_id = $1 ORDER BY ordinal`

	rows, err := r.conn.QueryContext(ctx, q, stateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: query routing events: %w", err)
	}
	defer rows.Close()

	var events []RoutingEvent

	for rows.Next() {
		var (
			ev  RoutingEvent
			raw string
		)

		if err := rows.Scan(&ev.EventID, &ev.StateID, &ev.EdgeID, &ev.RoutingGroupID, &ev.Ordinal, &raw, &ev.ReasonHash, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan routing event: %w", err)
		}

		mode, err := coerceRoutingMode(raw)
		if err != nil {
			return nil, err
		}

		ev.Mode = mode
		events = append(events, ev)
	}

	return events, rows.Err()
}

func (r *Recorder) callsForState(ctx context.Context, stateID string) ([]Call, error) {
	const q = `SELECT call_id, state_id, call_type, status, request_hash, request_payload_ref, response_payload_ref, latency_ms, error_json, created_at
		FROM calls WHERE state_id = $1 ORDER BY created_at, call_id`

	rows, err := r.conn.QueryContext(ctx, q, stateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: query calls: %w", err)
	}
	defer rows.Close()

	var calls []Call

	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.CallID, &c.StateID, &c.CallType, &c.Status, &c.RequestHash, &c.RequestPayloadRef, &c.ResponsePayloadRef, &c.LatencyMS, &c.ErrorJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan call: %w", err)
		}

		calls = append(calls, c)
	}

	return calls, rows.Err()
}

func (r *Recorder) validationErrorsForRow(ctx context.Context, rowHash string) ([]ValidationErrorRecord, error) {
	const q = `SELECT error_id, run_id, node_id, row_hash, row_data_json, reason_json, created_at
		FROM validation_errors WHERE row_hash = $1 ORDER BY created_at, error_id`

	rows, err := r.conn.QueryContext(ctx, q, rowHash)
	if err != nil {
		return nil, fmt.Errorf("landscape: query validation errors: %w", err)
	}
	defer rows.Close()

	var errs []ValidationErrorRecord

	for rows.Next() {
		var e ValidationErrorRecord
		if err := rows.Scan(&e.ErrorID, &e.RunID, &e.NodeID, &e.RowHash, &e.RowDataJSON, &e.ReasonJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan validation error: %w", err)
		}

		errs = append(errs, e)
	}

	return errs, rows.Err()
}

func (r *Recorder) transformErrorsForToken(ctx context.Context, tokenID string) ([]TransformErrorRecord, error) {
	const q = `SELECT error_id, run_id, token_id, node_id, row_data_json, reason_json, created_at
		FROM transform_errors WHERE token_id = $1 ORDER BY created_at, error_id`

	rows, err := r.conn.QueryContext(ctx, q, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: query transform errors: %w", err)
	}
	defer rows.Close()

	var errs []TransformErrorRecord

	for rows.Next() {
		var e TransformErrorRecord
		if err := rows.Scan(&e.ErrorID, &e.RunID, &e.TokenID, &e.NodeID, &e.RowDataJSON, &e.ReasonJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan transform error: %w", err)
		}

		errs = append(errs, e)
	}

	return errs, rows.Err()
}

func (r *Recorder) outcomeForToken(ctx context.Context, tokenID string) (*TokenOutcome, error) {
	const q = `SELECT token_id, status, is_terminal, reason_json, created_at FROM token_outcomes
		WHERE token_id = $1 AND is_terminal = true ORDER BY created_at DESC LIMIT 1`

	var (
		o   TokenOutcome
		raw string
	)

	err := r.conn.QueryRowContext(ctx, q, tokenID).Scan(&o.TokenID, &raw, &o.IsTerminal, &o.ReasonJSON, &o.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("landscape: query token outcome: %w", err)
	}

	status, err := coerceTokenOutcomeStatus(raw)
	if err != nil {
		return nil, err
	}

	o.Status = status

	return &o, nil
}
