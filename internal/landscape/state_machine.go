package landscape

import "errors"

// Sentinel errors for state transition validation, named after the
// teacher's OpenLineage run-cycle state machine
// (internal/ingestion/lifecycle.go) and reused here for the landscape
// schema's own two state machines: a NodeState's open→completed|failed
// transition, and a token's non-terminal→terminal outcome sequence.
var (
	// ErrTerminalStateImmutable indicates an attempt to transition a
	// node_state row that is already completed or failed.
	ErrTerminalStateImmutable = errors.New("terminal state is immutable")

	// ErrDuplicateTerminalOutcome indicates a token already has a terminal
	// outcome recorded; a token may accept any number of non-terminal
	// outcomes (buffered, consumed_in_batch) but exactly one terminal one.
	ErrDuplicateTerminalOutcome = errors.New("token already has a terminal outcome")
)

// Both guards are enforced directly in the SQL their owning Recorder method
// issues, not as a separate check-then-write call here: a Go-level check
// between a SELECT and an INSERT/UPDATE would race under concurrent writes
// for the same state_id or token_id, where a single conditional statement
// is atomic.
//
// CompleteNodeState/FailNodeState issue "UPDATE ... WHERE status = open";
// zero rows affected means the row was already terminal, reported as
// ErrTerminalStateImmutable.
//
// RecordTokenOutcome issues "INSERT ... SELECT ... WHERE NOT EXISTS
// (terminal outcome already recorded)"; zero rows affected for a terminal
// status means a terminal outcome already exists, reported as
// ErrDuplicateTerminalOutcome.
