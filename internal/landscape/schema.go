package landscape

// Table and column names mirror the DDL applied by the elspeth-migrate
// tool (migrations/001_landscape_schema.up.sql). Centralizing them here
// keeps the recorder's hand-written SQL from drifting out of sync with the
// schema it targets.
const (
	tableRuns              = "runs"
	tableNodes             = "nodes"
	tableEdges             = "edges"
	tableRows              = "rows"
	tableTokens            = "tokens"
	tableTokenParents      = "token_parents"
	tableNodeStates        = "node_states"
	tableRoutingEvents     = "routing_events"
	tableTokenOutcomes     = "token_outcomes"
	tableBatches           = "batches"
	tableBatchMembers      = "batch_members"
	tableArtifacts         = "artifacts"
	tableCalls             = "calls"
	tableValidationErrors  = "validation_errors"
	tableTransformErrors   = "transform_errors"
)
