// Package checkpoint persists resumable cursors for a run and drives the
// first three steps of the resume sequence described in spec.md §4.10:
// config-hash verification, topology comparison, and resume-point
// determination. It does not substitute a NullSource or switch sinks to
// append mode.
package checkpoint

import "time"

// Trigger selects when the manager writes a cursor.
type Trigger string

const (
	TriggerPerRow   Trigger = "per_row"
	TriggerPerBatch Trigger = "per_batch"
	TriggerInterval Trigger = "interval"
)

// Cursor is the resume position: the last token known to have completed,
// plus whatever in-progress aggregation/coalesce state must be rebuilt on
// resume.
type Cursor struct {
	RunID             string
	TokenID           string
	NodeID            string
	StepIndex         int
	SequenceNumber    int64
	PendingStateJSON  *string
}

// Checkpoint is a persisted cursor.
type Checkpoint struct {
	CheckpointID string
	Cursor
	CreatedAt time.Time
}
