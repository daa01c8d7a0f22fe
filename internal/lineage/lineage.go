// Package lineage answers "what happened to this row" for offline audit
// review (spec.md §4.12). It holds no storage logic of its own: it resolves
// which token a caller means, then delegates the actual projection to
// landscape.Recorder's explain helpers, the same way the teacher's
// correlation.Store sits as a read-only query surface in front of
// storage.LineageStore rather than duplicating its SQL.
package lineage

import (
	"context"

	"github.com/correlator-io/elspeth/internal/landscape"
)

// ErrAmbiguousRow re-exports landscape's row-ambiguity sentinel so callers
// of this package don't need to import landscape directly.
var ErrAmbiguousRow = landscape.ErrAmbiguousRow

// RowLineage is landscape's hierarchical read-side projection of a row's
// journey through a run.
type RowLineage = landscape.RowLineage

// Explainer answers lineage queries for one run's landscape. It never
// writes.
type Explainer struct {
	rec *landscape.Recorder
}

// NewExplainer builds an Explainer over rec.
func NewExplainer(rec *landscape.Recorder) *Explainer {
	return &Explainer{rec: rec}
}

// ExplainRow assembles rowID's full lineage. sinkNodeID disambiguates which
// token's path to follow when the row forked or expanded into more than
// one token; pass "" when the row is known to have produced exactly one
// terminal token, in which case an actual ambiguity still surfaces as
// ErrAmbiguousRow.
func (e *Explainer) ExplainRow(ctx context.Context, runID, rowID, sinkNodeID string) (RowLineage, error) {
	tokenID := ""

	if sinkNodeID != "" {
		resolved, err := e.rec.TokenForSink(ctx, rowID, sinkNodeID)
		if err != nil {
			return RowLineage{}, err
		}

		tokenID = resolved
	}

	return e.rec.ExplainRow(ctx, runID, rowID, tokenID)
}
