// Package token is a thin wrapper around the landscape recorder that
// maintains row and token identity across fork, coalesce, and expand
// so that every plugin sees a consistent in-memory view while the
// recorder owns the durable hashes and parent links.
package token

import (
	"context"
	"fmt"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/landscape"
)

// Info is the in-memory value plugins pass around: live row data plus the
// identifiers the recorder assigned it. BranchName is empty for the
// original token and set to the branch label on forked children.
type Info struct {
	RunID      string
	RowID      string
	TokenID    string
	RowData    canonical.Value
	BranchName string
}

// Manager wraps a *landscape.Recorder to keep Info values in sync with the
// rows, tokens, and token_parents rows the recorder writes.
type Manager struct {
	rec *landscape.Recorder
}

// NewManager builds a token manager over rec.
func NewManager(rec *landscape.Recorder) *Manager {
	return &Manager{rec: rec}
}

// CreateInitialToken records a new row at its source node and the single
// token that represents it entering the pipeline.
func (m *Manager) CreateInitialToken(ctx context.Context, runID, sourceNodeID string, rowIndex int64, rowData canonical.Value) (Info, error) {
	row, err := m.rec.CreateRow(ctx, runID, sourceNodeID, rowIndex, rowData)
	if err != nil {
		return Info{}, fmt.Errorf("token: create row: %w", err)
	}

	tok, err := m.rec.CreateToken(ctx, runID, row.RowID, 0)
	if err != nil {
		return Info{}, fmt.Errorf("token: create token: %w", err)
	}

	return Info{RunID: runID, RowID: row.RowID, TokenID: tok.TokenID, RowData: rowData}, nil
}

// ForkToken splits parent into one child per branch, each carrying the same
// row data but tagged with its branch name. Children share a fork group and
// arrive in the FIFO order branches lists them.
func (m *Manager) ForkToken(ctx context.Context, parent Info, branches []string, step int) ([]Info, error) {
	parentTok := landscape.Token{TokenID: parent.TokenID, RunID: parent.RunID, RowID: parent.RowID}

	children, err := m.rec.ForkToken(ctx, parentTok, branches, step)
	if err != nil {
		return nil, fmt.Errorf("token: fork: %w", err)
	}

	out := make([]Info, len(children))
	for i, c := range children {
		out[i] = Info{RunID: parent.RunID, RowID: parent.RowID, TokenID: c.TokenID, RowData: parent.RowData, BranchName: branches[i]}
	}

	return out, nil
}

// Coalesce merges parents into a single child token carrying mergedData,
// the result of the coalesce executor's merge strategy.
func (m *Manager) Coalesce(ctx context.Context, parents []Info, mergedData canonical.Value, step int) (Info, error) {
	if len(parents) == 0 {
		return Info{}, fmt.Errorf("token: coalesce requires at least one parent")
	}

	parentToks := make([]landscape.Token, len(parents))
	for i, p := range parents {
		parentToks[i] = landscape.Token{TokenID: p.TokenID, RunID: p.RunID, RowID: p.RowID}
	}

	child, err := m.rec.CoalesceTokens(ctx, parentToks, parents[0].RowID, step)
	if err != nil {
		return Info{}, fmt.Errorf("token: coalesce: %w", err)
	}

	return Info{RunID: parents[0].RunID, RowID: parents[0].RowID, TokenID: child.TokenID, RowData: mergedData}, nil
}

// Expand produces count children from parent, used by aggregations and
// batch transforms that turn one row into several.
func (m *Manager) Expand(ctx context.Context, parent Info, count, step int) ([]Info, error) {
	parentTok := landscape.Token{TokenID: parent.TokenID, RunID: parent.RunID, RowID: parent.RowID}

	children, err := m.rec.ExpandToken(ctx, parentTok, count, step)
	if err != nil {
		return nil, fmt.Errorf("token: expand: %w", err)
	}

	out := make([]Info, len(children))
	for i, c := range children {
		out[i] = Info{RunID: parent.RunID, RowID: parent.RowID, TokenID: c.TokenID, RowData: parent.RowData}
	}

	return out, nil
}

// FromRecorded builds an Info for a token the recorder already holds,
// used when resuming a run or replaying audit history rather than creating
// new identity.
func FromRecorded(runID, rowID, tokenID string, rowData canonical.Value, branchName string) Info {
	return Info{RunID: runID, RowID: rowID, TokenID: tokenID, RowData: rowData, BranchName: branchName}
}
