package coalesce

import (
	"errors"
	"fmt"

	"github.com/correlator-io/elspeth/internal/canonical"
)

// merge combines arrived's branch data per strategy. arrived is in arrival
// order, which union relies on for its last-writer-wins semantics.
func merge(strategy MergeStrategy, selectBranch string, arrived []arrival) (canonical.Value, error) {
	switch strategy {
	case MergeUnion:
		return mergeUnion(arrived), nil
	case MergeNested:
		return mergeNested(arrived), nil
	case MergeSelect:
		return mergeSelect(selectBranch, arrived)
	default:
		return nil, fmt.Errorf("coalesce: unknown merge strategy %q", strategy)
	}
}

func mergeUnion(arrived []arrival) canonical.Value {
	out := make(map[string]canonical.Value)

	for _, a := range arrived {
		obj, ok := a.tok.RowData.(map[string]canonical.Value)
		if !ok {
			continue
		}

		for k, v := range obj {
			out[k] = v
		}
	}

	return out
}

func mergeNested(arrived []arrival) canonical.Value {
	out := make(map[string]canonical.Value, len(arrived))
	for _, a := range arrived {
		out[a.branch] = a.tok.RowData
	}

	return out
}

func mergeSelect(selectBranch string, arrived []arrival) (canonical.Value, error) {
	for _, a := range arrived {
		if a.branch == selectBranch {
			return a.tok.RowData, nil
		}
	}

	return nil, fmt.Errorf("coalesce: %w", errSelectBranchNotArrived)
}

var errSelectBranchNotArrived = errors.New(ReasonSelectBranchNotArrived)
