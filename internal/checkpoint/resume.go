package checkpoint

import (
	"context"
	"fmt"

	"github.com/correlator-io/elspeth/internal/elspetherr"
	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/landscape"
)

// Plan is what resume determines needs to happen before the orchestrator
// resumes walking the graph: the cursor to pick up from, and every row
// whose token never reached a terminal outcome and must be re-enqueued.
type Plan struct {
	Run          landscape.Run
	Cursor       *Checkpoint
	ReenqueueIDs []string
}

// VerifyConfigHash fails with a typed checkpoint_mismatch error if the new
// run's config hash doesn't match the persisted run's.
func VerifyConfigHash(recorded, current string) error {
	if recorded != current {
		return elspetherr.NewTyped(elspetherr.KindCheckpointMismatch, "config_hash_mismatch",
			fmt.Sprintf("recorded config hash %q does not match current config hash %q", recorded, current), nil)
	}

	return nil
}

// VerifyTopology fails with a typed checkpoint_mismatch error identifying
// the mismatch if g's topology hash differs from the one recorded at the
// start of the original run.
func VerifyTopology(g *graph.Graph, recordedTopologyHash string) error {
	current, err := g.TopologyHash()
	if err != nil {
		return fmt.Errorf("checkpoint: compute topology hash: %w", err)
	}

	if current != recordedTopologyHash {
		return elspetherr.NewTyped(elspetherr.KindCheckpointMismatch, "topology_hash_mismatch",
			fmt.Sprintf("current topology hash %q does not match recorded topology hash %q", current, recordedTopologyHash), nil)
	}

	return nil
}

// Resume implements spec.md §4.10 steps 1-3: load the run, verify its
// config hash and topology hash, and determine the resume point. Steps 4
// and 5 (NullSource substitution and per-sink configure_for_resume) are
// not performed here, and no other package in this module performs them:
// orchestrator.Run always pulls rows from the source it is given.
func Resume(ctx context.Context, rec *landscape.Recorder, mgr *Manager, runID, currentConfigHash string, g *graph.Graph) (Plan, error) {
	run, err := rec.GetRun(ctx, runID)
	if err != nil {
		return Plan{}, fmt.Errorf("checkpoint: load run: %w", err)
	}

	if err := VerifyConfigHash(run.ConfigHash, currentConfigHash); err != nil {
		return Plan{}, err
	}

	if err := VerifyTopology(g, run.TopologyHash); err != nil {
		return Plan{}, err
	}

	cursor, err := mgr.LoadLatest(ctx, runID)
	if err != nil {
		return Plan{}, fmt.Errorf("checkpoint: load cursor: %w", err)
	}

	reenqueue, err := unfinishedRowIDs(ctx, rec, runID)
	if err != nil {
		return Plan{}, err
	}

	return Plan{Run: run, Cursor: cursor, ReenqueueIDs: reenqueue}, nil
}

// unfinishedRowIDs finds every row whose latest token outcome is not
// terminal, per spec.md §4.10 step 3 ("all rows with unfinished terminal
// outcomes are re-enqueued").
func unfinishedRowIDs(ctx context.Context, rec *landscape.Recorder, runID string) ([]string, error) {
	return rec.UnfinishedRowIDs(ctx, runID)
}
