package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/correlator-io/elspeth/internal/elspetherr"
	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/payloadstore"
)

// Run drives one end-to-end ELSPETH execution: it registers the graph's
// topology, pulls every row the source yields, walks each one through the
// graph via Runtime's dispatcher, and finalizes the run's reproducibility
// grade. A cancelled ctx is treated as a graceful-shutdown request: Run
// stops pulling new rows, drains in-flight work, checkpoints, and returns
// a *elspetherr.Typed of KindGracefulShutdown rather than an ordinary
// error.
func Run(ctx context.Context, cfg Config, g *graph.Graph, rec *landscape.Recorder, store payloadstore.Store, settings Settings, secrets []SecretResolution, plugins Plugins, logger *slog.Logger) (RunResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := g.Validate(); err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: invalid graph: %w", err)
	}

	run, err := rec.BeginRun(ctx, cfg.Settings, cfg.CanonicalVersion)
	if err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: begin run: %w", err)
	}

	for _, s := range secrets {
		logger.Info("orchestrator: resolved secret", "name", s.Name, "source", s.Source)
	}

	topoHash, err := g.TopologyHash()
	if err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: compute topology hash: %w", err)
	}

	if err := rec.SetTopologyHash(ctx, run.RunID, topoHash); err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: set topology hash: %w", err)
	}

	edgeIDs, err := registerGraph(ctx, rec, run.RunID, g, cfg.NodeMetadata)
	if err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: register graph: %w", err)
	}

	rt, err := newRuntime(g, rec, store, settings, logger, plugins)
	if err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: build runtime: %w", err)
	}

	rt.edgeIDs = edgeIDs

	sourceEdges := g.EdgesFrom(g.SourceID)
	if len(sourceEdges) != 1 {
		return RunResult{}, fmt.Errorf("orchestrator: source node %q must have exactly one outgoing edge", g.SourceID)
	}

	status, runErr := rt.drive(ctx, run.RunID, sourceEdges[0])

	flushErr := rt.flush(settings)
	if flushErr != nil {
		logger.Warn("orchestrator: flush on shutdown reported errors", "error", flushErr)
	}

	// ctx may already be cancelled by a graceful shutdown; the run's final
	// status still has to be written.
	grade, finalizeErr := rec.FinalizeRun(context.WithoutCancel(ctx), run.RunID, status)
	if finalizeErr != nil {
		return RunResult{}, fmt.Errorf("orchestrator: finalize run: %w", finalizeErr)
	}

	result := RunResult{
		RunID:         run.RunID,
		Status:        string(status),
		RowsProcessed: rt.rowsProcessed,
		Grade:         string(grade),
	}

	if runErr != nil {
		return result, runErr
	}

	return result, nil
}

// drive pulls rows from the source until it's exhausted or ctx is
// cancelled, walking each through the graph starting at sourceEdge. It
// returns the terminal run status and, on graceful shutdown, a typed
// KindGracefulShutdown error.
func (rt *Runtime) drive(ctx context.Context, runID string, sourceEdge graph.Edge) (landscape.RunStatus, error) {
	var rowIndex int64

	for {
		select {
		case <-ctx.Done():
			rt.logger.Info("orchestrator: run interrupted, stopping source intake", "run_id", runID)

			return landscape.RunStatusInterrupted, elspetherr.NewTyped(elspetherr.KindGracefulShutdown,
				"run_interrupted", "context cancelled while pulling rows from source", ctx.Err())
		default:
		}

		row, ok, err := rt.source.Next(ctx)
		if err != nil {
			return landscape.RunStatusFailed, fmt.Errorf("orchestrator: source next: %w", err)
		}

		if !ok {
			return landscape.RunStatusCompleted, nil
		}

		tok, err := rt.tokens.CreateInitialToken(ctx, runID, rt.graph.SourceID, rowIndex, row)
		if err != nil {
			return landscape.RunStatusFailed, fmt.Errorf("orchestrator: create initial token: %w", err)
		}

		rowIndex++

		if err := rt.walk(ctx, sourceEdge.To, tok, 1, sourceEdge.Label); err != nil {
			var typed *elspetherr.Typed
			if elspetherr.As(err, &typed) && typed.Kind.Fatal() {
				return landscape.RunStatusFailed, err
			}

			rt.logger.Warn("orchestrator: row failed", "error", err, "row_id", tok.RowID)
		}
	}
}

// flush drains every source of in-flight work once the main loop stops:
// pending coalesce joins resolve per their policy, batch adapters wait out
// their outstanding rows, plugin instances close, and the checkpoint
// manager's interval goroutine (if any) stops.
func (rt *Runtime) flush(settings Settings) error {
	var errs []error

	stepMap := make(map[string]int)
	for nodeID, name := range rt.coalesceNames {
		_ = nodeID
		stepMap[name] = 0
	}

	if _, err := rt.coalesceExec.FlushPending(context.Background(), stepMap); err != nil {
		errs = append(errs, fmt.Errorf("flush coalesce: %w", err))
	}

	for nodeID, adapter := range rt.batchAdapters {
		if err := adapter.FlushBatchProcessing(settings.FlushTimeout); err != nil {
			errs = append(errs, fmt.Errorf("flush batch adapter %q: %w", nodeID, err))
		}

		if err := adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close batch adapter %q: %w", nodeID, err))
		}
	}

	for nodeID, sink := range rt.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %q: %w", nodeID, err))
		}
	}

	if err := rt.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}

	if settings.Checkpoints != nil {
		if err := settings.Checkpoints.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint manager: %w", err))
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("orchestrator: %d error(s) during flush: %v", len(errs), errs)
}
