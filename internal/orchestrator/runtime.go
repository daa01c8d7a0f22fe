package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/correlator-io/elspeth/internal/batch"
	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/checkpoint"
	"github.com/correlator-io/elspeth/internal/coalesce"
	"github.com/correlator-io/elspeth/internal/gate"
	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/payloadstore"
	"github.com/correlator-io/elspeth/internal/plugin"
	"github.com/correlator-io/elspeth/internal/token"
)

// Runtime is the live wiring one Run call walks: the validated graph, the
// recorder, and every plugin instance keyed by the node ID it was
// registered under.
type Runtime struct {
	graph        *graph.Graph
	rec          *landscape.Recorder
	tokens       *token.Manager
	payloadStore payloadstore.Store
	coalesceExec *coalesce.Executor
	dispatcher   *Dispatcher
	logger       *slog.Logger

	settings Settings

	source plugin.Source

	transforms    map[string]plugin.Transform
	batchAdapters map[string]*batch.Adapter
	batchClients  map[string]*batch.ClientCache
	batchPlugins  map[string]plugin.BatchTransform
	gates         map[string]*gate.Gate
	aggregations  map[string]plugin.Aggregation
	sinks         map[string]plugin.Sink
	coalesceNames map[string]string // nodeID -> coalesce.Spec.Name

	edgeIDs map[string]string // "fromNodeID|label" -> registered landscape edge_id

	rowsProcessed int64
}

// Plugins is the set of concrete plugin instances a Run call wires into
// the graph, keyed by node ID. Exactly one of Transforms or
// BatchTransforms should claim a given transform node's ID.
type Plugins struct {
	Source         plugin.Source
	Transforms     map[string]plugin.Transform
	BatchTransform map[string]BatchTransformSpec
	Gates          map[string]*gate.Gate
	Aggregations   map[string]plugin.Aggregation
	Sinks          map[string]plugin.Sink
	Coalesce       []coalesce.Spec
}

// BatchTransformSpec pairs a batch-aware transform's plugin with the
// adapter configuration governing its concurrency and retry behavior.
type BatchTransformSpec struct {
	Plugin plugin.BatchTransform
	Config batch.Config
	// MaxPending is passed to the adapter's ConnectOutput: the capacity of
	// its submission queue and result channel. It does not cap rows already
	// running on a worker or waiting in the reorder buffer.
	MaxPending int
}

func newRuntime(g *graph.Graph, rec *landscape.Recorder, store payloadstore.Store, settings Settings, logger *slog.Logger, plugins Plugins) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{
		graph:         g,
		rec:           rec,
		tokens:        token.NewManager(rec),
		payloadStore:  store,
		coalesceExec:  coalesce.NewExecutor(rec, token.NewManager(rec)),
		logger:        logger,
		settings:      settings,
		source:        plugins.Source,
		transforms:    plugins.Transforms,
		gates:         plugins.Gates,
		aggregations:  plugins.Aggregations,
		sinks:         plugins.Sinks,
		batchAdapters: make(map[string]*batch.Adapter),
		batchClients:  make(map[string]*batch.ClientCache),
		batchPlugins:  make(map[string]plugin.BatchTransform),
		edgeIDs:       make(map[string]string),
		coalesceNames: make(map[string]string),
	}

	rt.dispatcher = NewDispatcher()

	for _, spec := range plugins.Coalesce {
		rt.coalesceExec.Register(spec)
		rt.coalesceNames[spec.NodeID] = spec.Name
	}

	for nodeID, bt := range plugins.BatchTransform {
		rt.batchClients[nodeID] = batch.NewClientCache()
		rt.batchPlugins[nodeID] = bt.Plugin

		adapter := batch.NewAdapter(bt.Config, rt.makeBatchProcess(nodeID), nil)
		adapter.ConnectOutput(&batchPort{rt: rt, nodeID: nodeID}, bt.MaxPending)

		if err := adapter.OnStart(context.Background()); err != nil {
			return nil, fmt.Errorf("orchestrator: start batch adapter for node %q: %w", nodeID, err)
		}

		rt.batchAdapters[nodeID] = adapter
	}

	return rt, nil
}

// makeBatchProcess builds the batch.ProcessFunc for nodeID's registered
// plugin: one client per process call, cached under the row's token ID and
// released when the call returns, so each retry attempt builds a new one.
func (rt *Runtime) makeBatchProcess(nodeID string) func(ctx context.Context, tok token.Info, stateID string) (canonical.Value, error) {
	bt := rt.batchPlugins[nodeID]
	cache := rt.batchClients[nodeID]

	return func(ctx context.Context, tok token.Info, stateID string) (canonical.Value, error) {
		client := cache.GetOrCreate(tok.TokenID, func() any {
			c, err := bt.NewClient(ctx)
			if err != nil {
				return nil
			}

			return c
		})
		defer cache.Release(tok.TokenID)

		if client == nil {
			return nil, fmt.Errorf("orchestrator: new client for batch node %q failed", nodeID)
		}

		return bt.Apply(ctx, client, tok.RowData)
	}
}

func (rt *Runtime) edgeID(fromNodeID, label string) string {
	return rt.edgeIDs[fromNodeID+"|"+label]
}

func (rt *Runtime) incrementRowsProcessed() {
	atomic.AddInt64(&rt.rowsProcessed, 1)
}

// checkpointAfter records tok's completion as a resumable cursor, when the
// run has checkpointing configured.
func (rt *Runtime) checkpointAfter(ctx context.Context, nodeID string, tok token.Info, step int) {
	if rt.settings.Checkpoints == nil {
		return
	}

	seq := atomic.LoadInt64(&rt.rowsProcessed)

	cursor := checkpoint.Cursor{
		RunID:          tok.RunID,
		TokenID:        tok.TokenID,
		NodeID:         nodeID,
		StepIndex:      step,
		SequenceNumber: seq,
	}

	if err := rt.settings.Checkpoints.Record(ctx, cursor); err != nil {
		rt.logger.Warn("orchestrator: checkpoint record failed", "error", err, "token_id", tok.TokenID)
	}
}

// walk dispatches tok to nodeID's handler. step is the node-state step
// index; branch is the edge label tok arrived on (meaningful only at
// coalesce nodes).
func (rt *Runtime) walk(ctx context.Context, nodeID string, tok token.Info, step int, branch string) error {
	return rt.dispatcher.Dispatch(ctx, rt, nodeID, tok, step, branch)
}

// advance moves tok to the single outgoing "continue" edge of fromNodeID
// — the shape every transform, aggregation, and coalesce node has per
// graph.FromPluginInstances.
func (rt *Runtime) advance(ctx context.Context, fromNodeID string, tok token.Info, step int) error {
	edges := rt.graph.EdgesFrom(fromNodeID)
	if len(edges) != 1 {
		return fmt.Errorf("orchestrator: node %q must have exactly one outgoing edge to advance through, has %d", fromNodeID, len(edges))
	}

	return rt.walk(ctx, edges[0].To, tok, step+1, edges[0].Label)
}
