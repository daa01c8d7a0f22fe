// Package orchestrator drives an end-to-end ELSPETH run: registers the
// execution graph, walks every row from source to sink, and finalizes the
// run's reproducibility grade, per spec.md §4.11.
package orchestrator

import (
	"context"
	"time"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/checkpoint"
	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/token"
)

// Config is the canonical run configuration, hashed and persisted by
// begin_run.
type Config struct {
	Settings         canonical.Value
	CanonicalVersion string
	// NodeMetadata supplies the plugin identity landscape.Node needs for
	// each node ID that graph.Graph itself doesn't carry (plugin version,
	// determinism classification, per-instance config hash).
	NodeMetadata map[string]NodeMetadata
}

// NodeMetadata is one node's plugin identity, recorded alongside its graph
// position when the run registers its topology.
type NodeMetadata struct {
	PluginVersion string
	Determinism   landscape.Determinism
	ConfigHash    string
}

// SecretResolution records one environment-variable lookup made while
// resolving a plugin's configuration, kept for audit completeness per
// spec.md §4.11 step 1.
type SecretResolution struct {
	Name   string
	Source string
}

// Settings carries the per-run tunables the orchestrator needs beyond the
// graph itself: error routing, checkpointing, and shutdown behavior.
type Settings struct {
	ErrorSinkID     string
	ShutdownTimeout time.Duration
	FlushTimeout    time.Duration
	// Checkpoints is optional; when set, Run records a cursor after every
	// row that reaches a terminal sink outcome.
	Checkpoints *checkpoint.Manager
}

// RunResult is what Run returns on completion, interruption, or failure.
type RunResult struct {
	RunID         string
	Status        string
	RowsProcessed int64
	Grade         string
}

// NodeHandler processes one token arriving at one node and is responsible
// for routing it onward (or recording its terminal outcome) before
// returning. branch is the edge label the token arrived on, relevant only
// to coalesce nodes.
type NodeHandler func(ctx context.Context, rt *Runtime, nodeID string, tok token.Info, step int, branch string) error

// Dispatcher holds one NodeHandler per node kind, looked up by the graph
// node a token has just arrived at. Built the way the teacher's
// middleware.Apply composes an []Option chain: each Option registers one
// handler instead of wrapping an http.Handler.
type Dispatcher struct {
	handlers map[graph.NodeKind]NodeHandler
}

// Option registers a NodeHandler for one node kind.
type Option func(*Dispatcher)

// WithHandler overrides the handler used for kind. Tests use this to
// inject fakes; production wiring relies on the defaults NewDispatcher
// installs.
func WithHandler(kind graph.NodeKind, h NodeHandler) Option {
	return func(d *Dispatcher) { d.handlers[kind] = h }
}

// NewDispatcher builds a dispatcher with the default handler set, then
// applies opts in order so later options win.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: map[graph.NodeKind]NodeHandler{
		graph.KindTransform:   transformHandler,
		graph.KindGate:        gateHandler,
		graph.KindAggregation: aggregationHandler,
		graph.KindCoalesce:    coalesceHandler,
		graph.KindSink:        sinkHandler,
	}}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch runs the handler registered for nodeID's kind.
func (d *Dispatcher) Dispatch(ctx context.Context, rt *Runtime, nodeID string, tok token.Info, step int, branch string) error {
	node, ok := rt.graph.Nodes[nodeID]
	if !ok {
		return errUnknownNode(nodeID)
	}

	h, ok := d.handlers[node.Kind]
	if !ok {
		return errUnhandledKind(node.Kind)
	}

	return h(ctx, rt, nodeID, tok, step, branch)
}
