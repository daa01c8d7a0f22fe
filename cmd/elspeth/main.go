// Package main is the ELSPETH engine's process entrypoint: it loads
// landscape and payload-store configuration from the environment, wires a
// run's graph and plugin instances, drives orchestrator.Run to completion,
// and maps the outcome to the process exit codes in spec.md §6 (0 success,
// 1 error, 3 graceful shutdown).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/config"
	"github.com/correlator-io/elspeth/internal/elspetherr"
	"github.com/correlator-io/elspeth/internal/graph"
	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/landscape/journal"
	"github.com/correlator-io/elspeth/internal/orchestrator"
	"github.com/correlator-io/elspeth/internal/payloadstore"
	"github.com/correlator-io/elspeth/internal/plugin"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "elspeth"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		slog.Info("version", slog.String("service", name), slog.String("version", version))
		os.Exit(0)
	}

	landscapeCfg := landscape.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("ELSPETH_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("starting elspeth run", slog.String("service", name), slog.String("version", version))

	os.Exit(run(logger, landscapeCfg))
}

// run wires the landscape connection, payload store, graph, and plugin
// instances, then drives one end-to-end execution. It returns the process
// exit code rather than calling os.Exit directly so the deferred cleanup
// (connection close, journal close) always runs.
func run(logger *slog.Logger, landscapeCfg *landscape.Config) int {
	conn, err := landscape.NewConnection(landscapeCfg)
	if err != nil {
		logger.Error("failed to connect to landscape database", slog.String("error", err.Error()))

		return 1
	}
	defer conn.Close()

	store, err := buildPayloadStore()
	if err != nil {
		logger.Error("failed to build payload store", slog.String("error", err.Error()))

		return 1
	}

	var jrnl landscape.Journal

	if landscapeCfg.JournalPath != "" {
		fj, err := journal.NewFileJournal(landscapeCfg.JournalPath)
		if err != nil {
			logger.Error("failed to open journal", slog.String("error", err.Error()))

			return 1
		}
		defer fj.Close()

		jrnl = fj
	}

	landscape.WarnJournalUnsafeIfEncrypted(landscapeCfg, jrnl != nil, logger)

	rec := landscape.NewRecorder(conn, store, jrnl, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, cfg, plugins, settings, secrets, err := buildGraph()
	if err != nil {
		logger.Error("failed to build run graph", slog.String("error", err.Error()))

		return 1
	}

	result, runErr := orchestrator.Run(ctx, cfg, g, rec, store, settings, secrets, plugins, logger)

	logger.Info("run finished",
		slog.String("run_id", result.RunID),
		slog.String("status", result.Status),
		slog.Int64("rows_processed", result.RowsProcessed),
		slog.String("grade", result.Grade),
	)

	code := elspetherr.ExitCode(runErr)
	if runErr != nil && code != 3 {
		logger.Error("run failed", slog.String("error", runErr.Error()))
	}

	return code
}

// buildPayloadStore selects the payload store backend from
// ELSPETH_PAYLOADSTORE_BACKEND ("filesystem" or "memory", default
// "filesystem") per spec.md §4.2. ELSPETH_PAYLOADSTORE_MAX_BYTES, when
// positive, caps the filesystem backend's blob size (0 or unset leaves it
// unlimited).
func buildPayloadStore() (payloadstore.Store, error) {
	backend := config.GetEnvStr("ELSPETH_PAYLOADSTORE_BACKEND", "filesystem")

	switch backend {
	case "memory":
		return payloadstore.NewMemoryStore(), nil
	case "filesystem":
		base := config.GetEnvStr("ELSPETH_PAYLOADSTORE_PATH", "./data/payloads")
		maxBytes := config.GetEnvInt64("ELSPETH_PAYLOADSTORE_MAX_BYTES", 0)

		store, err := payloadstore.NewFilesystemStore(base)
		if err != nil {
			return nil, err
		}

		return store.WithMaxBytes(maxBytes), nil
	default:
		return nil, errors.New("elspeth: unknown ELSPETH_PAYLOADSTORE_BACKEND " + backend)
	}
}

// buildGraph assembles the graph, plugin instances, and run settings for
// one execution. Real deployments replace this function with one that
// wires the concrete source, transform, and sink plugins their pipeline
// needs (spec.md §1 scopes plugin implementations out of this module); the
// graph below is the minimal wiring this repo can build on its own — a
// single source-to-sink passthrough fed by plugin.NullSource, useful for
// verifying database connectivity and migrations without any external
// plugin.
func buildGraph() (*graph.Graph, orchestrator.Config, orchestrator.Plugins, orchestrator.Settings, []orchestrator.SecretResolution, error) {
	build := graph.BuildConfig{
		Source:      graph.SourceSpec{ID: "source", PluginName: "null"},
		Sinks:       []graph.SinkSpec{{ID: "sink", PluginName: "discard"}},
		DefaultSink: "sink",
	}

	g, err := graph.FromPluginInstances(build)
	if err != nil {
		return nil, orchestrator.Config{}, orchestrator.Plugins{}, orchestrator.Settings{}, nil, err
	}

	if err := g.Validate(); err != nil {
		return nil, orchestrator.Config{}, orchestrator.Plugins{}, orchestrator.Settings{}, nil, err
	}

	cfg := orchestrator.Config{
		Settings:         map[string]canonical.Value{},
		CanonicalVersion: "v1",
		NodeMetadata: map[string]orchestrator.NodeMetadata{
			"source": {PluginVersion: "1.0.0", Determinism: landscape.DeterminismDeterministic},
			"sink":   {PluginVersion: "1.0.0", Determinism: landscape.DeterminismIOWrite},
		},
	}

	plugins := orchestrator.Plugins{
		Source: plugin.NewNullSource(),
		Sinks:  map[string]plugin.Sink{"sink": discardSink{}},
	}

	settings := orchestrator.Settings{
		ErrorSinkID: "sink",
	}

	return g, cfg, plugins, settings, nil, nil
}

// discardSink satisfies plugin.Sink by dropping every row it's given. It
// exists only so buildGraph's default wiring compiles and runs end to end
// without any external plugin; a real deployment's sink replaces it.
type discardSink struct{}

func (discardSink) Write(context.Context, plugin.Row) error { return nil }
func (discardSink) Close() error                            { return nil }
func (discardSink) SupportsResume() bool                    { return false }
func (discardSink) ConfigureForResume(context.Context, []string) error {
	return nil
}
