// Package plugin declares the interface contracts every ELSPETH plugin
// instance implements. Apart from NullSource, no concrete source, transform,
// or sink lives here —
// those are external collaborators (spec.md §1's Non-goals) — this package
// only has to compile against real engine types and be exercised by
// engine-internal fakes in tests.
package plugin

import (
	"context"

	"github.com/correlator-io/elspeth/internal/canonical"
)

// Row is one record flowing through the pipeline.
type Row = canonical.Value

// Source yields rows one at a time until the underlying data is exhausted.
// Next returns (nil, false, nil) at end of input.
type Source interface {
	Next(ctx context.Context) (row Row, ok bool, err error)
	Close() error
}

// Transform maps one row to one row, synchronously.
type Transform interface {
	Apply(ctx context.Context, row Row) (Row, error)
}

// BatchTransform is a transform whose calls are governed by the
// batch-aware adapter in internal/batch: an external client, cached and
// retried per spec.md §4.7.
type BatchTransform interface {
	NewClient(ctx context.Context) (any, error)
	Apply(ctx context.Context, client any, row Row) (Row, error)
}

// Sink consumes a terminal row. SupportsResume reports whether the sink
// can be switched to append mode for a resumed run; ConfigureForResume
// does the switch and checks the output target's existing schema against
// expected, per spec.md §4.10 step 5.
type Sink interface {
	Write(ctx context.Context, row Row) error
	Close() error
	SupportsResume() bool
	ConfigureForResume(ctx context.Context, expectedFields []string) error
}

// Aggregation buffers rows into a batch and emits a result once the batch
// is ready (size, time, or explicit flush triggered).
type Aggregation interface {
	Add(ctx context.Context, row Row) (ready bool, err error)
	Flush(ctx context.Context) (Row, error)
}
