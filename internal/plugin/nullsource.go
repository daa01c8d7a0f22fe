package plugin

import "context"

// NullSource yields nothing. cmd/elspeth's passthrough graph uses it as
// its source; no resume path in this module substitutes it for a run's
// original source.
type NullSource struct{}

// NewNullSource builds a source that immediately signals end of input.
func NewNullSource() *NullSource { return &NullSource{} }

func (NullSource) Next(ctx context.Context) (Row, bool, error) { return nil, false, nil }

func (NullSource) Close() error { return nil }
