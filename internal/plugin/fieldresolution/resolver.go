// Package fieldresolution remaps row field names at resume time, when a
// sink's existing output target was written under field names that no
// longer match the current run's schema. Adapted from internal/aliasing's
// pattern-based dataset URN resolver, repointed from cross-tool dataset
// aliasing to resume-time field remapping.
package fieldresolution

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/config"
)

// DefaultConfigPath is the default location for a sink's field resolution
// file, following the hidden-dotfile convention of config.go's own
// defaults.
const DefaultConfigPath = ".elspeth-fields.yaml"

// ConfigPathEnvVar overrides DefaultConfigPath.
const ConfigPathEnvVar = "ELSPETH_FIELD_RESOLUTION_PATH"

// fileConfig is the on-disk shape of a field resolution file:
//
//	field_resolution:
//	  order_id: orderId
//	  cust_name: customerName
type fileConfig struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	FieldResolution map[string]string `yaml:"field_resolution"`
}

// Resolver maps a current field name to the name it was recorded under in
// an existing output target. A field absent from the mapping passes
// through unchanged.
type Resolver struct {
	mapping map[string]string
}

// NewResolver builds a resolver from mapping, skipping any entry with an
// empty key or value. A nil or empty mapping produces a no-op resolver.
func NewResolver(mapping map[string]string) *Resolver {
	valid := make(map[string]string, len(mapping))

	for from, to := range mapping {
		from = strings.TrimSpace(from)
		to = strings.TrimSpace(to)

		if from == "" || to == "" {
			slog.Warn("fieldresolution: skipping mapping with empty field name", slog.String("from", from), slog.String("to", to))

			continue
		}

		valid[from] = to
	}

	return &Resolver{mapping: valid}
}

// Resolve returns the field name row data should be written under.
func (r *Resolver) Resolve(field string) string {
	if r == nil {
		return field
	}

	if renamed, ok := r.mapping[field]; ok {
		return renamed
	}

	return field
}

// Remap applies Resolve to every top-level key of an object row, leaving
// non-object rows untouched.
func (r *Resolver) Remap(row canonical.Value) canonical.Value {
	obj, ok := row.(map[string]canonical.Value)
	if !ok {
		return row
	}

	out := make(map[string]canonical.Value, len(obj))
	for k, v := range obj {
		out[r.Resolve(k)] = v
	}

	return out
}

// FieldResolvable is implemented by sinks that support resume-time field
// remapping. Nothing in this module type-asserts for it or calls
// SetResumeFieldResolution.
type FieldResolvable interface {
	SetResumeFieldResolution(mapping map[string]string)
}

// LoadResolverFromYAML builds a Resolver from a field_resolution YAML file
// at path. Mirrors internal/aliasing's LoadConfig graceful-degradation
// behavior: a missing file produces a no-op resolver with no error, and
// invalid YAML logs a warning and falls back to a no-op resolver rather
// than failing the run, since field remapping is an optional resume-time
// convenience, not a correctness requirement.
func LoadResolverFromYAML(path string) (*Resolver, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("fieldresolution: config file not found, continuing without remapping", slog.String("path", path))

			return NewResolver(nil), nil
		}

		slog.Warn("fieldresolution: failed to read config file, continuing without remapping",
			slog.String("path", path), slog.String("error", err.Error()))

		return NewResolver(nil), nil
	}

	if len(data) == 0 {
		return NewResolver(nil), nil
	}

	var cfg fileConfig

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Warn("fieldresolution: failed to parse config file, continuing without remapping",
			slog.String("path", path), slog.String("error", err.Error()))

		return NewResolver(nil), nil
	}

	return NewResolver(cfg.FieldResolution), nil
}

// LoadResolverFromEnv loads a Resolver from the first existing path named
// by ConfigPathEnvVar (comma-separated, checked in order), falling back to
// DefaultConfigPath when the variable is unset or none of its entries
// exist on disk.
func LoadResolverFromEnv() (*Resolver, error) {
	candidates := config.ParseCommaSeparatedList(config.GetEnvStr(ConfigPathEnvVar, ""))
	if len(candidates) == 0 {
		candidates = []string{DefaultConfigPath}
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return LoadResolverFromYAML(path)
		}
	}

	return LoadResolverFromYAML(candidates[0])
}
