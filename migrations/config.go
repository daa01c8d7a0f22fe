package main

import (
	"errors"
	"fmt"

	"github.com/correlator-io/elspeth/internal/config"
)

const defaultMigrationTable = "landscape_schema_migrations"

// Static errors for validation.
var (
	ErrDatabaseURLEmpty    = errors.New("LANDSCAPE_DATABASE_URL cannot be empty")
	ErrMigrationTableEmpty = errors.New("LANDSCAPE_MIGRATION_TABLE cannot be empty")
)

// ToolConfig holds the migration CLI's own configuration, read from the
// same LANDSCAPE_DATABASE_URL the running engine connects with so the
// schema a migration run applies always matches the database a real run
// will open.
type ToolConfig struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table golang-migrate uses to track
	// applied migration versions.
	MigrationTable string
}

// LoadToolConfig loads the migration tool's configuration from the
// environment with sensible defaults.
func LoadToolConfig() (*ToolConfig, error) {
	cfg := &ToolConfig{
		DatabaseURL:    config.GetEnvStr("LANDSCAPE_DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("LANDSCAPE_MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *ToolConfig) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging).
func (c *ToolConfig) String() string {
	return fmt.Sprintf("ToolConfig{DatabaseURL: %s, MigrationTable: %s}",
		config.MaskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}
