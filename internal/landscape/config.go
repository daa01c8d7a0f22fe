package landscape

import (
	"errors"
	"strings"
	"time"

	"github.com/correlator-io/elspeth/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	postgresDriver         = "postgres"
)

// ErrDatabaseURLEmpty is returned when no database URL is configured.
var ErrDatabaseURLEmpty = errors.New("landscape: database URL cannot be empty")

// ErrPassphraseRequired is returned when encryption is enabled without a
// passphrase to derive data keys from.
var ErrPassphraseRequired = errors.New("landscape: encryption enabled but no passphrase configured")

// Config holds the landscape database connection settings, loaded from the
// environment with production-ready defaults (mirrors the teacher's
// internal/storage.Config).
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// JournalPath, when non-empty, mirrors every recorded insert as a
	// newline-delimited JSON object (spec.md §4.3, §6).
	JournalPath string

	// EncryptionEnabled makes Validate require a Passphrase and makes
	// WarnJournalUnsafeIfEncrypted warn about a plaintext journal. The
	// Recorder does not encrypt any column based on it.
	EncryptionEnabled bool

	// Passphrase unlocks the encrypted backend's per-run data keys. Required
	// when EncryptionEnabled is true; ignored otherwise.
	Passphrase string
}

// LoadConfig reads landscape configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		databaseURL:       config.GetEnvStr("LANDSCAPE_DATABASE_URL", ""),
		MaxOpenConns:      config.GetEnvInt("LANDSCAPE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:      config.GetEnvInt("LANDSCAPE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:   config.GetEnvDuration("LANDSCAPE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:   config.GetEnvDuration("LANDSCAPE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		JournalPath:       config.GetEnvStr("LANDSCAPE_JOURNAL_PATH", ""),
		EncryptionEnabled: config.GetEnvBool("LANDSCAPE_ENCRYPTION_ENABLED", false),
		Passphrase:        config.GetEnvStr("LANDSCAPE_ENCRYPTION_PASSPHRASE", ""),
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.EncryptionEnabled && strings.TrimSpace(c.Passphrase) == "" {
		return ErrPassphraseRequired
	}

	return nil
}

// DatabaseURL returns the configured connection string.
func (c *Config) DatabaseURL() string {
	return c.databaseURL
}

// MaskDatabaseURL returns a copy of the database URL with any password
// replaced by "***", safe to include in logs.
func (c *Config) MaskDatabaseURL() string {
	return config.MaskDatabaseURL(c.databaseURL)
}
