package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

const defaultPingTimeout = 5 * time.Second

// Connection wraps a pooled database handle to the landscape schema.
type Connection struct {
	*sql.DB
}

// NewConnection opens a connection pool per cfg and verifies it with an
// immediate ping, mirroring the teacher's internal/storage.NewConnection.
func NewConnection(cfg *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("landscape: open connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("landscape: health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck pings the database, bounding unset contexts to a short
// timeout so callers never block indefinitely on a dead connection.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), defaultPingTimeout)
		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats reports pool statistics for observability.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back otherwise. Mirrors the teacher's begin/defer-rollback/commit
// shape (internal/storage.LineageStore.StoreEvent) as a reusable helper so
// Recorder call sites that need more than one statement to commit
// atomically don't each hand-roll the same begin/defer/commit boilerplate.
func (c *Connection) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("landscape: begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("landscape: commit transaction: %w", err)
	}

	return nil
}
