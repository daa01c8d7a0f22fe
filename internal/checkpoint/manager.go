package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/elspeth/internal/landscape"
)

// Manager persists cursors on one of three triggers. The interval trigger
// runs a background goroutine shaped after the teacher's idempotency
// cleanup loop: a ticker, a stop channel, a done channel, closed exactly
// once.
type Manager struct {
	conn    *landscape.Connection
	logger  *slog.Logger
	trigger Trigger

	mu        sync.Mutex
	rowCount  int
	batchSize int
	pending   *Cursor

	intervalStop chan struct{}
	intervalDone chan struct{}
	closeOnce    sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithBatchSize sets how many rows accumulate before a per_batch trigger
// writes a checkpoint. Defaults to 1.
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// NewManager builds a checkpoint manager over conn. interval is only
// consulted for TriggerInterval and must be positive in that case.
func NewManager(conn *landscape.Connection, trigger Trigger, interval time.Duration, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if conn == nil {
		return nil, fmt.Errorf("checkpoint: connection is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{conn: conn, logger: logger, trigger: trigger, batchSize: 1}

	for _, opt := range opts {
		opt(m)
	}

	if trigger == TriggerInterval {
		if interval <= 0 {
			return nil, fmt.Errorf("checkpoint: interval trigger requires a positive interval")
		}

		m.intervalStop = make(chan struct{})
		m.intervalDone = make(chan struct{})

		go m.runInterval(interval)
	}

	return m, nil
}

// Record advances the manager's view of progress by one row, writing a
// checkpoint immediately (per_row), after batchSize rows (per_batch), or
// updating the latest-known cursor for the interval goroutine to flush.
func (m *Manager) Record(ctx context.Context, cursor Cursor) error {
	switch m.trigger {
	case TriggerPerRow:
		_, err := m.Write(ctx, cursor)

		return err

	case TriggerPerBatch:
		m.mu.Lock()
		m.rowCount++
		due := m.rowCount >= m.batchSize

		if due {
			m.rowCount = 0
		}
		m.mu.Unlock()

		if due {
			_, err := m.Write(ctx, cursor)

			return err
		}

		return nil

	case TriggerInterval:
		m.mu.Lock()
		c := cursor
		m.pending = &c
		m.mu.Unlock()

		return nil

	default:
		return fmt.Errorf("checkpoint: unknown trigger %q", m.trigger)
	}
}

// Write persists cursor unconditionally, independent of the configured
// trigger. The resume driver and end-of-run finalization use this
// directly.
func (m *Manager) Write(ctx context.Context, cursor Cursor) (Checkpoint, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	const q = `INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id, step_index, sequence_number, pending_state_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := m.conn.ExecContext(ctx, q, id, cursor.RunID, cursor.TokenID, cursor.NodeID, cursor.StepIndex, cursor.SequenceNumber, cursor.PendingStateJSON, now); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: write: %w", err)
	}

	return Checkpoint{CheckpointID: id, Cursor: cursor, CreatedAt: now}, nil
}

// LoadLatest returns the most recently written checkpoint for runID, or
// nil if the run has never checkpointed.
func (m *Manager) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	const q = `SELECT checkpoint_id, run_id, token_id, node_id, step_index, sequence_number, pending_state_json, created_at
		FROM checkpoints
		WHERE run_id = $1
		ORDER BY sequence_number DESC
		LIMIT 1`

	var cp Checkpoint

	err := m.conn.QueryRowContext(ctx, q, runID).Scan(
		&cp.CheckpointID, &cp.Cursor.RunID, &cp.Cursor.TokenID, &cp.Cursor.NodeID,
		&cp.Cursor.StepIndex, &cp.Cursor.SequenceNumber, &cp.Cursor.PendingStateJSON, &cp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("checkpoint: load latest: %w", err)
	}

	return &cp, nil
}

func (m *Manager) runInterval(interval time.Duration) {
	defer close(m.intervalDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.intervalStop:
			return
		case <-ticker.C:
			m.mu.Lock()
			c := m.pending
			m.pending = nil
			m.mu.Unlock()

			if c == nil {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

			if _, err := m.Write(ctx, *c); err != nil {
				m.logger.Warn("checkpoint: interval flush failed", slog.String("error", err.Error()))
			}

			cancel()
		}
	}
}

// Close stops the interval goroutine, if one is running. Safe to call
// multiple times and on non-interval managers.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.intervalStop == nil {
			return
		}

		close(m.intervalStop)

		select {
		case <-m.intervalDone:
		case <-time.After(5 * time.Second):
			m.logger.Warn("checkpoint: interval goroutine did not stop within timeout")
		}
	})

	return nil
}
