// Package journal mirrors landscape inserts as a plaintext change log for
// downstream consumers, independent of the primary relational store
// (spec.md §4.3, §6).
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrInvalidCleanupInterval mirrors storage.LineageStore's guard for a
// non-positive flush interval. No function in this package returns it.
var ErrInvalidCleanupInterval = errors.New("journal: flush interval must be greater than zero")

// Entry is one line of the journal: {table, row_id, payload_ref?,
// recorded_at}. Neither Record implementation sets Hash, so it is omitted
// from every line written.
type Entry struct {
	Table      string  `json:"table"`
	RowID      string  `json:"row_id"`
	PayloadRef *string `json:"payload_ref,omitempty"`
	Hash       string  `json:"hash,omitempty"`
	RecordedAt string  `json:"recorded_at"`
}

// FileJournal appends newline-delimited JSON objects to a plaintext file.
// When the landscape database is encrypted, pairing it with a FileJournal
// is a recorder-level misconfiguration (the journal itself carries
// plaintext row data) — landscape.WarnJournalUnsafeIfEncrypted, called from
// cmd/elspeth, logs a warning rather than refusing to start.
type FileJournal struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileJournal opens path for appending, creating it if necessary.
func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	return &FileJournal{file: f}, nil
}

// Record appends one entry as a single JSON line.
func (j *FileJournal) Record(_ context.Context, table, rowID string, payloadRef *string) error {
	entry := Entry{
		Table:      table,
		RowID:      rowID,
		PayloadRef: payloadRef,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}

	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err = j.file.Write(line)

	return err
}

// Close closes the underlying file.
func (j *FileJournal) Close() error {
	return j.file.Close()
}
