// Package purge reclaims payload store space without touching audit
// metadata: every hash recorded in the landscape schema remains a
// verifiable fingerprint even after the blob behind it is gone
// (spec.md §4.13).
package purge

import (
	"context"
	"fmt"
	"time"

	"github.com/correlator-io/elspeth/internal/landscape"
	"github.com/correlator-io/elspeth/internal/payloadstore"
)

// Result tallies one Purge call's outcome.
type Result struct {
	// Deleted counts hashes actually removed from the payload store.
	Deleted int
	// Skipped counts hashes already absent from the payload store —
	// purge is idempotent, so re-running it after a partial failure is
	// always safe.
	Skipped int
}

// Manager scans the landscape schema for payload references older than a
// retention window and deletes the corresponding blobs from the payload
// store, leaving every hash in the database untouched.
type Manager struct {
	conn  *landscape.Connection
	store payloadstore.Store
}

// NewManager builds a Manager over conn and store.
func NewManager(conn *landscape.Connection, store payloadstore.Store) *Manager {
	return &Manager{conn: conn, store: store}
}

// FindExpiredPayloadRefs returns the distinct set of payload hashes
// referenced by rows and calls older than retention (routing_events carries
// no payload reference column in the schema, so it contributes nothing to
// scan). It performs no deletions; dryRun exists only to make call sites
// that pass it explicit about intent — Purge itself always calls this
// first.
func (m *Manager) FindExpiredPayloadRefs(ctx context.Context, retention time.Duration, dryRun bool) ([]string, error) {
	_ = dryRun // find is always read-only; kept for the documented signature's symmetry with Purge

	cutoff := time.Now().UTC().Add(-retention)

	hashes := make(map[string]struct{})

	queries := []string{
		`SELECT DISTINCT payload_ref FROM rows WHERE payload_ref IS NOT NULL AND created_at < $1`,
		`SELECT DISTINCT request_payload_ref FROM calls WHERE request_payload_ref IS NOT NULL AND created_at < $1`,
		`SELECT DISTINCT response_payload_ref FROM calls WHERE response_payload_ref IS NOT NULL AND created_at < $1`,
	}

	for _, q := range queries {
		if err := m.collectHashes(ctx, q, cutoff, hashes); err != nil {
			return nil, err
		}
	}

	refs := make([]string, 0, len(hashes))
	for h := range hashes {
		refs = append(refs, h)
	}

	return refs, nil
}

func (m *Manager) collectHashes(ctx context.Context, query string, cutoff time.Time, into map[string]struct{}) error {
	rows, err := m.conn.QueryContext(ctx, query, cutoff)
	if err != nil {
		return fmt.Errorf("purge: scan expired payload refs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return fmt.Errorf("purge: scan payload ref: %w", err)
		}

		into[hash] = struct{}{}
	}

	return rows.Err()
}

// Purge deletes every payload blob referenced by a row or call older than
// retention, including a blob that a newer record also references
// (identical content shares one hash). Deleting an already-missing hash counts as Skipped, not an
// error — purge is safe to re-run after a partial failure or a prior
// run's overlap.
func (m *Manager) Purge(ctx context.Context, retention time.Duration) (Result, error) {
	refs, err := m.FindExpiredPayloadRefs(ctx, retention, false)
	if err != nil {
		return Result{}, err
	}

	var result Result

	for _, hash := range refs {
		existed, err := m.store.Exists(ctx, hash)
		if err != nil {
			return result, fmt.Errorf("purge: check existence of %q: %w", hash, err)
		}

		if !existed {
			result.Skipped++

			continue
		}

		if err := m.store.Delete(ctx, hash); err != nil {
			return result, fmt.Errorf("purge: delete %q: %w", hash, err)
		}

		result.Deleted++
	}

	return result, nil
}
