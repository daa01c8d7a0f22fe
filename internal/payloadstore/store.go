// Package payloadstore provides content-addressed blob storage for
// ELSPETH's audit trail (spec.md §4.2, §6).
//
// The recorder never stores payload bytes directly — only their SHA-256
// hash. A Store is the only thing that holds bytes, so purging a retention
// window never touches audit metadata: every hash in the database remains a
// verifiable fingerprint even after its blob is gone.
package payloadstore

import "context"

// Store is the content-addressed blob primitive every backend implements.
type Store interface {
	// Store persists b and returns its SHA-256 hex digest. Storing
	// identical bytes twice returns the same hash without a duplicate
	// write.
	Store(ctx context.Context, b []byte) (hash string, err error)

	// Retrieve returns the bytes for hash. Returns ErrNotFound if hash is
	// unknown, ErrIntegrity if the stored bytes no longer hash to the
	// requested value.
	Retrieve(ctx context.Context, hash string) ([]byte, error)

	// Exists reports whether hash is present without reading the blob.
	Exists(ctx context.Context, hash string) (bool, error)

	// Delete removes hash. Deleting a missing hash is not an error
	// (idempotent per spec.md §4.13).
	Delete(ctx context.Context, hash string) error
}
