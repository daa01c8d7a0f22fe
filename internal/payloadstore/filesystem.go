package payloadstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/correlator-io/elspeth/internal/canonical"
)

const shardPrefixLen = 2

// FilesystemStore is the production Store backend: blobs are sharded under
// base/<first-2-hex>/<full-hash>, mirroring spec.md §6's directory layout.
type FilesystemStore struct {
	base     string
	maxBytes int64 // 0 means unlimited
}

// NewFilesystemStore creates a store rooted at base, creating the directory
// if it does not already exist.
func NewFilesystemStore(base string) (*FilesystemStore, error) {
	if err := os.MkdirAll(base, 0o750); err != nil {
		return nil, fmt.Errorf("payloadstore: create base dir: %w", err)
	}

	return &FilesystemStore{base: base}, nil
}

// WithMaxBytes caps every subsequent Store call at maxBytes, rejecting
// larger payloads with ErrPayloadTooLarge. maxBytes <= 0 leaves the store
// unlimited.
func (s *FilesystemStore) WithMaxBytes(maxBytes int64) *FilesystemStore {
	s.maxBytes = maxBytes

	return s
}

func (s *FilesystemStore) pathFor(hash string) string {
	return filepath.Join(s.base, hash[:shardPrefixLen], hash)
}

func (s *FilesystemStore) Store(_ context.Context, b []byte) (string, error) {
	if s.maxBytes > 0 && int64(len(b)) > s.maxBytes {
		return "", ErrPayloadTooLarge
	}

	hash := canonical.HashBytes(b)
	path := s.pathFor(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil // identical content already stored, no duplicate write
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("payloadstore: create shard dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return "", fmt.Errorf("payloadstore: write blob: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("payloadstore: finalize blob: %w", err)
	}

	return hash, nil
}

func (s *FilesystemStore) Retrieve(_ context.Context, hash string) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("payloadstore: read blob: %w", err)
	}

	if canonical.HashBytes(b) != hash {
		return nil, ErrIntegrity
	}

	return b, nil
}

func (s *FilesystemStore) Exists(_ context.Context, hash string) (bool, error) {
	_, err := os.Stat(s.pathFor(hash))
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, fmt.Errorf("payloadstore: stat blob: %w", err)
}

func (s *FilesystemStore) Delete(_ context.Context, hash string) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payloadstore: delete blob: %w", err)
	}

	return nil
}
