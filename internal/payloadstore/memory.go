package payloadstore

import (
	"context"
	"sync"

	"github.com/correlator-io/elspeth/internal/canonical"
)

// MemoryStore is an in-memory Store used by unit tests, mirroring the
// teacher's split between a fast in-memory key store and a durable
// filesystem/DB-backed one (internal/storage/memory_key_store.go).
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Store(_ context.Context, b []byte) (string, error) {
	hash := canonical.HashBytes(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[hash]; !ok {
		cp := make([]byte, len(b))
		copy(cp, b)
		s.blobs[hash] = cp
	}

	return hash, nil
}

func (s *MemoryStore) Retrieve(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.blobs[hash]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	if canonical.HashBytes(b) != hash {
		return nil, ErrIntegrity
	}

	cp := make([]byte, len(b))
	copy(cp, b)

	return cp, nil
}

func (s *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	_, ok := s.blobs[hash]
	s.mu.RUnlock()

	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	delete(s.blobs, hash)
	s.mu.Unlock()

	return nil
}
