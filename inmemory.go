package jobtracker

import (
	"context"
	"sync"
)

// InMemoryBlobStore implements the BlobStore interface using an in-memory map.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryBlobStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	writes int
	closed bool
}

// NewInMemoryBlobStore creates a new in-memory blob store.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string][]byte),
	}
}

// Close closes the store and prevents further operations.
func (s *InMemoryBlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Get returns a copy of the value stored under key.
func (s *InMemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	value, ok := s.blobs[key]
	if !ok {
		return nil, nil
	}
	return copyBytes(value), nil
}

// Set stores a copy of value under key.
func (s *InMemoryBlobStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.blobs[key] = copyBytes(value)
	s.writes++
	return nil
}

// Writes returns how many Set calls succeeded. Useful for asserting that
// every mutation was persisted.
func (s *InMemoryBlobStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
