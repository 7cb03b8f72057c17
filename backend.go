package jobtracker

import "context"

// BlobStore represents the durable string-keyed blob storage the ledger
// persists into. Implementations must be thread-safe.
type BlobStore interface {
	// Get returns the value stored under key, or (nil, nil) if the key is absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Close closes the store
	Close() error
}
