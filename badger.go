package jobtracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// key prefix for ledger blobs
const keyPrefixBlob = "blob:"

// BadgerBlobStore implements the BlobStore interface using BadgerDB.
// It is the default durable store for the ledger and needs no CGO.
type BadgerBlobStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerBlobStore creates a new BadgerDB blob store.
// The database directory will be created if it doesn't exist.
// dbPath is the path to the BadgerDB database directory.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBlobStore(dbPath string, logger *slog.Logger) (*BadgerBlobStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	return openBadgerBlobStore(opts, logger)
}

// NewInMemoryBadgerBlobStore creates a BadgerDB blob store that keeps all data in memory.
func NewInMemoryBadgerBlobStore(logger *slog.Logger) (*BadgerBlobStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	return openBadgerBlobStore(opts, logger)
}

func openBadgerBlobStore(opts badger.Options, logger *slog.Logger) (*BadgerBlobStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerBlobStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (b *BadgerBlobStore) Close() error {
	return b.db.Close()
}

// blobKey returns the key for a ledger blob
func blobKey(key string) []byte {
	return []byte(keyPrefixBlob + key)
}

// Get returns the value stored under key, or nil if absent.
func (b *BadgerBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var value []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get blob: %w", err)
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read blob: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Get: loaded blob", "key", key, "bytes", len(value))
	return value, nil
}

// Set stores value under key.
func (b *BadgerBlobStore) Set(ctx context.Context, key string, value []byte) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set(blobKey(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store blob %s: %w", key, err)
	}
	b.logger.Debug("Set: stored blob", "key", key, "bytes", len(value))
	return nil
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
func (b *BadgerBlobStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}

		return err
	}

	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}
