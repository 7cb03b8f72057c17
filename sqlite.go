//go:build sqlite
// +build sqlite

package jobtracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBlobStore implements the BlobStore interface using SQLite.
// It is suitable when the host application already ships a SQLite database.
type SQLiteBlobStore struct {
	db *sql.DB
}

// NewSQLiteBlobStore creates a new SQLite blob store.
// The database file will be created if it doesn't exist.
// dbPath is the path to the SQLite database file.
func NewSQLiteBlobStore(dbPath string) (*SQLiteBlobStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteBlobStore{db: db}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteBlobStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema
func (s *SQLiteBlobStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get returns the value stored under key, or nil if absent.
func (s *SQLiteBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var value []byte
	err = s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blob: %w", err)
	}
	return value, nil
}

// Set stores value under key.
func (s *SQLiteBlobStore) Set(ctx context.Context, key string, value []byte) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	if value == nil {
		value = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}
