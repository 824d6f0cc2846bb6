// Package storage is the device's persistent key/value store.
//
// Values are opaque byte slices keyed by short names such as "token" and
// "log_config". The store is backed by the kv table of the SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/database"
)

// Well-known keys.
const (
	// KeyToken holds a bind token awaiting confirmation from the cloud.
	KeyToken = "token"

	// KeyLogConfig holds the diagnostic log pipeline configuration.
	KeyLogConfig = "log_config"
)

// Store persists small values across restarts.
type Store struct {
	db *database.DB
}

// New returns a Store on an already-migrated database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Erase removes key. Erasing a missing key is not an error.
func (s *Store) Erase(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("erasing %s: %w", key, err)
	}
	return nil
}

// EraseAll removes every key.
func (s *Store) EraseAll(ctx context.Context) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM kv")
		return err
	})
	if err != nil {
		return fmt.Errorf("erasing store: %w", err)
	}
	return nil
}

// Keys lists stored keys in name order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
