package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CacheEntry is a row of the cache_entries table.
type CacheEntry struct {
	Key       string
	Value     []byte // JSON
	CreatedAt int64  // unix ms
	TTL       int64  // ms
}

// GetCacheEntry returns the row for key, or nil if there is none. Expiry is
// the caller's concern.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := &CacheEntry{Key: key}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, created_at, ttl FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &e.CreatedAt, &e.TTL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	e.Value = []byte(value)
	return e, nil
}

// SaveCacheEntry inserts or overwrites a cache row.
func (s *Store) SaveCacheEntry(ctx context.Context, e *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO cache_entries (key, value, created_at, ttl) VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		created_at = excluded.created_at,
		ttl = excluded.ttl
	`, e.Key, string(e.Value), e.CreatedAt, e.TTL)
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes the row for key, if any.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// CountCacheEntries returns the number of stored rows, expired or not.
func (s *Store) CountCacheEntries(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}
