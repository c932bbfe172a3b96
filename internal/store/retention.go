package store

import (
	"context"
	"fmt"
	"os"
	"time"
)

// RetentionResult reports how many rows a retention pass removed.
type RetentionResult struct {
	CacheEntries int64
	Tokens       int64
}

// RunRetention deletes expired cache rows and expired tokens.
func (s *Store) RunRetention(ctx context.Context, now time.Time) (RetentionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res RetentionResult
	nowMs := now.UnixMilli()

	r, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE created_at + ttl < ?",
		nowMs,
	)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	res.CacheEntries, _ = r.RowsAffected()

	r, err = s.db.ExecContext(ctx,
		"DELETE FROM tokens WHERE expires_at <= ?",
		nowMs,
	)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	res.Tokens, _ = r.RowsAffected()

	return res, nil
}

// DBSizeBytes returns the main database size plus any pending WAL.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page size: %w", err)
	}

	size := pageCount * pageSize
	if fi, err := os.Stat(s.path + "-wal"); err == nil {
		size += fi.Size()
	}
	return size, nil
}
