package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesDB(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"cache_entries", "tokens", "meta"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version string
	require.NoError(t, s.db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&version))
	assert.Equal(t, "2", version)
}

func TestNew_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	s1, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.SaveCacheEntry(context.Background(), &CacheEntry{Key: "k", Value: []byte(`1`), CreatedAt: 1, TTL: 1}))
	require.NoError(t, s1.Close())

	s2, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()
	e, err := s2.GetCacheEntry(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestCacheEntry_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	missing, err := s.GetCacheEntry(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	entry := &CacheEntry{Key: "abc", Value: []byte(`{"name":"Jay Chou"}`), CreatedAt: 1000, TTL: 60000}
	require.NoError(t, s.SaveCacheEntry(ctx, entry))

	got, err := s.GetCacheEntry(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"name":"Jay Chou"}`, string(got.Value))
	assert.Equal(t, int64(1000), got.CreatedAt)
	assert.Equal(t, int64(60000), got.TTL)

	// Upsert overwrites value and resets created_at
	entry.Value = []byte(`{"name":"JJ Lin"}`)
	entry.CreatedAt = 2000
	require.NoError(t, s.SaveCacheEntry(ctx, entry))
	got, err = s.GetCacheEntry(ctx, "abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"JJ Lin"}`, string(got.Value))
	assert.Equal(t, int64(2000), got.CreatedAt)

	n, err := s.CountCacheEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteCacheEntry(ctx, "abc"))
	got, err = s.GetCacheEntry(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRunRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.UnixMilli(1_000_000)

	require.NoError(t, s.SaveCacheEntry(ctx, &CacheEntry{Key: "fresh", Value: []byte(`1`), CreatedAt: now.UnixMilli(), TTL: 60000}))
	require.NoError(t, s.SaveCacheEntry(ctx, &CacheEntry{Key: "stale", Value: []byte(`2`), CreatedAt: now.UnixMilli() - 120000, TTL: 60000}))

	_, err := s.db.Exec(`INSERT INTO tokens (token, issued_at, expires_at, created_at) VALUES
		('live', ?, ?, ?), ('dead', ?, ?, ?)`,
		now.UnixMilli(), now.UnixMilli()+1000, now.UnixMilli(),
		now.UnixMilli()-5000, now.UnixMilli()-1, now.UnixMilli())
	require.NoError(t, err)

	res, err := s.RunRetention(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CacheEntries)
	assert.Equal(t, int64(1), res.Tokens)

	fresh, err := s.GetCacheEntry(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}

func TestPingAndSize(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	size, err := s.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestNew_CreatesParentDirAndReportsVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "spotproxy.db")
	s, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.FileExists(t, dbPath)
}
