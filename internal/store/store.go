// Package store manages the embedded SQLite database backing the durable
// response cache and the rotating token pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// pragmas are applied on every open. SQLite serialises writers, so the pool
// is pinned to one connection and busy_timeout absorbs short lock waits from
// the retention sweeper.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Store owns the SQLite handle shared by the cache and token tables.
type Store struct {
	path   string
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex
	closed bool
}

// New opens (or creates) the database at dbPath, creating its directory if
// needed, and brings the schema up to date.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		path:   dbPath,
		db:     db,
		logger: logger.With().Str("component", "store").Str("path", dbPath).Logger(),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	version, _ := s.SchemaVersion()
	s.logger.Info().Str("schema_version", version).Msg("store ready")
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("applying %q: %w", p, err)
		}
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration level.
func (s *Store) SchemaVersion() (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v)
	return v, err
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DB returns the underlying handle, shared with the durable token pool.
func (s *Store) DB() *sql.DB {
	return s.db
}
