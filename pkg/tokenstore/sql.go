package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SQLPool persists the rotating pool in the tokens table, so restarts reuse
// still-valid tokens. The schema is owned by internal/store.
type SQLPool struct {
	db       *sql.DB
	capacity int
	now      func() time.Time

	// mu serializes selection and pruning; rnd is not goroutine safe.
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSQLPool creates a pool over an already migrated database.
func NewSQLPool(db *sql.DB, capacity int, opts ...Option) *SQLPool {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	o := resolveOptions(opts)
	return &SQLPool{db: db, capacity: capacity, now: o.now, rnd: o.rnd}
}

func (p *SQLPool) Get(ctx context.Context) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx,
		`SELECT token, issued_at, expires_at FROM tokens
		 WHERE expires_at > ? ORDER BY issued_at DESC LIMIT ?`,
		p.now().UnixMilli(), p.capacity,
	)
	if err != nil {
		return Token{}, fmt.Errorf("querying tokens: %w", err)
	}
	defer rows.Close()

	var valid []Token
	for rows.Next() {
		var tok Token
		var issued, expiresAt int64
		if err := rows.Scan(&tok.Value, &issued, &expiresAt); err != nil {
			return Token{}, fmt.Errorf("scanning token: %w", err)
		}
		tok.IssuedAt = time.UnixMilli(issued)
		tok.ExpiresAt = time.UnixMilli(expiresAt)
		valid = append(valid, tok)
	}
	if err := rows.Err(); err != nil {
		return Token{}, fmt.Errorf("iterating tokens: %w", err)
	}
	if len(valid) == 0 {
		return Token{}, ErrTokenNotFound
	}
	return pick(valid, p.rnd), nil
}

func (p *SQLPool) Put(ctx context.Context, tok Token) error {
	if err := tok.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := p.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tokens (token, issued_at, expires_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET issued_at = excluded.issued_at, expires_at = excluded.expires_at`,
		tok.Value, tok.IssuedAt.UnixMilli(), tok.ExpiresAt.UnixMilli(), now,
	); err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("pruning expired tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE token IN (
			SELECT token FROM tokens ORDER BY issued_at DESC LIMIT -1 OFFSET ?
		)`, p.capacity,
	); err != nil {
		return fmt.Errorf("pruning surplus tokens: %w", err)
	}
	return tx.Commit()
}

func (p *SQLPool) Drop(ctx context.Context, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, value); err != nil {
		return fmt.Errorf("dropping token: %w", err)
	}
	return nil
}

func (p *SQLPool) Len(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE expires_at > ?`, p.now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return n, nil
}
