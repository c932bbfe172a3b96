package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// pgEntry is a row of the remote cache_entries table.
type pgEntry struct {
	bun.BaseModel `bun:"table:cache_entries"`

	Key       string          `bun:"key,pk"`
	Value     json.RawMessage `bun:"value,type:jsonb,notnull"`
	CreatedAt time.Time       `bun:"created_at,notnull"`
	TTLMillis int64           `bun:"ttl_ms,notnull"`
}

// Postgres keeps entries in a remote PostgreSQL table through bun.
type Postgres struct {
	db     *bun.DB
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewPostgres connects to dsn, creates the table if missing and verifies
// the connection.
func NewPostgres(ctx context.Context, dsn string, ttl time.Duration, logger zerolog.Logger, opts ...Option) (*Postgres, error) {
	ttl = normalizeTTL(ttl)
	logger = logger.With().Str("component", "cache.postgres").Logger()

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(10*time.Second),
	))
	sqldb.SetMaxOpenConns(10)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(5 * time.Minute)
	sqldb.SetConnMaxIdleTime(time.Minute)

	db := bun.NewDB(sqldb, pgdialect.New())
	if zerolog.GlobalLevel() <= zerolog.DebugLevel && logger.GetLevel() <= zerolog.DebugLevel {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.FromEnv("BUNDEBUG"),
		))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	o := resolveOptions(opts)
	p := &Postgres{db: db, ttl: ttl, now: o.now, logger: logger}
	if err := p.createSchema(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Msg("connected to postgres cache")
	return p, nil
}

func (p *Postgres) createSchema(ctx context.Context) error {
	if _, err := p.db.NewCreateTable().Model((*pgEntry)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create cache_entries: %w", err)
	}
	if _, err := p.db.NewCreateIndex().Model((*pgEntry)(nil)).
		Index("idx_cache_entries_created_at").
		Column("created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create cache_entries index: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	e := new(pgEntry)
	err := p.db.NewSelect().Model(e).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if expired(e.CreatedAt, p.now(), time.Duration(e.TTLMillis)*time.Millisecond) {
		if _, err := p.db.NewDelete().Model((*pgEntry)(nil)).Where("key = ?", key).Exec(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to drop expired entry: %w", err)
		}
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value json.RawMessage) error {
	e := &pgEntry{
		Key:       key,
		Value:     value,
		CreatedAt: p.now().UTC(),
		TTLMillis: p.ttl.Milliseconds(),
	}
	_, err := p.db.NewInsert().
		Model(e).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("created_at = EXCLUDED.created_at").
		Set("ttl_ms = EXCLUDED.ttl_ms").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// Purge deletes every expired row.
func (p *Postgres) Purge(ctx context.Context) (int64, error) {
	res, err := p.db.NewDelete().
		Model((*pgEntry)(nil)).
		Where("created_at + ttl_ms * interval '1 millisecond' < ?", p.now().UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
