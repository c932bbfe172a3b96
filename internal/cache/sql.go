package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/p-blackswan/spotproxy/internal/store"
)

// SQL keeps entries in the embedded SQLite store's cache_entries table.
type SQL struct {
	store *store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewSQL creates a cache over an open store.
func NewSQL(s *store.Store, ttl time.Duration, opts ...Option) *SQL {
	ttl = normalizeTTL(ttl)
	o := resolveOptions(opts)
	return &SQL{store: s, ttl: ttl, now: o.now}
}

func (c *SQL) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	e, err := c.store.GetCacheEntry(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	ttl := time.Duration(e.TTL) * time.Millisecond
	if expired(time.UnixMilli(e.CreatedAt), c.now(), ttl) {
		if err := c.store.DeleteCacheEntry(ctx, key); err != nil {
			return nil, false, fmt.Errorf("failed to drop expired entry: %w", err)
		}
		return nil, false, nil
	}
	return json.RawMessage(e.Value), true, nil
}

func (c *SQL) Set(ctx context.Context, key string, value json.RawMessage) error {
	return c.store.SaveCacheEntry(ctx, &store.CacheEntry{
		Key:       key,
		Value:     value,
		CreatedAt: c.now().UnixMilli(),
		TTL:       c.ttl.Milliseconds(),
	})
}

func (c *SQL) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}
