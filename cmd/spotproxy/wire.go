package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/spotproxy/internal/cache"
	"github.com/p-blackswan/spotproxy/internal/config"
	"github.com/p-blackswan/spotproxy/internal/credentials"
	"github.com/p-blackswan/spotproxy/internal/health"
	"github.com/p-blackswan/spotproxy/internal/metrics"
	"github.com/p-blackswan/spotproxy/internal/pipeline"
	"github.com/p-blackswan/spotproxy/internal/retry"
	"github.com/p-blackswan/spotproxy/internal/spotify"
	"github.com/p-blackswan/spotproxy/internal/store"
	"github.com/p-blackswan/spotproxy/internal/upstream"
	"github.com/p-blackswan/spotproxy/pkg/tokenstore"
)

// components is everything serve needs, built from config.
type components struct {
	metrics  *metrics.Metrics
	checker  *health.Checker
	tokens   tokenstore.Store
	pipeline *pipeline.Pipeline
	api      *spotify.Service

	// sweepers run on every retention tick.
	sweepers []func(ctx context.Context, now time.Time)
	closers  []func() error
}

func (c *components) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

func newAcquirer(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*credentials.Acquirer, error) {
	clients, err := cfg.ClientList()
	if err != nil {
		return nil, err
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.AcquireMaxRetries
	rc.BaseDelay = cfg.AcquireBaseDelay
	rc.MaxDelay = cfg.AcquireMaxDelay

	return credentials.New(credentials.Config{
		TokenURL: cfg.TokenURL,
		Clients:  clients,
		Timeout:  cfg.HTTPTimeout,
		Retry:    rc,
	}, logger, m), nil
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*components, error) {
	c := &components{
		metrics: metrics.New(),
		checker: health.NewChecker(logger),
	}

	var st *store.Store
	if cfg.UsesSQLite() {
		var err error
		st, err = store.New(cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		c.closers = append(c.closers, st.Close)
		c.checker.Register("sqlite", health.PingCheck(st))
		c.sweepers = append(c.sweepers, func(ctx context.Context, now time.Time) {
			res, err := st.RunRetention(ctx, now)
			if err != nil {
				logger.Warn().Err(err).Msg("sqlite retention failed")
				return
			}
			size, _ := st.DBSizeBytes()
			logger.Debug().
				Int64("cache_entries", res.CacheEntries).
				Int64("tokens", res.Tokens).
				Int64("db_size_bytes", size).
				Msg("sqlite retention complete")
		})
	}

	switch cfg.TokenBackend {
	case "sqlite":
		c.tokens = tokenstore.NewSQLPool(st.DB(), cfg.TokenPoolSize)
	default:
		c.tokens = tokenstore.NewMemoryPool(cfg.TokenPoolSize)
	}
	c.checker.Register("token_store", health.TokenStoreCheck(c.tokens))

	rc, err := c.buildCache(ctx, cfg, st, logger)
	if err != nil {
		_ = c.close()
		return nil, err
	}

	acq, err := newAcquirer(cfg, logger, c.metrics)
	if err != nil {
		_ = c.close()
		return nil, err
	}

	up := upstream.New(cfg.APIBaseURL, cfg.HTTPTimeout, logger, c.metrics)

	c.pipeline = pipeline.New(c.tokens, acq, rc, up, pipeline.Config{
		Source:              cfg.WebPlayerURL,
		RetryOnTokenInvalid: cfg.RetryOnTokenInvalid,
	}, logger, c.metrics)

	c.api = spotify.New(c.pipeline, spotify.Config{
		DefaultMarket:  cfg.DefaultMarket,
		MarketPriority: cfg.MarketPriorityList(),
		DefaultLimit:   cfg.SearchDefaultLimit,
		MaxLimit:       cfg.SearchMaxLimit,
	}, logger)

	return c, nil
}

// buildCache selects the configured backend, optionally fronts it with an
// in-memory failover and always wraps it fail-open.
func (c *components) buildCache(ctx context.Context, cfg *config.Config, st *store.Store, logger zerolog.Logger) (cache.Cache, error) {
	if !cfg.CacheEnabled {
		return cache.Nop{}, nil
	}

	newMemory := func() *cache.Memory {
		mem := cache.NewMemory(cfg.CacheMemoryCapacity, cfg.CacheTTL)
		c.sweepers = append(c.sweepers, func(context.Context, time.Time) {
			expired := mem.Sweep()
			st := mem.Stats()
			logger.Debug().
				Int("expired", expired).
				Int("entries", mem.Len()).
				Uint64("evictions", st.Evictions).
				Float64("hit_rate", st.HitRate()).
				Msg("memory cache sweep complete")
		})
		return mem
	}

	var primary cache.Cache
	switch cfg.CacheBackend {
	case "memory":
		primary = newMemory()
	case "file":
		f, err := cache.NewFile(cfg.CacheDir, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("opening file cache: %w", err)
		}
		c.sweepers = append(c.sweepers, func(ctx context.Context, _ time.Time) {
			if n, err := f.Sweep(ctx); err != nil {
				logger.Warn().Err(err).Msg("file cache sweep failed")
			} else if n > 0 {
				logger.Debug().Int("removed", n).Msg("file cache sweep complete")
			}
		})
		primary = f
	case "sqlite":
		primary = cache.NewSQL(st, cfg.CacheTTL)
	case "postgres":
		pg, err := cache.NewPostgres(ctx, cfg.DatabaseURL, cfg.CacheTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres cache: %w", err)
		}
		c.closers = append(c.closers, pg.Close)
		c.sweepers = append(c.sweepers, func(ctx context.Context, _ time.Time) {
			if _, err := pg.Purge(ctx); err != nil {
				logger.Warn().Err(err).Msg("postgres cache purge failed")
			}
		})
		primary = pg
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}

	if p, ok := primary.(cache.Pinger); ok && cfg.CacheBackend != "memory" {
		c.checker.Register("cache", health.PingCheck(p))
	}

	if cfg.CacheBackend != "memory" && cfg.CacheFallback == "memory" {
		primary = cache.NewFailover(primary, newMemory(), logger)
	}

	logger.Info().
		Str("backend", cfg.CacheBackend).
		Str("fallback", cfg.CacheFallback).
		Dur("ttl", cfg.CacheTTL).
		Msg("response cache ready")

	return cache.NewFailOpen(primary, cfg.CacheOpTimeout, logger, c.metrics), nil
}

// runRetention runs every sweeper each interval until ctx is done.
func (c *components) runRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 || len(c.sweepers) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sweep := range c.sweepers {
				sweep(ctx, now)
			}
		}
	}
}
