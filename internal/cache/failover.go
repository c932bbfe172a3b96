package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/spotproxy/internal/metrics"
)

// Failover tries the primary backend first and uses the secondary whenever
// the primary errors. Neither backend changes mode; each call decides
// independently, so a recovered primary is used again immediately.
type Failover struct {
	primary   Cache
	secondary Cache
	logger    zerolog.Logger
}

// NewFailover composes two backends.
func NewFailover(primary, secondary Cache, logger zerolog.Logger) *Failover {
	return &Failover{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With().Str("component", "cache.failover").Logger(),
	}
}

func (f *Failover) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	v, ok, err := f.primary.Get(ctx, key)
	if err == nil {
		return v, ok, nil
	}
	f.logger.Warn().Err(err).Str("key", key).Msg("primary cache get failed, using secondary")
	v, ok, err2 := f.secondary.Get(ctx, key)
	if err2 != nil {
		return nil, false, errors.Join(err, err2)
	}
	return v, ok, nil
}

func (f *Failover) Set(ctx context.Context, key string, value json.RawMessage) error {
	err := f.primary.Set(ctx, key, value)
	if err == nil {
		return nil
	}
	f.logger.Warn().Err(err).Str("key", key).Msg("primary cache set failed, using secondary")
	if err2 := f.secondary.Set(ctx, key, value); err2 != nil {
		return errors.Join(err, err2)
	}
	return nil
}

// Ping reports the primary's health.
func (f *Failover) Ping(ctx context.Context) error {
	if p, ok := f.primary.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// DefaultOpTimeout bounds a single backend call made through FailOpen.
const DefaultOpTimeout = 5 * time.Second

// FailOpen turns every backend error into a logged cache miss, so caching
// can never fail a request. Each call is bounded by a timeout.
type FailOpen struct {
	next    Cache
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewFailOpen wraps next. m may be nil.
func NewFailOpen(next Cache, timeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) *FailOpen {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &FailOpen{
		next:    next,
		timeout: timeout,
		logger:  logger.With().Str("component", "cache").Logger(),
		metrics: m,
	}
}

func (f *FailOpen) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	v, ok, err := f.next.Get(ctx, key)
	switch {
	case err != nil:
		f.logger.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		f.metrics.RecordCacheLookup("error")
		return nil, false, nil
	case ok:
		f.metrics.RecordCacheLookup("hit")
	default:
		f.metrics.RecordCacheLookup("miss")
	}
	return v, ok, nil
}

func (f *FailOpen) Set(ctx context.Context, key string, value json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.next.Set(ctx, key, value); err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("cache set failed, continuing")
	}
	return nil
}

// Ping reports the wrapped backend's health.
func (f *FailOpen) Ping(ctx context.Context) error {
	if p, ok := f.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
