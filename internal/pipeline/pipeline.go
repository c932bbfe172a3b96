// Package pipeline serves one upstream read per call: resolve a token,
// consult the cache, call upstream on a miss and populate the cache.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/p-blackswan/spotproxy/internal/cache"
	perrors "github.com/p-blackswan/spotproxy/internal/errors"
	"github.com/p-blackswan/spotproxy/internal/metrics"
	"github.com/p-blackswan/spotproxy/pkg/tokenstore"
)

// Acquirer obtains a fresh token from a credential source.
type Acquirer interface {
	Acquire(ctx context.Context, source string) (tokenstore.Token, error)
}

// Upstream is the subset of the upstream client the pipeline drives.
type Upstream interface {
	URL(path string) string
	Get(ctx context.Context, token, path string, params url.Values) (json.RawMessage, error)
	GetAll(ctx context.Context, token, path string, params url.Values, key string) ([]json.RawMessage, error)
}

// Config controls pipeline policy.
type Config struct {
	// Source is the document the acquirer scrapes for a token.
	Source string
	// RetryOnTokenInvalid makes the pipeline retry once with a freshly
	// acquired token after the upstream rejects a pooled token.
	RetryOnTokenInvalid bool
}

// Request is one logical upstream read.
type Request struct {
	Market string
	Path   string
	Params url.Values
	// Token, when set, is used as-is and bypasses the pool.
	Token string
}

// Pipeline is stateless between calls apart from the token store and cache
// it holds.
type Pipeline struct {
	tokens   tokenstore.Store
	acquirer Acquirer
	cache    cache.Cache
	upstream Upstream
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	acquire singleflight.Group
}

// New wires a pipeline. c should already be fail-open; m may be nil.
func New(tokens tokenstore.Store, acq Acquirer, c cache.Cache, up Upstream, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Pipeline {
	if c == nil {
		c = cache.Nop{}
	}
	return &Pipeline{
		tokens:   tokens,
		acquirer: acq,
		cache:    c,
		upstream: up,
		cfg:      cfg,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		metrics:  m,
	}
}

// resolved is a token plus whether it came from the pool.
type resolved struct {
	value  string
	pooled bool
}

// Do serves req from cache or upstream. Upstream errors propagate with
// their classification.
func (p *Pipeline) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	key := p.Fingerprint(req)

	if v, ok := p.cacheGet(ctx, key); ok {
		p.logger.Debug().Str("path", req.Path).Str("key", key).Msg("cache hit")
		return v, nil
	}

	var body json.RawMessage
	err := p.withToken(ctx, req, func(token string) error {
		var err error
		body, err = p.upstream.Get(ctx, token, req.Path, req.Params)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.cacheSet(ctx, key, body)
	return body, nil
}

// DoAll drains the paginated collection under key. The drained list is
// cached as a single JSON array.
func (p *Pipeline) DoAll(ctx context.Context, req Request, key string) ([]json.RawMessage, error) {
	fp := p.Fingerprint(Request{
		Market: req.Market,
		Path:   req.Path,
		Params: withParam(req.Params, "_all", key),
	})

	if v, ok := p.cacheGet(ctx, fp); ok {
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err == nil {
			return items, nil
		}
	}

	var items []json.RawMessage
	err := p.withToken(ctx, req, func(token string) error {
		var err error
		items, err = p.upstream.GetAll(ctx, token, req.Path, req.Params, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(items); err == nil {
		p.cacheSet(ctx, fp, encoded)
	}
	return items, nil
}

// Token returns a usable pooled token, acquiring and storing one when the
// pool is empty. If that acquisition fails too the error matches both
// ErrNoToken and the acquisition failure.
func (p *Pipeline) Token(ctx context.Context) (tokenstore.Token, error) {
	tok, err := p.tokens.Get(ctx)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, tokenstore.ErrTokenNotFound) {
		p.logger.Warn().Err(err).Msg("token store read failed, acquiring")
	}
	tok, err = p.acquireAndStore(ctx)
	if err != nil {
		return tokenstore.Token{}, fmt.Errorf("%w: %w", perrors.ErrNoToken, err)
	}
	return tok, nil
}

// Fingerprint returns the cache key req is stored under.
func (p *Pipeline) Fingerprint(req Request) string {
	return cache.Fingerprint(req.Market, p.upstream.URL(req.Path), req.Params)
}

// withToken runs call with a resolved token and applies the TokenInvalid
// policy: a rejected pooled token is always dropped; one retry with a fresh
// token happens only when configured. Caller tokens are never retried.
func (p *Pipeline) withToken(ctx context.Context, req Request, call func(token string) error) error {
	tok, err := p.resolve(ctx, req)
	if err != nil {
		return err
	}

	err = call(tok.value)
	if err == nil || !tok.pooled || !errors.Is(err, perrors.ErrTokenInvalid) {
		return err
	}

	if dropErr := p.tokens.Drop(ctx, tok.value); dropErr != nil {
		p.logger.Warn().Err(dropErr).Msg("failed to drop rejected token")
	}
	p.updateActive(ctx)
	if !p.cfg.RetryOnTokenInvalid {
		return err
	}

	p.logger.Info().Str("path", req.Path).Msg("pooled token rejected, retrying with a fresh token")
	fresh, acqErr := p.acquireAndStore(ctx)
	if acqErr != nil {
		return fmt.Errorf("%w (re-acquire failed: %v)", err, acqErr)
	}
	return call(fresh.Value)
}

func (p *Pipeline) resolve(ctx context.Context, req Request) (resolved, error) {
	if req.Token != "" {
		return resolved{value: req.Token}, nil
	}
	tok, err := p.Token(ctx)
	if err != nil {
		return resolved{}, err
	}
	return resolved{value: tok.Value, pooled: true}, nil
}

// acquireAndStore collapses concurrent acquisitions into one handshake. The
// shared handshake outlives any single caller's cancellation.
func (p *Pipeline) acquireAndStore(ctx context.Context) (tokenstore.Token, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, shared := p.acquire.Do("acquire", func() (any, error) {
		tok, err := p.acquirer.Acquire(ctx, p.cfg.Source)
		if err != nil {
			return tokenstore.Token{}, err
		}
		if err := p.tokens.Put(ctx, tok); err != nil {
			p.logger.Warn().Err(err).Msg("failed to store acquired token")
		}
		p.updateActive(ctx)
		return tok, nil
	})
	if err != nil {
		return tokenstore.Token{}, err
	}
	if shared {
		p.logger.Debug().Msg("joined in-flight token acquisition")
	}
	return v.(tokenstore.Token), nil
}

func (p *Pipeline) updateActive(ctx context.Context) {
	if n, err := p.tokens.Len(ctx); err == nil {
		p.metrics.SetTokensActive(float64(n))
	}
}

func (p *Pipeline) cacheGet(ctx context.Context, key string) (json.RawMessage, bool) {
	v, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		return nil, false
	}
	return v, ok
}

func (p *Pipeline) cacheSet(ctx context.Context, key string, v json.RawMessage) {
	if err := p.cache.Set(ctx, key, v); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func withParam(params url.Values, k, v string) url.Values {
	out := url.Values{}
	for key, vals := range params {
		out[key] = append([]string(nil), vals...)
	}
	out.Set(k, v)
	return out
}
