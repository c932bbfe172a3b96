// Package upstream issues authenticated GET calls against the Spotify Web
// API, classifies failures and drains paginated collections.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	perrors "github.com/p-blackswan/spotproxy/internal/errors"
	"github.com/p-blackswan/spotproxy/internal/metrics"
)

const (
	DefaultBaseURL  = "https://api.spotify.com/v1"
	DefaultTimeout  = 10 * time.Second
	DefaultPageSize = 20

	maxBodySize = 10 << 20
	service     = "spotify"
)

// Client calls the upstream REST surface. It never retries.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a Client rooted at baseURL. m may be nil.
func New(baseURL string, timeout time.Duration, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "upstream").Logger(),
		metrics: m,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL resolves an endpoint path against the base URL.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Get fetches path with params using the bearer token and returns the JSON
// body. Failures are *errors.APIError values classified by kind.
func (c *Client) Get(ctx context.Context, token, path string, params url.Values) (json.RawMessage, error) {
	if token == "" {
		return nil, perrors.NewAPIError(perrors.KindTokenInvalid, service, 0, "Access token is required")
	}

	endpoint := c.URL(path)
	u := endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, perrors.Wrap(perrors.KindValidation, service, "failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(token, "Bearer "))
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordUpstream(string(perrors.KindNetwork))
		c.logger.Warn().Err(err).Str("endpoint", path).Msg("upstream request failed")
		return nil, perrors.Wrap(perrors.KindNetwork, service, "request to "+path+" failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.metrics.RecordUpstream(string(perrors.KindNetwork))
		return nil, perrors.Wrap(perrors.KindNetwork, service, "failed to read response from "+path, err)
	}

	if err := perrors.Classify(resp.StatusCode, body, path); err != nil {
		kind := perrors.KindOf(err)
		c.metrics.RecordUpstream(string(kind))
		c.logger.Debug().
			Str("endpoint", path).
			Int("status", resp.StatusCode).
			Str("kind", string(kind)).
			Dur("duration", time.Since(start)).
			Msg("upstream error")
		return nil, err
	}

	if !json.Valid(body) {
		c.metrics.RecordUpstream(string(perrors.KindUnclassified))
		return nil, perrors.NewAPIError(perrors.KindUnclassified, service, resp.StatusCode, "invalid JSON response from "+path)
	}

	c.metrics.RecordUpstream("ok")
	c.logger.Debug().Str("endpoint", path).Dur("duration", time.Since(start)).Msg("upstream ok")
	return json.RawMessage(body), nil
}

// GetAll drains the collection under key by stepping offset by the page
// size. It stops when key is missing, a batch is empty, or next is absent
// or null, and returns the items in upstream order. The key may be a gjson
// path such as "albums.items".
func (c *Client) GetAll(ctx context.Context, token, path string, params url.Values, key string) ([]json.RawMessage, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = append([]string(nil), v...)
	}

	limit := DefaultPageSize
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o > 0 {
		offset = o
	}
	q.Set("limit", strconv.Itoa(limit))

	var items []json.RawMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.Set("offset", strconv.Itoa(offset))
		page, err := c.Get(ctx, token, path, q)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page at offset %d: %w", offset, err)
		}

		coll := gjson.GetBytes(page, gjsonPath(key))
		if !coll.Exists() || !coll.IsArray() {
			break
		}
		batch := coll.Array()
		if len(batch) == 0 {
			break
		}
		for _, it := range batch {
			items = append(items, json.RawMessage(it.Raw))
		}

		if !hasNext(page, key) {
			break
		}
		offset += limit
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

// hasNext looks for a truthy next beside the collection, then at the top
// level.
func hasNext(page []byte, key string) bool {
	parent := ""
	if i := strings.LastIndex(key, "."); i >= 0 {
		parent = key[:i]
	}
	candidates := []string{"next"}
	if parent != "" {
		candidates = append([]string{gjsonPath(parent) + ".next"}, candidates...)
	}
	for _, p := range candidates {
		if n := gjson.GetBytes(page, p); n.Exists() {
			return truthy(n)
		}
	}
	return false
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	}
	return true
}

// gjsonPath escapes gjson wildcards in a plain dotted key.
func gjsonPath(key string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "#", `\#`, "|", `\|`)
	return r.Replace(key)
}
