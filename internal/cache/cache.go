// Package cache stores upstream responses under a request fingerprint with
// TTL expiry. Backends are interchangeable; Failover and FailOpen compose
// them so that a broken backend degrades to a cache miss.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultTTL is how long a response stays valid when no TTL is configured.
const DefaultTTL = time.Hour

var ErrInvalidKey = errors.New("invalid cache key")

// Cache is a keyed response store. Get reports ok=false for keys that were
// never stored or whose TTL has elapsed. An entry stored at t0 with ttl T is
// present up to and including t0+T.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
}

// Pinger is implemented by backends with a remote or durable dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for stored-at and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// resolution is the grain every backend stores and compares times at.
const resolution = time.Millisecond

func resolveOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	clock := o.now
	o.now = func() time.Time { return clock().Truncate(resolution) }
	return o
}

// normalizeTTL applies the default and rounds ttl down to the storage grain.
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return max(ttl.Truncate(resolution), resolution)
}

// expired reports whether an entry stored at storedAt has outlived ttl.
func expired(storedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(storedAt) > ttl
}

// Fingerprint derives the cache key for a request: hex md5 over
// market:endpoint:params with params in canonical sorted order, so the
// order in which parameters were added never changes the key.
func Fingerprint(market, endpoint string, params url.Values) string {
	sum := md5.Sum([]byte(market + ":" + endpoint + ":" + canonical(params)))
	return hex.EncodeToString(sum[:])
}

func canonical(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Nop never stores anything. It backs CACHE_ENABLED=false.
type Nop struct{}

func (Nop) Get(context.Context, string) (json.RawMessage, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, json.RawMessage) error         { return nil }
