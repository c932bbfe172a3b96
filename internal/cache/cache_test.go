package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/p-blackswan/spotproxy/internal/metrics"
	"github.com/p-blackswan/spotproxy/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

const testTTL = time.Minute

type backendFactory func(t *testing.T, clk *fakeClock) Cache

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T, clk *fakeClock) Cache {
			return NewMemory(16, testTTL, WithClock(clk.Now))
		},
		"file": func(t *testing.T, clk *fakeClock) Cache {
			c, err := NewFile(t.TempDir(), testTTL, WithClock(clk.Now))
			require.NoError(t, err)
			return c
		},
		"sqlite": func(t *testing.T, clk *fakeClock) Cache {
			s, err := store.New(filepath.Join(t.TempDir(), "cache.db"), zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return NewSQL(s, testTTL, WithClock(clk.Now))
		},
	}
}

func TestBackends_RoundTrip(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
			c := factory(t, clk)

			_, ok, err := c.Get(ctx, "abc")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Set(ctx, "abc", json.RawMessage(`{"id":"123","name":"Jay Chou"}`)))
			v, ok, err := c.Get(ctx, "abc")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"id":"123","name":"Jay Chou"}`, string(v))
		})
	}
}

func TestBackends_GetIsIdempotent(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
			c := factory(t, clk)
			require.NoError(t, c.Set(ctx, "k", json.RawMessage(`[1,2,3]`)))

			v1, ok1, err1 := c.Get(ctx, "k")
			v2, ok2, err2 := c.Get(ctx, "k")
			require.NoError(t, err1)
			require.NoError(t, err2)
			assert.Equal(t, ok1, ok2)
			assert.JSONEq(t, string(v1), string(v2))

			_, miss1, _ := c.Get(ctx, "absent")
			_, miss2, _ := c.Get(ctx, "absent")
			assert.False(t, miss1)
			assert.False(t, miss2)
		})
	}
}

func TestBackends_TTLBoundary(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Unix(1_700_000_000, 0)
			clk := &fakeClock{t: t0}
			c := factory(t, clk)
			require.NoError(t, c.Set(ctx, "k", json.RawMessage(`"v"`)))

			clk.t = t0.Add(testTTL - time.Millisecond)
			_, ok, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok, "present before ttl elapses")

			clk.t = t0.Add(testTTL + time.Millisecond)
			_, ok, err = c.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok, "absent after ttl elapses")

			// Stays absent even if the clock is wound back: it was dropped.
			clk.t = t0
			_, ok, err = c.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok, "expired entry dropped on read")
		})
	}
}

func TestBackends_SubMillisecondEdgeAgrees(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 999_900_000)
	reads := []struct {
		at   time.Time
		want bool
	}{
		{t0.Add(testTTL - 50*time.Microsecond), true},
		{t0.Add(testTTL), true},
		{t0.Add(testTTL + time.Millisecond), false},
	}
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &fakeClock{t: t0}
			c := factory(t, clk)
			require.NoError(t, c.Set(ctx, "k", json.RawMessage(`"v"`)))

			for _, r := range reads {
				clk.t = r.at
				_, ok, err := c.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, r.want, ok, "read at t0+%s", r.at.Sub(t0))
			}
		})
	}
}

func TestNormalizeTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, normalizeTTL(0))
	assert.Equal(t, DefaultTTL, normalizeTTL(-time.Second))
	assert.Equal(t, 1500*time.Millisecond, normalizeTTL(1500*time.Millisecond+300*time.Microsecond))
	assert.Equal(t, time.Millisecond, normalizeTTL(time.Microsecond))
}

func TestBackends_SetResetsStoredAt(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Unix(1_700_000_000, 0)
			clk := &fakeClock{t: t0}
			c := factory(t, clk)

			require.NoError(t, c.Set(ctx, "k", json.RawMessage(`1`)))
			clk.t = t0.Add(testTTL / 2)
			require.NoError(t, c.Set(ctx, "k", json.RawMessage(`2`)))
			clk.t = t0.Add(testTTL + time.Second)

			v, ok, err := c.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `2`, string(v))
		})
	}
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := url.Values{}
	a.Set("q", "jay chou")
	a.Set("type", "artist")
	a.Set("limit", "20")

	b := url.Values{}
	b.Set("limit", "20")
	b.Set("type", "artist")
	b.Set("q", "jay chou")

	assert.Equal(t, Fingerprint("TW", "https://api.spotify.com/v1/search", a),
		Fingerprint("TW", "https://api.spotify.com/v1/search", b))
	assert.NotEqual(t, Fingerprint("TW", "https://api.spotify.com/v1/search", a),
		Fingerprint("HK", "https://api.spotify.com/v1/search", a))
	assert.Len(t, Fingerprint("TW", "/artists/123", nil), 32)
}

func TestFingerprint_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z_]{1,8}`), 0, 6, rapid.ID[string]).Draw(t, "keys")
		vals := rapid.SliceOfN(rapid.String(), len(keys), len(keys)).Draw(t, "vals")
		perm := rapid.Permutation(keys).Draw(t, "perm")

		forward := url.Values{}
		for i, k := range keys {
			forward.Set(k, vals[i])
		}
		shuffled := url.Values{}
		for _, k := range perm {
			shuffled.Set(k, forward.Get(k))
		}

		if Fingerprint("TW", "/search", forward) != Fingerprint("TW", "/search", shuffled) {
			t.Fatalf("fingerprint depends on parameter order")
		}
	})
}

func TestFile_RejectsPathKeys(t *testing.T) {
	c, err := NewFile(t.TempDir(), testTTL)
	require.NoError(t, err)
	_, _, err = c.Get(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, c.Set(context.Background(), "a/b", json.RawMessage(`1`)), ErrInvalidKey)
}

func TestFile_SweepAndCorruptEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c, err := NewFile(dir, testTTL, WithClock(clk.Now))
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "old", json.RawMessage(`1`)))
	clk.t = clk.t.Add(2 * testTTL)
	require.NoError(t, c.Set(ctx, "new", json.RawMessage(`2`)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("not json"), 0o644))

	removed, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, _ := c.Get(ctx, "new")
	assert.True(t, ok)
	require.NoError(t, c.Ping(ctx))
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2, testTTL)
	require.NoError(t, c.Set(ctx, "a", json.RawMessage(`1`)))
	require.NoError(t, c.Set(ctx, "b", json.RawMessage(`2`)))
	_, _, _ = c.Get(ctx, "a")
	require.NoError(t, c.Set(ctx, "c", json.RawMessage(`3`)))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

type brokenCache struct{ err error }

func (b brokenCache) Get(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, b.err
}
func (b brokenCache) Set(context.Context, string, json.RawMessage) error { return b.err }
func (b brokenCache) Ping(context.Context) error                         { return b.err }

func TestFailover_UsesSecondaryOnError(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemory(8, testTTL)
	f := NewFailover(brokenCache{err: errors.New("connection refused")}, secondary, zerolog.Nop())

	require.NoError(t, f.Set(ctx, "k", json.RawMessage(`"v"`)))
	v, ok, err := f.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"v"`, string(v))
	assert.Error(t, f.Ping(ctx))
}

func TestFailover_PrimaryPreferred(t *testing.T) {
	ctx := context.Background()
	primary := NewMemory(8, testTTL)
	secondary := NewMemory(8, testTTL)
	f := NewFailover(primary, secondary, zerolog.Nop())

	require.NoError(t, f.Set(ctx, "k", json.RawMessage(`1`)))
	assert.Equal(t, 1, primary.Len())
	assert.Equal(t, 0, secondary.Len())
}

func TestFailover_BothBroken(t *testing.T) {
	f := NewFailover(brokenCache{err: errors.New("a")}, brokenCache{err: errors.New("b")}, zerolog.Nop())
	_, _, err := f.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestFailOpen_DegradesToMiss(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	c := NewFailOpen(brokenCache{err: errors.New("timeout")}, time.Second, zerolog.Nop(), m)

	v, ok, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.NoError(t, c.Set(ctx, "k", json.RawMessage(`1`)))
}

func TestFailOpen_PassesThrough(t *testing.T) {
	ctx := context.Background()
	c := NewFailOpen(NewMemory(8, testTTL), 0, zerolog.Nop(), nil)

	require.NoError(t, c.Set(ctx, "k", json.RawMessage(`{"a":1}`)))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(v))
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	require.NoError(t, c.Set(context.Background(), "k", json.RawMessage(`1`)))
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("SPOTPROXY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SPOTPROXY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	clk := &fakeClock{t: time.Now()}
	p, err := NewPostgres(ctx, dsn, testTTL, zerolog.Nop(), WithClock(clk.Now))
	require.NoError(t, err)
	defer p.Close()

	key := Fingerprint("TW", "/artists/test", nil)
	require.NoError(t, p.Set(ctx, key, json.RawMessage(`{"id":"test"}`)))
	v, ok, err := p.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"test"}`, string(v))

	clk.t = clk.t.Add(testTTL + time.Second)
	_, ok, err = p.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
