package tokenstore

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/p-blackswan/spotproxy/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestToken_Expiry(t *testing.T) {
	now := time.Now()
	tok := NewToken("abc", now, time.Hour)
	assert.False(t, tok.ExpiredAt(now))
	assert.True(t, tok.ExpiredAt(now.Add(time.Hour)))
	assert.Equal(t, 30*time.Minute, tok.ExpiresIn(now.Add(30*time.Minute)))
	assert.Equal(t, time.Duration(0), tok.ExpiresIn(now.Add(2*time.Hour)))

	assert.True(t, Token{ExpiresAt: time.Now().Add(-time.Second)}.IsExpired())
	assert.False(t, Token{ExpiresAt: time.Now().Add(time.Hour)}.IsExpired())
}

func TestToken_Validate(t *testing.T) {
	now := time.Now()
	assert.NoError(t, NewToken("abc", now, time.Second).Validate())
	assert.ErrorIs(t, NewToken("abc", now, 0).Validate(), ErrInvalidToken)
	assert.ErrorIs(t, NewToken("", now, time.Hour).Validate(), ErrInvalidToken)
}

func TestMemoryPool_Empty(t *testing.T) {
	pool := NewMemoryPool(3)
	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryPool_PutAndGet(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	pool := NewMemoryPool(3, WithClock(clock.Now))

	require.NoError(t, pool.Put(ctx, NewToken("t1", clock.Now(), time.Hour)))
	tok, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", tok.Value)
}

func TestMemoryPool_NeverReturnsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	pool := NewMemoryPool(3, WithClock(clock.Now))

	require.NoError(t, pool.Put(ctx, NewToken("short", clock.Now(), time.Minute)))
	clock.Advance(time.Minute)

	_, err := pool.Get(ctx)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	n, _ := pool.Len(ctx)
	assert.Equal(t, 0, n)
}

func TestMemoryPool_EvictsOldestBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	pool := NewMemoryPool(3, WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Put(ctx, NewToken(fmt.Sprintf("t%d", i), clock.Now(), time.Hour)))
		clock.Advance(time.Second)
	}

	n, _ := pool.Len(ctx)
	assert.Equal(t, 3, n)
	for i := 0; i < 50; i++ {
		tok, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, "t0", tok.Value)
	}
}

func TestMemoryPool_PutPurgesExpired(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	pool := NewMemoryPool(3, WithClock(clock.Now))

	require.NoError(t, pool.Put(ctx, NewToken("old", clock.Now(), time.Second)))
	clock.Advance(2 * time.Second)
	require.NoError(t, pool.Put(ctx, NewToken("new", clock.Now(), time.Hour)))

	assert.Len(t, pool.tokens, 1)
	assert.Equal(t, "new", pool.tokens[0].Value)
}

func TestMemoryPool_Drop(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryPool(3)
	require.NoError(t, pool.Put(ctx, NewToken("bad", time.Now(), time.Hour)))
	require.NoError(t, pool.Drop(ctx, "bad"))
	_, err := pool.Get(ctx)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	assert.NoError(t, pool.Drop(ctx, "nope")) // should not error
}

func TestMemoryPool_RejectsInvalidToken(t *testing.T) {
	pool := NewMemoryPool(3)
	err := pool.Put(context.Background(), Token{Value: "x", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(-time.Second)})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMemoryPool_WeightedSelection(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	pool := NewMemoryPool(3, WithClock(clock.Now), WithRand(rand.New(rand.NewSource(42))))

	for _, v := range []string{"oldest", "middle", "newest"} {
		require.NoError(t, pool.Put(ctx, NewToken(v, clock.Now(), time.Hour)))
		clock.Advance(time.Second)
	}

	counts := map[string]int{}
	const draws = 6000
	for i := 0; i < draws; i++ {
		tok, err := pool.Get(ctx)
		require.NoError(t, err)
		counts[tok.Value]++
	}

	// Expected 3000 / 2000 / 1000.
	assert.InDelta(t, 3000, counts["newest"], 250)
	assert.InDelta(t, 2000, counts["middle"], 250)
	assert.InDelta(t, 1000, counts["oldest"], 250)
}

func TestMemoryPool_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		clock := newClock()
		capacity := rapid.IntRange(1, 5).Draw(t, "capacity")
		pool := NewMemoryPool(capacity, WithClock(clock.Now))

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			ttl := time.Duration(rapid.IntRange(1, 120).Draw(t, "ttl")) * time.Second
			before := append([]Token(nil), pool.tokens...)
			tok := NewToken(fmt.Sprintf("tok-%d", i), clock.Now(), ttl)
			if err := pool.Put(ctx, tok); err != nil {
				t.Fatalf("put: %v", err)
			}
			if len(pool.tokens) > capacity {
				t.Fatalf("pool holds %d > %d", len(pool.tokens), capacity)
			}
			// Any live token that was evicted must be no newer than every survivor.
			for _, old := range before {
				if old.ExpiredAt(clock.Now()) || containsValue(pool.tokens, old.Value) {
					continue
				}
				for _, kept := range pool.tokens {
					if old.IssuedAt.After(kept.IssuedAt) {
						t.Fatalf("evicted %s newer than kept %s", old.Value, kept.Value)
					}
				}
			}

			clock.Advance(time.Duration(rapid.IntRange(0, 60).Draw(t, "advance")) * time.Second)
			if got, err := pool.Get(ctx); err == nil && got.ExpiredAt(clock.Now()) {
				t.Fatalf("returned expired token %s", got.Value)
			}
		}
	})
}

func containsValue(toks []Token, v string) bool {
	for _, t := range toks {
		if t.Value == v {
			return true
		}
	}
	return false
}

func newSQLPool(t *testing.T, clock *fakeClock) *SQLPool {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "tokens.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewSQLPool(s.DB(), 3, WithClock(clock.Now))
}

func TestSQLPool_PutGetPrune(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	pool := newSQLPool(t, clock)

	_, err := pool.Get(ctx)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Put(ctx, NewToken(fmt.Sprintf("t%d", i), clock.Now(), time.Hour)))
		clock.Advance(time.Second)
	}

	var rows int
	require.NoError(t, pool.db.QueryRow(`SELECT COUNT(*) FROM tokens`).Scan(&rows))
	assert.Equal(t, 3, rows)

	for i := 0; i < 30; i++ {
		tok, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Contains(t, []string{"t2", "t3", "t4"}, tok.Value)
	}
}

func TestSQLPool_ExpiryAndDrop(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	pool := newSQLPool(t, clock)

	require.NoError(t, pool.Put(ctx, NewToken("short", clock.Now(), time.Minute)))
	require.NoError(t, pool.Put(ctx, NewToken("long", clock.Now(), time.Hour)))
	clock.Advance(time.Minute)

	for i := 0; i < 10; i++ {
		tok, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "long", tok.Value)
	}
	n, err := pool.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, pool.Drop(ctx, "long"))
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
