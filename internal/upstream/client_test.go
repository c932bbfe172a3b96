package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/spotproxy/internal/errors"
	"github.com/p-blackswan/spotproxy/internal/metrics"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/v1", time.Second, zerolog.Nop(), metrics.New()), srv
}

func TestGet_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/artists/123", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "TW", r.URL.Query().Get("market"))
		fmt.Fprint(w, `{"id":"123","name":"Jay Chou"}`)
	})

	body, err := c.Get(context.Background(), "tok", "/artists/123", url.Values{"market": {"TW"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"123","name":"Jay Chou"}`, string(body))
}

func TestGet_StripsBearerPrefix(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{}`)
	})
	_, err := c.Get(context.Background(), "Bearer tok", "/me", nil)
	require.NoError(t, err)
}

func TestGet_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   perrors.Kind
	}{
		{"401 is token invalid", 401, `{"error":{"status":401,"message":"The access token expired"}}`, perrors.KindTokenInvalid},
		{"envelope 404 in 200 wrapper", 200, `{"error":{"status":404,"message":"not found"}}`, perrors.KindNotFound},
		{"429 unparseable body", 429, `Too Many Requests`, perrors.KindRateLimited},
		{"400 invalid id", 400, `{"error":{"status":400,"message":"invalid id: xyz"}}`, perrors.KindNotFound},
		{"400 validation", 400, `{"error":{"status":400,"message":"limit must be <= 50"}}`, perrors.KindValidation},
		{"500 unclassified", 500, `oops`, perrors.KindUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.Get(context.Background(), "tok", "/albums/xyz", nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, perrors.KindOf(err))
		})
	}
}

func TestGet_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := New(base, time.Second, zerolog.Nop(), nil)
	_, err := c.Get(context.Background(), "tok", "/artists/1", nil)
	require.Error(t, err)
	assert.Equal(t, perrors.KindNetwork, perrors.KindOf(err))
	assert.ErrorIs(t, err, perrors.ErrNetwork)
}

func TestGet_TimeoutIsNetworkFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, 50*time.Millisecond, zerolog.Nop(), nil)
	_, err := c.Get(context.Background(), "tok", "/slow", nil)
	assert.Equal(t, perrors.KindNetwork, perrors.KindOf(err))
}

func TestGet_MissingToken(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Second, zerolog.Nop(), nil)
	_, err := c.Get(context.Background(), "", "/x", nil)
	assert.ErrorIs(t, err, perrors.ErrTokenInvalid)
}

// pagedHandler serves total items in pages of the requested limit, then
// empty batches. withNext controls whether every page carries a next URL.
func pagedHandler(total int, withNext func(offset, limit int) any, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items := []int{}
		for i := offset; i < total && i < offset+limit; i++ {
			items = append(items, i)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": items,
			"next":  withNext(offset, limit),
		})
	}
}

func TestGetAll_TerminatesOnEmptyBatch(t *testing.T) {
	var calls atomic.Int32
	always := func(offset, limit int) any { return fmt.Sprintf("https://next?offset=%d", offset+limit) }
	c, _ := newTestClient(t, pagedHandler(7, always, &calls))

	items, err := c.GetAll(context.Background(), "tok", "/albums/1/tracks", url.Values{"limit": {"3"}}, "items")
	require.NoError(t, err)

	// ceil(7/3) = 3 full pages, then one empty batch.
	assert.Equal(t, int32(4), calls.Load())
	require.Len(t, items, 7)
	for i, raw := range items {
		assert.JSONEq(t, strconv.Itoa(i), string(raw))
	}
}

func TestGetAll_TerminatesOnNullNext(t *testing.T) {
	var calls atomic.Int32
	realistic := func(offset, limit int) any {
		if offset+limit >= 7 {
			return nil
		}
		return "https://next"
	}
	c, _ := newTestClient(t, pagedHandler(7, realistic, &calls))

	items, err := c.GetAll(context.Background(), "tok", "/albums/1/tracks", url.Values{"limit": {"3"}}, "items")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, items, 7)
}

func TestGetAll_MissingKey(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"tracks":[]}`)
	})
	items, err := c.GetAll(context.Background(), "tok", "/x", nil, "items")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetAll_NestedKey(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			fmt.Fprint(w, `{"albums":{"items":[{"id":"a"},{"id":"b"}],"next":"https://next"}}`)
			return
		}
		fmt.Fprint(w, `{"albums":{"items":[{"id":"c"}],"next":null}}`)
	})
	items, err := c.GetAll(context.Background(), "tok", "/search", url.Values{"limit": {"2"}}, "albums.items")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.JSONEq(t, `{"id":"c"}`, string(items[2]))
}

func TestGetAll_PropagatesClassifiedError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.GetAll(context.Background(), "tok", "/x", nil, "items")
	assert.ErrorIs(t, err, perrors.ErrRateLimited)
}

func TestURL(t *testing.T) {
	c := New("https://api.spotify.com/v1/", time.Second, zerolog.Nop(), nil)
	assert.Equal(t, "https://api.spotify.com/v1/artists/1", c.URL("/artists/1"))
	assert.Equal(t, "https://api.spotify.com/v1/artists/1", c.URL("artists/1"))
	assert.Equal(t, "https://example.com/x", c.URL("https://example.com/x"))
}
