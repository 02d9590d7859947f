package cachestore_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-pwa-push/internal/cachestore"
)

// runStorageContract exercises the behaviour every Storage must share.
func runStorageContract(t *testing.T, s cachestore.Storage) {
	t.Helper()
	ctx := context.Background()

	entry := func(body string) cachestore.Entry {
		return cachestore.Entry{
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": []string{"text/plain"}},
			Body:     []byte(body),
			StoredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}
	}

	t.Run("open is idempotent and ordered", func(t *testing.T) {
		require.NoError(t, s.Open(ctx, "app-static-v1"))
		require.NoError(t, s.Open(ctx, "app-dynamic-v1"))
		require.NoError(t, s.Open(ctx, "app-static-v1"))

		names, err := s.Buckets(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-static-v1", "app-dynamic-v1"}, names)
	})

	t.Run("put and match", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "app-dynamic-v1", "https://shop.example/a", entry("dynamic-a")))
		require.NoError(t, s.Put(ctx, "app-static-v1", "https://shop.example/a", entry("static-a")))

		got, err := s.Match(ctx, "app-dynamic-v1", "https://shop.example/a")
		require.NoError(t, err)
		assert.Equal(t, entry("dynamic-a"), got)

		// Creation order wins across buckets.
		got, err = s.MatchAny(ctx, "https://shop.example/a")
		require.NoError(t, err)
		assert.Equal(t, "static-a", string(got.Body))

		_, err = s.MatchAny(ctx, "https://shop.example/missing")
		assert.ErrorIs(t, err, cachestore.ErrNotFound)
	})

	t.Run("delete all", func(t *testing.T) {
		n, err := cachestore.DeleteAll(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		names, err := s.Buckets(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)

		_, err = s.Match(ctx, "app-static-v1", "https://shop.example/a")
		assert.ErrorIs(t, err, cachestore.ErrNotFound)

		existed, err := s.Delete(ctx, "app-static-v1")
		require.NoError(t, err)
		assert.False(t, existed)
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageContract(t, cachestore.NewMemoryStorage())
}

func TestEntry_Response(t *testing.T) {
	e := cachestore.Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<html></html>"),
	}
	req := httptest.NewRequest(http.MethodGet, "https://shop.example/", nil)

	resp := e.Response(req)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "<html></html>", string(body))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Same(t, req, resp.Request)

	// Rebuilding twice yields independent bodies.
	again, err := io.ReadAll(e.Response(req).Body)
	require.NoError(t, err)
	assert.Equal(t, body, again)
}

func TestNewEntry_DropsSetCookie(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type": {"text/html"},
			"Set-Cookie":   {"session=secret"},
		},
	}

	e := cachestore.NewEntry(resp, []byte("ok"), time.Now())

	assert.Empty(t, e.Header.Values("Set-Cookie"))
	assert.Equal(t, "text/html", e.Header.Get("Content-Type"))
	assert.Equal(t, "session=secret", resp.Header.Get("Set-Cookie"), "the live response is untouched")
}
