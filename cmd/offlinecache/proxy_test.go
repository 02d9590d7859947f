package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pwa-push/internal/cachestore"
	"github.com/tinywideclouds/go-pwa-push/internal/worker"
	"github.com/tinywideclouds/go-pwa-push/internal/worker/cachectl"
)

func newTestProxy(t *testing.T) (*httptest.Server, *httptest.Server, *slot, *cachestore.MemoryStorage) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "page:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	store := cachestore.NewMemoryStorage()
	cfg := cachectl.Config{Origin: upstream.URL, Prefix: "test", Version: "v1", ShellResources: []string{"/"}}
	controller, err := cachectl.New(cfg, store, nil, nil, logger)
	require.NoError(t, err)

	workers := newSlot(worker.NewRuntime(controller.Handlers(), nil, logger))
	mux := http.NewServeMux()
	registerRoutes(mux, workers, upstreamURL, logger)

	proxy := httptest.NewServer(mux)
	t.Cleanup(proxy.Close)
	return upstream, proxy, workers, store
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestProxy_ServesFromCacheWhenUpstreamDown(t *testing.T) {
	upstream, proxy, workers, store := newTestProxy(t)

	require.NoError(t, workers.Runtime().Install(t.Context()))
	require.Equal(t, worker.StateActivated, workers.Runtime().State())

	code, body := get(t, proxy.URL+"/products/7")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "page:/products/7", body)

	// The dynamic bucket is filled once the body has been read through.
	require.Eventually(t, func() bool {
		_, err := store.Match(t.Context(), "test-dynamic-v1", upstream.URL+"/products/7")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	upstream.Close()

	code, body = get(t, proxy.URL+"/products/7")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "page:/products/7", body)

	// Uncached navigations fall back to the shell.
	code, body = get(t, proxy.URL+"/never-visited")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "page:/", body)
}

func TestProxy_PassThroughBeforeInstall(t *testing.T) {
	_, proxy, workers, _ := newTestProxy(t)

	code, body := get(t, proxy.URL+"/cart")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "page:/cart", body)
	assert.Equal(t, worker.StateParsed, workers.Runtime().State())
}

func TestProxy_PostMessage(t *testing.T) {
	_, proxy, workers, store := newTestProxy(t)
	require.NoError(t, workers.Runtime().Install(t.Context()))

	resp, err := http.Post(proxy.URL+"/__worker/message", "application/json", strings.NewReader(`{"type":"CLEAR_CACHE"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	buckets, err := store.Buckets(t.Context())
	require.NoError(t, err)
	assert.Empty(t, buckets)

	resp, err = http.Post(proxy.URL+"/__worker/message", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
