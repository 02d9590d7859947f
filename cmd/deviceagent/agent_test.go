package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pwa-push/cmd"
	"github.com/tinywideclouds/go-pwa-push/internal/api"
	"github.com/tinywideclouds/go-pwa-push/internal/host/hostsim"
	"github.com/tinywideclouds/go-pwa-push/internal/localstore"
	"github.com/tinywideclouds/go-pwa-push/internal/storage/memstore"
)

// newTokenServer serves the real token handlers over a memory store.
// Any bearer token authenticates as shopper-1.
func newTokenServer(t *testing.T, logger *slog.Logger) (*httptest.Server, *memstore.TokenStore) {
	t.Helper()
	store := memstore.NewTokenStore()
	tokens := api.NewTokenAPI(store, logger)

	auth := func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				r = r.WithContext(middleware.ContextWithUser(r.Context(), "shopper-1", "shopper-1", ""))
			}
			next(w, r)
		})
	}
	mux := http.NewServeMux()
	mux.Handle("PUT /api/v1/tokens", auth(tokens.UpsertToken))
	mux.Handle("POST /api/v1/devices/{deviceID}/prune", auth(tokens.PruneDevice))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func newTestAgent(t *testing.T, cfg *cmd.DeviceAgentConfig, platform *hostsim.Platform, logger *slog.Logger) *agent {
	t.Helper()
	a, err := newAgent(cfg, platform, logger)
	require.NoError(t, err)
	a.recovery.WithSleep(func(context.Context, time.Duration) error { return nil })
	t.Cleanup(a.stop)
	return a
}

func TestAgent_EnableRegistersToken(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, store := newTokenServer(t, logger)
	statePath := filepath.Join(t.TempDir(), "state.json")

	platform := hostsim.New()
	platform.IssueTokens("tok-1")
	cfg := &cmd.DeviceAgentConfig{
		APIURL:    srv.URL,
		APIToken:  "jwt",
		StatePath: statePath,
		Origin:    "https://shop.example",
		AppName:   "Shop",
		Action:    cmd.ActionEnable,
	}
	a := newTestAgent(t, cfg, platform, logger)

	require.NoError(t, a.run(ctx))

	assert.Equal(t, "tok-1", a.session.Status().Token)
	assert.True(t, a.session.Armed())
	assert.Equal(t, 1, platform.Prompts())

	// The state survives the process.
	reopened, err := localstore.OpenFileStore(statePath)
	require.NoError(t, err)
	deviceID, ok, err := reopened.Get(localstore.KeyDeviceID)
	require.NoError(t, err)
	require.True(t, ok)

	rows := store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "tok-1", rows[0].Token)
	assert.Equal(t, deviceID, rows[0].DeviceID)
}

func TestAgent_ResetReacquires(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, store := newTokenServer(t, logger)
	statePath := filepath.Join(t.TempDir(), "state.json")
	cfg := &cmd.DeviceAgentConfig{
		APIURL:    srv.URL,
		StatePath: statePath,
		Origin:    "https://shop.example",
		AppName:   "Shop",
		Action:    cmd.ActionEnable,
	}

	first := hostsim.New()
	first.IssueTokens("tok-1")
	require.NoError(t, newTestAgent(t, cfg, first, logger).run(ctx))

	reset := *cfg
	reset.Action = cmd.ActionReset
	second := hostsim.New()
	second.IssueTokens("tok-2")
	a := newTestAgent(t, &reset, second, logger)

	require.NoError(t, a.run(ctx))

	assert.Equal(t, "tok-2", a.session.Status().Token)
	assert.Equal(t, []string{"/"}, second.Navigations())
	tokens := make([]string, 0, 2)
	for _, r := range store.Rows() {
		tokens = append(tokens, r.Token)
	}
	assert.ElementsMatch(t, []string{"tok-1", "tok-2"}, tokens)
}

func TestAgent_StartWithoutPermissionStaysQuiet(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, store := newTokenServer(t, logger)
	cfg := &cmd.DeviceAgentConfig{
		APIURL:    srv.URL,
		StatePath: filepath.Join(t.TempDir(), "state.json"),
		Origin:    "https://shop.example",
		AppName:   "Shop",
		Action:    cmd.ActionStart,
	}
	platform := hostsim.New()
	a := newTestAgent(t, cfg, platform, logger)

	require.NoError(t, a.run(context.Background()))

	assert.Zero(t, platform.Prompts())
	assert.Empty(t, a.session.Status().Token)
	assert.Empty(t, store.Rows())
}
