package pushservice_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pwa-push/internal/api"
	"github.com/tinywideclouds/go-pwa-push/internal/storage/memstore"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
	"github.com/tinywideclouds/go-pwa-push/pushservice"
	"github.com/tinywideclouds/go-pwa-push/pushservice/config"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	dead   map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, tokens []string, _ push.Content) (push.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, tokens...)
	var r push.Receipt
	for _, t := range tokens {
		if d.dead[t] {
			r.Failed++
			r.Invalid = append(r.Invalid, t)
			continue
		}
		r.Success++
	}
	return r, nil
}

func (d *recordingDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakeAuth authenticates any request carrying an Authorization header.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			r = r.WithContext(middleware.ContextWithUser(r.Context(), "operator-1", "operator-1", ""))
		}
		next.ServeHTTP(w, r)
	})
}

func newTestService(t *testing.T, dispatchers map[string]push.Dispatcher) (http.Handler, *memstore.TokenStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.NewTokenStore()

	cfg := &config.Config{
		ListenAddr:   ":0",
		TokenBackend: config.BackendMemory,
		RateLimit:    config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		SendDefaults: push.Content{Title: "Au Matin Vert", Body: "Nouvelle notification"},
	}
	svc, err := pushservice.New(cfg, nil, dispatchers, store, fakeAuth, logger)
	require.NoError(t, err)

	var h http.Handler = svc.Mux()
	return h, store
}

func do(h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer test")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestService_RegisterThenBroadcast(t *testing.T) {
	fcmDispatcher := &recordingDispatcher{dead: map[string]bool{"dead-token": true}}
	h, store := newTestService(t, map[string]push.Dispatcher{push.DeviceTypeWeb: fcmDispatcher})

	rec := do(h, http.MethodPut, "/api/v1/tokens", `{"fcm_token":"tok-1","device_id":"device_1"}`, false)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = do(h, http.MethodPut, "/api/v1/tokens", `{"fcm_token":"dead-token","device_id":"device_2"}`, false)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, http.MethodPost, "/api/v1/notifications", `{"title":"Promo","body":"-20%"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.SendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Summary.Total)
	assert.Equal(t, 1, resp.Summary.Success)
	assert.Equal(t, 1, resp.Summary.InvalidTokensRemoved)

	assert.ElementsMatch(t, []string{"tok-1", "dead-token"}, fcmDispatcher.tokens)
	assert.Equal(t, []string{"tok-1"}, tokensOf(store.Rows()))
}

func TestService_PruneKeepsCurrentToken(t *testing.T) {
	h, store := newTestService(t, nil)

	for _, tok := range []string{"old-1", "old-2", "current"} {
		rec := do(h, http.MethodPut, "/api/v1/tokens", `{"fcm_token":"`+tok+`","device_id":"device_1"}`, false)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := do(h, http.MethodPost, "/api/v1/devices/device_1/prune", `{"keep_token":"current"}`, false)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"current"}, tokensOf(store.Rows()))
}

func TestService_AnonymousPruneSparesSignedInRows(t *testing.T) {
	h, store := newTestService(t, nil)

	rec := do(h, http.MethodPut, "/api/v1/tokens", `{"fcm_token":"anon-old","device_id":"device_1"}`, false)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, http.MethodPut, "/api/v1/tokens", `{"fcm_token":"signed-in","device_id":"device_1"}`, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, http.MethodPut, "/api/v1/tokens", `{"fcm_token":"current","device_id":"device_1"}`, false)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, http.MethodPost, "/api/v1/devices/device_1/prune", `{"keep_token":"current"}`, false)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.ElementsMatch(t, []string{"current", "signed-in"}, tokensOf(store.Rows()))

	rec = do(h, http.MethodPost, "/api/v1/devices/device_1/prune", `{"keep_token":"current"}`, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"current"}, tokensOf(store.Rows()))
}

func TestService_UnregisterRequiresAuth(t *testing.T) {
	h, store := newTestService(t, nil)
	rec := do(h, http.MethodPut, "/api/v1/tokens", `{"fcm_token":"tok-1","device_id":"device_1"}`, false)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, http.MethodDelete, "/api/v1/tokens", `{"fcm_token":"tok-1"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, []string{"tok-1"}, tokensOf(store.Rows()))

	rec = do(h, http.MethodDelete, "/api/v1/tokens", `{"fcm_token":"tok-1"}`, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, store.Rows())
}

func TestService_SendRequiresOperator(t *testing.T) {
	d := &recordingDispatcher{}
	h, _ := newTestService(t, map[string]push.Dispatcher{push.DeviceTypeWeb: d})

	rec := do(h, http.MethodPost, "/api/v1/notifications", `{"title":"x"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, d.Calls())
}

func TestService_MetricsExposed(t *testing.T) {
	h, _ := newTestService(t, nil)

	rec := do(h, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pwa_invalid_tokens_removed_total")
}

func tokensOf(rows []push.TokenRecord) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Token)
	}
	return out
}
