package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pwa-push/internal/platform/web"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
	"github.com/tinywideclouds/go-pwa-push/pushservice/config"
)

// subscriptionJSON builds a browser-shaped subscription with real P-256 keys
// so the payload encryption succeeds.
func subscriptionJSON(t *testing.T, endpoint string) string {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	b, err := json.Marshal(map[string]any{
		"endpoint": endpoint,
		"keys": map[string]string{
			"p256dh": base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			"auth":   base64.RawURLEncoding.EncodeToString(auth),
		},
	})
	require.NoError(t, err)
	return string(b)
}

func TestDispatch_Lifecycle(t *testing.T) {
	// Simulates the browser vendor's push service.
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "high", r.Header.Get("Urgency"))

		switch r.URL.Path {
		case "/success":
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	dispatcher := web.NewDispatcher(config.VapidConfig{
		PrivateKey:      privateKey,
		PublicKey:       publicKey,
		SubscriberEmail: "mailto:test-runner@shop.example",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	content := push.Content{Title: "Test", Body: "Body", URL: "/"}

	valid := subscriptionJSON(t, mockServer.URL+"/success")
	expired := subscriptionJSON(t, mockServer.URL+"/expired")
	flaky := subscriptionJSON(t, mockServer.URL+"/error")
	garbage := "not-a-subscription"

	receipt, err := dispatcher.Dispatch(ctx, []string{valid, expired, flaky, garbage}, content)

	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Success)
	assert.Equal(t, 3, receipt.Failed)
	assert.ElementsMatch(t, []string{expired, garbage}, receipt.Invalid)
	assert.Equal(t, 1, receipt.Retryable())
}
