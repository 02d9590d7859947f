//go:build integration

package firestore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-pwa-push/internal/storage/firestore"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

func setupSuite(t *testing.T) (context.Context, *fs.FirestoreStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-token-store"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, fs.NewFirestoreStore(client, "")
}

func tokensOf(records []push.TokenRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Token)
	}
	return out
}

func TestTokenStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)

	t.Run("Upsert is keyed by token", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, push.TokenRecord{Token: "tok-a", DeviceID: "device_1"}))
		require.NoError(t, store.Upsert(ctx, push.TokenRecord{Token: "tok-a", DeviceID: "device_1", UserEmail: "a@shop.example"}))

		records, err := store.ListTokens(ctx, "")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "a@shop.example", records[0].UserEmail)
		assert.Equal(t, push.DeviceTypeWeb, records[0].DeviceType)
	})

	t.Run("Rotation prunes the device's other tokens", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, push.TokenRecord{Token: "tok-b", DeviceID: "device_1"}))
		require.NoError(t, store.Upsert(ctx, push.TokenRecord{Token: "tok-other", DeviceID: "device_2"}))

		require.NoError(t, store.DeleteDeviceTokensExcept(ctx, "device_1", "tok-b"))

		records, err := store.ListTokens(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"tok-b", "tok-other"}, tokensOf(records))
	})

	t.Run("Filter by device type and delete invalid tokens", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, push.TokenRecord{Token: "apns-1", DeviceID: "device_3", DeviceType: push.DeviceTypeIOS}))

		ios, err := store.ListTokens(ctx, push.DeviceTypeIOS)
		require.NoError(t, err)
		assert.Equal(t, []string{"apns-1"}, tokensOf(ios))

		require.NoError(t, store.DeleteTokens(ctx, []string{"apns-1", "tok-other", "never-existed"}))
		records, err := store.ListTokens(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"tok-b"}, tokensOf(records))
	})
}
