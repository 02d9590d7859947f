package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pwa-push/internal/pipeline"
	"github.com/tinywideclouds/go-pwa-push/internal/storage/memstore"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, tokens []string, content push.Content) (push.Receipt, error) {
	args := m.Called(ctx, tokens, content)
	return args.Get(0).(push.Receipt), args.Error(1)
}

var defaults = push.Content{
	Title: "Au Matin Vert",
	Body:  "Nouvelle notification",
	Icon:  "https://shop.example/icon-192x192.png",
	URL:   "https://shop.example/",
}

func seed(t *testing.T, rows ...push.TokenRecord) *memstore.TokenStore {
	t.Helper()
	store := memstore.NewTokenStore()
	for _, r := range rows {
		require.NoError(t, store.Upsert(context.Background(), r))
	}
	return store
}

func TestSender_BroadcastRoutesByDeviceType(t *testing.T) {
	ctx := context.Background()
	store := seed(t,
		push.TokenRecord{Token: "fcm-1", DeviceID: "device_a"},
		push.TokenRecord{Token: "fcm-2", DeviceID: "device_b"},
		push.TokenRecord{Token: "apns-1", DeviceID: "device_c", DeviceType: push.DeviceTypeIOS},
	)
	fcmMock := new(mockDispatcher)
	apnsMock := new(mockDispatcher)

	want := push.Content{Title: "Promo", Body: defaults.Body, Icon: defaults.Icon, URL: defaults.URL}
	fcmMock.On("Dispatch", mock.Anything, []string{"fcm-1", "fcm-2"}, want).Return(push.Receipt{Success: 2}, nil)
	apnsMock.On("Dispatch", mock.Anything, []string{"apns-1"}, want).Return(push.Receipt{Success: 1}, nil)

	sender := pipeline.NewSender(store, map[string]push.Dispatcher{
		push.DeviceTypeWeb: fcmMock,
		push.DeviceTypeIOS: apnsMock,
	}, defaults, newTestLogger())

	summary, err := sender.Send(ctx, push.SendRequest{Title: "Promo"})

	require.NoError(t, err)
	assert.Equal(t, push.SendSummary{Total: 3, Success: 3}, summary)
	fcmMock.AssertExpectations(t)
	apnsMock.AssertExpectations(t)
}

func TestSender_ExplicitTokensAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := seed(t,
		push.TokenRecord{Token: "alive", DeviceID: "device_a"},
		push.TokenRecord{Token: "dead", DeviceID: "device_b"},
		push.TokenRecord{Token: "untouched", DeviceID: "device_c"},
	)
	fcmMock := new(mockDispatcher)
	fcmMock.On("Dispatch", mock.Anything, []string{"alive", "dead", "unknown"}, mock.Anything).
		Return(push.Receipt{Success: 2, Failed: 1, Invalid: []string{"dead"}}, nil)

	sender := pipeline.NewSender(store, map[string]push.Dispatcher{push.DeviceTypeWeb: fcmMock}, defaults, newTestLogger())

	summary, err := sender.Send(ctx, push.SendRequest{Tokens: []string{"alive", "dead", "alive", "unknown"}, Title: "Hi"})

	require.NoError(t, err)
	assert.Equal(t, push.SendSummary{Total: 3, Success: 2, Failed: 1, InvalidTokensRemoved: 1}, summary)

	rows, err := store.ListTokens(ctx, "")
	require.NoError(t, err)
	var left []string
	for _, r := range rows {
		left = append(left, r.Token)
	}
	assert.ElementsMatch(t, []string{"alive", "untouched"}, left)
}

func TestSender_TransientFailureIsPartial(t *testing.T) {
	ctx := context.Background()
	store := seed(t, push.TokenRecord{Token: "a", DeviceID: "device_a"}, push.TokenRecord{Token: "b", DeviceID: "device_b"})
	fcmMock := new(mockDispatcher)
	fcmMock.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
		Return(push.Receipt{Success: 1, Failed: 1}, nil)

	sender := pipeline.NewSender(store, map[string]push.Dispatcher{push.DeviceTypeWeb: fcmMock}, defaults, newTestLogger())
	summary, err := sender.Send(ctx, push.SendRequest{})

	assert.ErrorIs(t, err, pipeline.ErrPartialDelivery)
	assert.Equal(t, push.SendSummary{Total: 2, Success: 1, Failed: 1}, summary)
}

func TestSender_DispatcherErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("Transport failure counts every token as failed", func(t *testing.T) {
		store := seed(t, push.TokenRecord{Token: "a", DeviceID: "device_a"})
		fcmMock := new(mockDispatcher)
		fcmMock.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return(push.Receipt{}, errors.New("network down"))

		sender := pipeline.NewSender(store, map[string]push.Dispatcher{push.DeviceTypeWeb: fcmMock}, defaults, newTestLogger())
		summary, err := sender.Send(ctx, push.SendRequest{})

		assert.ErrorIs(t, err, pipeline.ErrPartialDelivery)
		assert.Equal(t, push.SendSummary{Total: 1, Failed: 1}, summary)
	})

	t.Run("Rejected payload is not retryable", func(t *testing.T) {
		store := seed(t, push.TokenRecord{Token: "a", DeviceID: "device_a"})
		fcmMock := new(mockDispatcher)
		fcmMock.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return(push.Receipt{}, push.ErrPayloadRejected)

		sender := pipeline.NewSender(store, map[string]push.Dispatcher{push.DeviceTypeWeb: fcmMock}, defaults, newTestLogger())
		_, err := sender.Send(ctx, push.SendRequest{})

		assert.ErrorIs(t, err, push.ErrPayloadRejected)
		assert.NotErrorIs(t, err, pipeline.ErrPartialDelivery)
	})

	t.Run("Missing dispatcher fails those tokens only", func(t *testing.T) {
		store := seed(t,
			push.TokenRecord{Token: "a", DeviceID: "device_a"},
			push.TokenRecord{Token: "sub", DeviceID: "device_b", DeviceType: push.DeviceTypeWebPush},
		)
		fcmMock := new(mockDispatcher)
		fcmMock.On("Dispatch", mock.Anything, []string{"a"}, mock.Anything).Return(push.Receipt{Success: 1}, nil)

		sender := pipeline.NewSender(store, map[string]push.Dispatcher{push.DeviceTypeWeb: fcmMock}, defaults, newTestLogger())
		summary, err := sender.Send(ctx, push.SendRequest{})

		require.NoError(t, err)
		assert.Equal(t, push.SendSummary{Total: 2, Success: 1, Failed: 1}, summary)
	})
}

func TestSender_StoreFailure(t *testing.T) {
	store := memstore.NewTokenStore()
	store.SetFailReads(errors.New("db down"))

	sender := pipeline.NewSender(store, nil, defaults, newTestLogger())
	_, err := sender.Send(context.Background(), push.SendRequest{})
	assert.ErrorContains(t, err, "db down")
}

func TestSender_NoTokens(t *testing.T) {
	sender := pipeline.NewSender(memstore.NewTokenStore(), nil, defaults, newTestLogger())
	summary, err := sender.Send(context.Background(), push.SendRequest{Title: "x"})
	require.NoError(t, err)
	assert.Zero(t, summary)
}
