package fcm_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pwa-push/internal/platform/fcm"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// MockClient satisfies the MessagingClient interface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.BatchResponse), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allSent(n int) *messaging.BatchResponse {
	br := &messaging.BatchResponse{SuccessCount: n}
	for i := 0; i < n; i++ {
		br.Responses = append(br.Responses, &messaging.SendResponse{Success: true, MessageID: fmt.Sprintf("msg-%d", i)})
	}
	return br
}

func TestFCMDispatch_Lifecycle(t *testing.T) {
	logger := newTestLogger()
	ctx := context.Background()
	content := push.Content{Title: "Promo", Body: "-20%", Icon: "/icon-192x192.png", URL: "https://shop.example/promo"}

	t.Run("Happy Path - data-only message", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		tokens := []string{"token-1", "token-2"}

		var sent *messaging.MulticastMessage
		mockClient.On("SendEachForMulticast", ctx, mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(1).(*messaging.MulticastMessage) }).
			Return(allSent(2), nil)

		receipt, err := dispatcher.Dispatch(ctx, tokens, content)

		require.NoError(t, err)
		assert.Equal(t, push.Receipt{Success: 2}, receipt)
		require.NotNil(t, sent)
		assert.Nil(t, sent.Notification, "display fields must not be set")
		assert.Equal(t, content.Data(), sent.Data)
		assert.Equal(t, "high", sent.Webpush.Headers["Urgency"])
		assert.Equal(t, content.URL, sent.Webpush.FCMOptions.Link)
		mockClient.AssertExpectations(t)
	})

	t.Run("Relative URL is not used as link", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		var sent *messaging.MulticastMessage
		mockClient.On("SendEachForMulticast", ctx, mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(1).(*messaging.MulticastMessage) }).
			Return(allSent(1), nil)

		_, err := dispatcher.Dispatch(ctx, []string{"token-1"}, push.Content{Title: "x", URL: "/orders"})
		require.NoError(t, err)
		assert.Nil(t, sent.Webpush.FCMOptions)
		assert.Equal(t, "/orders", sent.Data["url"])
	})

	t.Run("Transient per-token failure is retryable", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		mockClient.On("SendEachForMulticast", ctx, mock.Anything).Return(&messaging.BatchResponse{
			SuccessCount: 1,
			FailureCount: 1,
			Responses: []*messaging.SendResponse{
				{Success: true},
				{Success: false, Error: errors.New("internal")},
			},
		}, nil)

		receipt, err := dispatcher.Dispatch(ctx, []string{"a", "b"}, content)
		require.NoError(t, err)
		assert.Equal(t, 1, receipt.Success)
		assert.Equal(t, 1, receipt.Retryable())
		assert.Empty(t, receipt.Invalid)
	})

	t.Run("Large token lists are split into batches", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		tokens := make([]string, 501)
		for i := range tokens {
			tokens[i] = fmt.Sprintf("token-%d", i)
		}

		mockClient.On("SendEachForMulticast", ctx, mock.MatchedBy(func(m *messaging.MulticastMessage) bool {
			return len(m.Tokens) == 500
		})).Return(allSent(500), nil).Once()
		mockClient.On("SendEachForMulticast", ctx, mock.MatchedBy(func(m *messaging.MulticastMessage) bool {
			return len(m.Tokens) == 1
		})).Return(allSent(1), nil).Once()

		receipt, err := dispatcher.Dispatch(ctx, tokens, content)
		require.NoError(t, err)
		assert.Equal(t, 501, receipt.Success)
		mockClient.AssertExpectations(t)
	})

	t.Run("Transport Failure (Retryable)", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		mockClient.On("SendEachForMulticast", ctx, mock.Anything).Return(nil, errors.New("network down"))

		_, err := dispatcher.Dispatch(ctx, []string{"token-1"}, content)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "transport failed")
		assert.NotErrorIs(t, err, push.ErrPayloadRejected)
	})

	t.Run("No tokens is a no-op", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		receipt, err := dispatcher.Dispatch(ctx, nil, content)
		require.NoError(t, err)
		assert.Zero(t, receipt)
		mockClient.AssertNotCalled(t, "SendEachForMulticast", mock.Anything, mock.Anything)
	})

	// Token-level "not registered" classification relies on the SDK's internal
	// error types and is covered by the service integration test.
}
