package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pwa-push/internal/pipeline"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

func TestProcessor_AckAndRetry(t *testing.T) {
	ctx := context.Background()
	msg := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "msg-1"}}

	run := func(t *testing.T, receipt push.Receipt, dispatchErr error) error {
		t.Helper()
		store := seed(t, push.TokenRecord{Token: "a", DeviceID: "device_a"})
		d := new(mockDispatcher)
		d.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).Return(receipt, dispatchErr)
		sender := pipeline.NewSender(store, map[string]push.Dispatcher{push.DeviceTypeWeb: d}, defaults, newTestLogger())
		return pipeline.NewProcessor(sender, newTestLogger())(ctx, msg, &push.SendRequest{Title: "t"})
	}

	t.Run("Delivered is acked", func(t *testing.T) {
		require.NoError(t, run(t, push.Receipt{Success: 1}, nil))
	})

	t.Run("Invalid token is acked after cleanup", func(t *testing.T) {
		require.NoError(t, run(t, push.Receipt{Failed: 1, Invalid: []string{"a"}}, nil))
	})

	t.Run("Transient failure is nacked", func(t *testing.T) {
		assert.ErrorIs(t, run(t, push.Receipt{}, errors.New("unavailable")), pipeline.ErrPartialDelivery)
	})

	t.Run("Rejected payload is acked", func(t *testing.T) {
		require.NoError(t, run(t, push.Receipt{}, push.ErrPayloadRejected))
	})

	t.Run("No devices is acked", func(t *testing.T) {
		sender := pipeline.NewSender(seed(t), nil, defaults, newTestLogger())
		require.NoError(t, pipeline.NewProcessor(sender, newTestLogger())(ctx, msg, &push.SendRequest{}))
	})

	t.Run("Rejected payload alongside a transient failure is nacked", func(t *testing.T) {
		store := seed(t,
			push.TokenRecord{Token: "a", DeviceID: "device_a"},
			push.TokenRecord{Token: "b", DeviceID: "device_b", DeviceType: push.DeviceTypeIOS},
		)
		web := new(mockDispatcher)
		web.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).Return(push.Receipt{}, push.ErrPayloadRejected)
		ios := new(mockDispatcher)
		ios.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).Return(push.Receipt{}, errors.New("unavailable"))

		sender := pipeline.NewSender(store, map[string]push.Dispatcher{
			push.DeviceTypeWeb: web,
			push.DeviceTypeIOS: ios,
		}, defaults, newTestLogger())
		err := pipeline.NewProcessor(sender, newTestLogger())(ctx, msg, &push.SendRequest{Title: "t"})
		assert.ErrorIs(t, err, pipeline.ErrPartialDelivery)
	})
}
