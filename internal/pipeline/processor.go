package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// NewProcessor adapts the Sender to the streaming service. Returning an error
// nacks the message so Pub/Sub redelivers it; tag-replace on the device makes
// a repeated delivery show once.
func NewProcessor(sender *Sender, logger *slog.Logger) messagepipeline.StreamProcessor[push.SendRequest] {
	return func(ctx context.Context, original messagepipeline.Message, req *push.SendRequest) error {
		procLogger := logger.With("pubsub_msg_id", original.ID)

		summary, err := sender.Send(ctx, *req)
		if err != nil {
			if !errors.Is(err, ErrPartialDelivery) && errors.Is(err, push.ErrPayloadRejected) {
				procLogger.Error("Platform rejected the notification, dropping", "err", err)
				return nil
			}
			procLogger.Error("Send failed", "err", err, "total", summary.Total, "failed", summary.Failed)
			return err
		}

		if summary.Total == 0 {
			procLogger.Info("No devices registered; dropping notification.")
			return nil
		}
		procLogger.Info("Notification sent",
			"total", summary.Total,
			"success", summary.Success,
			"invalid_tokens_removed", summary.InvalidTokensRemoved,
		)
		return nil
	}
}
