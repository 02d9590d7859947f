// Package fcm delivers data-only notifications to browser tokens through
// Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// maxBatch is the multicast limit of the FCM HTTP v1 API.
const maxBatch = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Dispatcher struct {
	client MessagingClient
	logger *slog.Logger
}

var _ push.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(client MessagingClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		logger: logger.With("component", "FCMDispatcher"),
	}
}

// Dispatch sends the content in the data fields only. A notification block
// would make the browser display the message itself, bypassing the worker's
// tag-replace and focus handling.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, content push.Content) (push.Receipt, error) {
	var receipt push.Receipt
	if len(tokens) == 0 {
		return receipt, nil
	}

	for start := 0; start < len(tokens); start += maxBatch {
		end := min(start+maxBatch, len(tokens))
		batch := tokens[start:end]

		br, err := d.client.SendEachForMulticast(ctx, newMessage(batch, content))
		if err != nil {
			if messaging.IsInvalidArgument(err) {
				d.logger.Error("FCM rejected batch as InvalidArgument", "err", err)
				return receipt, fmt.Errorf("fcm: %w: %v", push.ErrPayloadRejected, err)
			}
			return receipt, fmt.Errorf("fcm transport failed: %w", err)
		}

		receipt.Success += br.SuccessCount
		receipt.Failed += br.FailureCount
		for idx, resp := range br.Responses {
			if resp.Success {
				continue
			}
			if messaging.IsRegistrationTokenNotRegistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
				receipt.Invalid = append(receipt.Invalid, batch[idx])
				continue
			}
			d.logger.Warn("FCM delivery failed", "err", resp.Error)
		}
	}

	d.logger.Debug("FCM batch dispatched", "receipt", receipt.String())
	return receipt, nil
}

func newMessage(tokens []string, content push.Content) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   content.Data(),
		Webpush: &messaging.WebpushConfig{
			Headers: map[string]string{"Urgency": "high"},
		},
	}
	// FCM only accepts absolute HTTPS links.
	if strings.HasPrefix(content.URL, "https://") {
		msg.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: content.URL}
	}
	return msg
}
