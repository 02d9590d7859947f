// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// APNSClient defines the subset of the apns2.Client methods we use.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

type Dispatcher struct {
	client APNSClient
	topic  string // App Bundle ID
	logger *slog.Logger
}

var _ push.Dispatcher = (*Dispatcher)(nil)

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Production selects the production gateway; the sandbox is used otherwise.
	Production bool
}

// NewDispatcher parses the P8 key immediately to fail fast on bad credentials.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return newDispatcher(client, cfg.BundleID, logger), nil
}

func newDispatcher(client APNSClient, topic string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSDispatcher"),
	}
}

// Dispatch sends one request per token; the APNs HTTP/2 API has no multicast.
// The content fields are repeated as custom keys so the app reads the same
// data map as the web worker.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, content push.Content) (push.Receipt, error) {
	var receipt push.Receipt
	if len(tokens) == 0 {
		return receipt, nil
	}

	builder := payload.NewPayload().
		AlertTitle(content.Title).
		AlertBody(content.Body).
		Sound("default")
	for k, v := range content.Data() {
		builder.Custom(k, v)
	}

	for _, deviceToken := range tokens {
		if err := ctx.Err(); err != nil {
			receipt.Failed += len(tokens) - receipt.Success - receipt.Failed
			return receipt, err
		}

		res, err := d.client.Push(&apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       d.topic,
			Payload:     builder,
			Priority:    apns2.PriorityHigh,
		})
		if err != nil {
			d.logger.Error("APNs transport failed", "err", err)
			receipt.Failed++
			continue
		}

		if res.Sent() {
			receipt.Success++
			continue
		}
		receipt.Failed++
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			receipt.Invalid = append(receipt.Invalid, deviceToken)
		default:
			// The token may be fine; our configuration is not.
			d.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
	}

	return receipt, nil
}
