package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
	"github.com/tinywideclouds/go-pwa-push/pushservice/config"
)

// Dispatcher delivers to webpush rows, whose token is the browser's
// PushSubscription serialized as JSON.
type Dispatcher struct {
	subscriber string
	privateKey string
	publicKey  string
	ttl        int
	logger     *slog.Logger
	httpClient *http.Client
}

var _ push.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(cfg config.VapidConfig, logger *slog.Logger) *Dispatcher {
	ttl := cfg.TTLSeconds
	if ttl <= 0 {
		ttl = 60
	}
	return &Dispatcher{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		ttl:        ttl,
		logger:     logger.With("component", "WebPushDispatcher"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, content push.Content) (push.Receipt, error) {
	var receipt push.Receipt
	if len(tokens) == 0 {
		return receipt, nil
	}

	// Same data-only shape the FCM path produces, so one worker handles both.
	payloadBytes, err := json.Marshal(push.Payload{Data: content.Data()})
	if err != nil {
		return receipt, fmt.Errorf("failed to marshal payload: %w", err)
	}

	for _, token := range tokens {
		var sub webpush.Subscription
		if err := json.Unmarshal([]byte(token), &sub); err != nil || sub.Endpoint == "" {
			d.logger.Warn("Stored web push subscription is unreadable", "err", err)
			receipt.Failed++
			receipt.Invalid = append(receipt.Invalid, token)
			continue
		}

		resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, &sub, &webpush.Options{
			Subscriber:      d.subscriber,
			VAPIDPublicKey:  d.publicKey,
			VAPIDPrivateKey: d.privateKey,
			TTL:             d.ttl,
			Urgency:         webpush.UrgencyHigh,
			HTTPClient:      d.httpClient,
		})
		if err != nil {
			// Transport error: keep the subscription.
			d.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
			receipt.Failed++
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK:
			receipt.Success++
		case http.StatusGone, http.StatusNotFound:
			receipt.Failed++
			receipt.Invalid = append(receipt.Invalid, token)
		default:
			d.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
			receipt.Failed++
		}
	}

	return receipt, nil
}
