// Package pipeline turns send requests into per-platform deliveries. The same
// Sender serves the HTTP API and the Pub/Sub streaming consumer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-pwa-push/internal/metrics"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// ErrPartialDelivery is returned with a summary when some deliveries failed
// for reasons that a retry may fix.
var ErrPartialDelivery = errors.New("some deliveries failed transiently")

// Sender routes tokens to the dispatcher registered for their device type and
// deletes the tokens the platforms report as invalid.
type Sender struct {
	store       push.TokenStore
	dispatchers map[string]push.Dispatcher
	defaults    push.Content
	logger      *slog.Logger
}

// NewSender keys dispatchers by device type (push.DeviceTypeWeb, ...).
// A nil entry disables that platform.
func NewSender(store push.TokenStore, dispatchers map[string]push.Dispatcher, defaults push.Content, logger *slog.Logger) *Sender {
	return &Sender{
		store:       store,
		dispatchers: dispatchers,
		defaults:    defaults,
		logger:      logger.With("component", "Sender"),
	}
}

// Send delivers one notification. With no explicit tokens it broadcasts to
// every stored token. The summary is valid even when an error is returned.
func (s *Sender) Send(ctx context.Context, req push.SendRequest) (push.SendSummary, error) {
	var summary push.SendSummary
	content := req.Content().WithDefaults(s.defaults)

	groups, err := s.targets(ctx, req.Tokens)
	if err != nil {
		return summary, err
	}

	var (
		invalid   []string
		failures  []error
		retryable int
	)
	for deviceType, tokens := range groups {
		summary.Total += len(tokens)

		d := s.dispatchers[deviceType]
		if d == nil {
			s.logger.Warn("No dispatcher for device type, skipping tokens", "device_type", deviceType, "count", len(tokens))
			summary.Failed += len(tokens)
			metrics.NotificationsDispatched.WithLabelValues(deviceType, "unsupported").Add(float64(len(tokens)))
			continue
		}

		receipt, err := d.Dispatch(ctx, tokens, content)
		if err != nil {
			s.logger.Error("Dispatch failed", "device_type", deviceType, "err", err)
			failures = append(failures, fmt.Errorf("%s: %w", deviceType, err))
			// Tokens the dispatcher never reached count as failed.
			receipt.Failed = len(tokens) - receipt.Success
			if !errors.Is(err, push.ErrPayloadRejected) {
				retryable += receipt.Retryable()
			}
		} else {
			retryable += receipt.Retryable()
		}

		summary.Success += receipt.Success
		summary.Failed += receipt.Failed
		invalid = append(invalid, receipt.Invalid...)

		metrics.NotificationsDispatched.WithLabelValues(deviceType, "success").Add(float64(receipt.Success))
		metrics.NotificationsDispatched.WithLabelValues(deviceType, "failed").Add(float64(receipt.Failed - len(receipt.Invalid)))
		metrics.NotificationsDispatched.WithLabelValues(deviceType, "invalid").Add(float64(len(receipt.Invalid)))
		s.logger.Info("Dispatched", "device_type", deviceType, "receipt", receipt.String())
	}

	if len(invalid) > 0 {
		// Cleanup failure does not fail the send.
		if err := s.store.DeleteTokens(ctx, invalid); err != nil {
			s.logger.Error("Failed to delete invalid tokens", "count", len(invalid), "err", err)
		} else {
			summary.InvalidTokensRemoved = len(invalid)
			metrics.InvalidTokensRemoved.Add(float64(len(invalid)))
			s.logger.Info("Cleaned up invalid tokens", "count", len(invalid))
		}
	}

	switch {
	case retryable > 0 && len(failures) > 0:
		return summary, fmt.Errorf("%w: %w", ErrPartialDelivery, errors.Join(failures...))
	case retryable > 0:
		return summary, fmt.Errorf("%w: %d deliveries", ErrPartialDelivery, retryable)
	case len(failures) > 0:
		return summary, errors.Join(failures...)
	}
	return summary, nil
}

// targets groups the requested tokens by device type. Explicit tokens that
// are not stored are assumed to be browser FCM tokens.
func (s *Sender) targets(ctx context.Context, explicit []string) (map[string][]string, error) {
	rows, err := s.store.ListTokens(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}

	groups := make(map[string][]string)
	seen := make(map[string]bool)
	add := func(token, deviceType string) {
		if token == "" || seen[token] {
			return
		}
		seen[token] = true
		groups[deviceType] = append(groups[deviceType], token)
	}

	if len(explicit) == 0 {
		for _, r := range rows {
			r = r.Normalize()
			add(r.Token, r.DeviceType)
		}
		return groups, nil
	}

	known := make(map[string]string, len(rows))
	for _, r := range rows {
		known[r.Token] = r.Normalize().DeviceType
	}
	for _, t := range explicit {
		deviceType, ok := known[t]
		if !ok {
			deviceType = push.DeviceTypeWeb
		}
		add(t, deviceType)
	}
	return groups, nil
}
