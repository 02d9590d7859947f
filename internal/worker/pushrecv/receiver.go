// Package pushrecv turns push payloads into platform notifications and routes
// notification clicks back to an application window.
package pushrecv

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/tinywideclouds/go-pwa-push/internal/host"
	"github.com/tinywideclouds/go-pwa-push/internal/worker"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// Outcome reports what HandlePush did with a payload.
type Outcome int

const (
	// OutcomeShown means a notification was shown.
	OutcomeShown Outcome = iota
	// OutcomeForeground means a focused window exists and the payload is left to it.
	OutcomeForeground
)

// Defaults fill blank payload fields. Tag is shared by every notification so a
// newer one replaces the visible one.
type Defaults struct {
	Title string
	Body  string
	Icon  string
	URL   string
	Tag   string
}

func DefaultDefaults(appName string) Defaults {
	return Defaults{
		Title: appName,
		Body:  "Nouvelle notification",
		Icon:  "/icon-192x192.png",
		URL:   "/",
		Tag:   "app-notification",
	}
}

// Receiver is stateless; every call reads the platform afresh.
type Receiver struct {
	origin   *url.URL
	defaults Defaults
	clients  host.Clients
	notifier host.Notifier
	logger   *slog.Logger
}

func New(origin string, defaults Defaults, clients host.Clients, notifier host.Notifier, logger *slog.Logger) (*Receiver, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	return &Receiver{
		origin:   u,
		defaults: defaults,
		clients:  clients,
		notifier: notifier,
		logger:   logger.With("component", "PushReceiver"),
	}, nil
}

// Bind adds the receiver's handlers to an existing event table.
func (r *Receiver) Bind(h worker.Handlers) worker.Handlers {
	h.Push = func(ctx context.Context, p push.Payload) error {
		_, err := r.HandlePush(ctx, p)
		return err
	}
	h.NotificationClick = r.HandleClick
	return h
}

// HandlePush shows one notification built from payload.Data unless a window
// of the application is focused.
func (r *Receiver) HandlePush(ctx context.Context, payload push.Payload) (Outcome, error) {
	windows, err := r.clients.Windows(ctx)
	if err != nil {
		r.logger.Warn("Could not list windows, showing notification", "err", err)
	}
	for _, w := range windows {
		if w.Focused {
			r.logger.Debug("Focused window present, leaving payload to foreground", "window", w.ID)
			return OutcomeForeground, nil
		}
	}

	c := push.ContentFromData(payload.Data).WithDefaults(push.Content{
		Title: r.defaults.Title,
		Body:  r.defaults.Body,
		Icon:  r.defaults.Icon,
		URL:   r.defaults.URL,
	})
	n := host.Notification{
		Tag:   r.defaults.Tag,
		Title: c.Title,
		Body:  c.Body,
		Icon:  c.Icon,
		Badge: c.Icon,
		Data:  map[string]string{"url": c.URL},
	}
	if err := r.notifier.Show(ctx, n); err != nil {
		return OutcomeShown, fmt.Errorf("showing notification: %w", err)
	}
	r.logger.Info("Notification shown", "title", c.Title, "url", c.URL)
	return OutcomeShown, nil
}

// HandleClick closes the notification and focuses the window already showing
// its target, opening one when none does.
func (r *Receiver) HandleClick(ctx context.Context, n host.Notification) error {
	if err := r.notifier.Close(ctx, n.Tag); err != nil {
		r.logger.Warn("Failed to close notification", "tag", n.Tag, "err", err)
	}

	target := n.Data["url"]
	if target == "" {
		target = r.defaults.URL
	}
	targetURL, err := r.resolve(target)
	if err != nil {
		return fmt.Errorf("invalid notification url %q: %w", target, err)
	}

	windows, err := r.clients.Windows(ctx)
	if err != nil {
		return fmt.Errorf("listing windows: %w", err)
	}
	for _, w := range windows {
		wu, err := r.resolve(w.URL)
		if err != nil {
			continue
		}
		if samePage(wu, targetURL) {
			return r.clients.Focus(ctx, w.ID)
		}
	}

	if _, err := r.clients.OpenWindow(ctx, targetURL.String()); err != nil {
		return fmt.Errorf("opening window: %w", err)
	}
	return nil
}

func (r *Receiver) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return r.origin.ResolveReference(u), nil
}

// samePage compares origin, path and query.
func samePage(a, b *url.URL) bool {
	pathOf := func(u *url.URL) string {
		if u.Path == "" {
			return "/"
		}
		return u.Path
	}
	return a.Scheme == b.Scheme && a.Host == b.Host &&
		pathOf(a) == pathOf(b) && a.Query().Encode() == b.Query().Encode()
}
