// Package push contains the public domain model shared by the device session,
// the background worker and the server-side sender.
package push

import (
	"strings"
	"time"
)

// Device types stored alongside each token.
const (
	DeviceTypeWeb     = "web"     // FCM token issued to a browser
	DeviceTypeIOS     = "ios"     // APNs device token
	DeviceTypeWebPush = "webpush" // JSON encoded VAPID subscription
)

// AnonymousUser is the display identity used when none is known.
const AnonymousUser = "anonymous"

// TokenRecord is one row of the Remote Token Store.
type TokenRecord struct {
	Token      string    `json:"fcm_token"`
	DeviceID   string    `json:"device_id"`
	UserEmail  string    `json:"user_email"`
	DeviceType string    `json:"device_type"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Normalize fills the best-effort fields with their defaults.
func (r TokenRecord) Normalize() TokenRecord {
	if strings.TrimSpace(r.UserEmail) == "" {
		r.UserEmail = AnonymousUser
	}
	if r.DeviceType == "" {
		r.DeviceType = DeviceTypeWeb
	}
	return r
}

// Content is the programmatic part of a notification. It travels in the
// structured data fields of a push payload.
type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
}

// Data returns the content as the flat string map carried by push payloads.
func (c Content) Data() map[string]string {
	return map[string]string{
		"title": c.Title,
		"body":  c.Body,
		"icon":  c.Icon,
		"url":   c.URL,
	}
}

// ContentFromData reads the content from a payload's structured data fields.
func ContentFromData(data map[string]string) Content {
	return Content{
		Title: data["title"],
		Body:  data["body"],
		Icon:  data["icon"],
		URL:   data["url"],
	}
}

// WithDefaults replaces every blank field with the matching default.
func (c Content) WithDefaults(d Content) Content {
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return strings.TrimSpace(v)
	}
	return Content{
		Title: pick(c.Title, d.Title),
		Body:  pick(c.Body, d.Body),
		Icon:  pick(c.Icon, d.Icon),
		URL:   pick(c.URL, d.URL),
	}
}

// Payload is the wire shape of a push message as seen by the background worker.
// Only Data is trusted for programmatic fields; Notification is display-only.
type Payload struct {
	Data         map[string]string `json:"data,omitempty"`
	Notification *DisplayFields    `json:"notification,omitempty"`
}

// DisplayFields are the display-only fields some platforms attach to a payload.
type DisplayFields struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Image string `json:"image,omitempty"`
}

// SendRequest asks the sender to deliver one notification. With no explicit
// Tokens the notification is broadcast to every stored token.
type SendRequest struct {
	Tokens []string `json:"tokens,omitempty"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Icon   string   `json:"icon,omitempty"`
	URL    string   `json:"url,omitempty"`
}

// Content returns the request's notification content.
func (r SendRequest) Content() Content {
	return Content{Title: r.Title, Body: r.Body, Icon: r.Icon, URL: r.URL}
}

// SendSummary reports the outcome of a send.
type SendSummary struct {
	Total                int `json:"total"`
	Success              int `json:"success"`
	Failed               int `json:"failed"`
	InvalidTokensRemoved int `json:"invalid_tokens_removed"`
}
