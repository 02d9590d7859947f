// Package host describes the platform that runs the application: the permission
// prompt, the worker container, the delivery-token issuer, window clients and the
// notification surface. The application never owns these; it only observes and
// asks.
package host

import (
	"context"
	"fmt"
)

// Permission is the platform-owned notification permission.
type Permission int

const (
	PermissionUnrequested Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionUnrequested:
		return "unrequested"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return fmt.Sprintf("permission(%d)", int(p))
	}
}

// PermissionPrompter reads the current permission and shows the platform prompt.
type PermissionPrompter interface {
	Permission(ctx context.Context) Permission
	// RequestPermission shows the prompt. Platforms only prompt from the
	// unrequested state; otherwise the current value is returned unchanged.
	RequestPermission(ctx context.Context) (Permission, error)
}

// Registration binds a URL scope to a background worker script.
type Registration struct {
	Scope     string
	ScriptURL string
}

// WorkerContainer manages worker registrations.
type WorkerContainer interface {
	Register(ctx context.Context, scriptURL, scope string) (Registration, error)
	// Registrations lists every registration regardless of scope.
	Registrations(ctx context.Context) ([]Registration, error)
	// Unregister removes the registration for scope. It reports whether one existed.
	Unregister(ctx context.Context, scope string) (bool, error)
}

// TokenIssuer obtains a delivery token from the push platform for a registration.
// The platform may rotate the returned value at any time.
type TokenIssuer interface {
	Token(ctx context.Context, reg Registration) (string, error)
}

// Window is an open application window.
type Window struct {
	ID      string
	URL     string
	Focused bool
}

// Clients gives the background worker access to application windows.
type Clients interface {
	// Windows lists every window of the application, controlled or not.
	Windows(ctx context.Context) ([]Window, error)
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) (Window, error)
	// Claim makes the active worker the controller of every open window.
	Claim(ctx context.Context) error
}

// Notification is a platform notification.
type Notification struct {
	Tag   string
	Title string
	Body  string
	Icon  string
	Badge string
	Data  map[string]string
}

// Notifier shows and closes platform notifications. Showing a notification with
// the tag of a visible one replaces it.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// Navigator moves the foreground application to another path.
type Navigator interface {
	Navigate(ctx context.Context, path string) error
}
