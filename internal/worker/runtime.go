// Package worker hosts a background worker version: a lifecycle state machine
// plus an event table of handlers. Lifecycle events (install, activate, message)
// run exclusively. Functional events (fetch, push, notification click) run
// concurrently with one another and only start between lifecycle events; a
// lifecycle event does not wait for functional events already in flight.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tinywideclouds/go-pwa-push/internal/host"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// Messages the foreground may post to the worker.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

var (
	// ErrInvalidTransition is returned when a lifecycle event is not allowed in the current state.
	ErrInvalidTransition = errors.New("worker: invalid lifecycle transition")
	// ErrNotActive is returned for push and click events delivered to a worker that is not activated.
	ErrNotActive = errors.New("worker: not activated")
)

// Message is a foreground to worker message.
type Message struct {
	Type string `json:"type"`
}

// Result is what a handler reports back to the runtime.
type Result struct {
	// Handled is false when the handler declines a fetch; the runtime then goes to the network.
	Handled bool
	// SkipWaiting asks the runtime to activate immediately after install or on message.
	SkipWaiting bool
	// Response answers a handled fetch.
	Response *http.Response
}

// Handlers is the event table. Nil entries fall back to the platform default.
type Handlers struct {
	Install           func(ctx context.Context) (Result, error)
	Activate          func(ctx context.Context) error
	Fetch             func(ctx context.Context, req *http.Request) (Result, error)
	Push              func(ctx context.Context, payload push.Payload) error
	NotificationClick func(ctx context.Context, n host.Notification) error
	Message           func(ctx context.Context, msg Message) (Result, error)
}

// Runtime runs one worker version.
type Runtime struct {
	mu       sync.RWMutex
	state    State
	handlers Handlers
	network  http.RoundTripper
	logger   *slog.Logger
}

// NewRuntime creates a parsed worker. network performs requests the worker does
// not handle; nil means http.DefaultTransport.
func NewRuntime(handlers Handlers, network http.RoundTripper, logger *slog.Logger) *Runtime {
	if network == nil {
		network = http.DefaultTransport
	}
	return &Runtime{
		state:    StateParsed,
		handlers: handlers,
		network:  network,
		logger:   logger.With("component", "WorkerRuntime"),
	}
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Install runs the install handler. When it asks to skip waiting, activation
// follows under the same exclusive hold so no fetch observes the waiting state.
func (r *Runtime) Install(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	err := r.runTransition(ctx, EventInstall, func(ctx context.Context) error {
		if r.handlers.Install == nil {
			return nil
		}
		var err error
		res, err = r.handlers.Install(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if res.SkipWaiting {
		return r.activateLocked(ctx)
	}
	return nil
}

// Activate moves a waiting worker to activated.
func (r *Runtime) Activate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activateLocked(ctx)
}

func (r *Runtime) activateLocked(ctx context.Context) error {
	return r.runTransition(ctx, EventActivate, func(ctx context.Context) error {
		if r.handlers.Activate == nil {
			return nil
		}
		return r.handlers.Activate(ctx)
	})
}

// runTransition applies the transition table around fn. The caller holds the write lock.
func (r *Runtime) runTransition(ctx context.Context, event EventType, fn func(context.Context) error) error {
	t, ok := lookupTransition(r.state, event)
	if !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, event, r.state)
	}
	from := r.state
	r.state = t.during
	if err := fn(ctx); err != nil {
		r.state = t.onFailure
		r.logger.Error("Lifecycle handler failed", "event", event.String(), "from", from.String(), "to", r.state.String(), "err", err)
		return fmt.Errorf("worker %s: %w", event, err)
	}
	r.state = t.onSuccess
	r.logger.Info("Worker lifecycle transition", "event", event.String(), "from", from.String(), "to", r.state.String())
	return nil
}

// PostMessage delivers a foreground message. A SkipWaiting result activates a
// waiting worker.
func (r *Runtime) PostMessage(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRedundant {
		return fmt.Errorf("%w: message in state %s", ErrInvalidTransition, r.state)
	}
	var res Result
	if r.handlers.Message != nil {
		var err error
		res, err = r.handlers.Message(ctx, msg)
		if err != nil {
			return fmt.Errorf("worker message %q: %w", msg.Type, err)
		}
	}
	if res.SkipWaiting && r.state == StateInstalled {
		return r.activateLocked(ctx)
	}
	return nil
}

// Fetch answers req. Until the worker is activated, and whenever the handler
// declines, the request goes to the network untouched.
func (r *Runtime) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	handlers, active := r.snapshot()
	if active && handlers.Fetch != nil {
		res, err := handlers.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Handled {
			return res.Response, nil
		}
	}
	return r.network.RoundTrip(req.WithContext(ctx))
}

// snapshot reads the handler table and whether functional events are served.
// The lock is released before any handler runs so a slow network never holds
// back a lifecycle event.
func (r *Runtime) snapshot() (Handlers, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers, handlesFunctionalEvents(r.state)
}

// RoundTrip lets the runtime sit in an http.Client or a reverse proxy.
func (r *Runtime) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Fetch(req.Context(), req)
}

// Push delivers a push payload.
func (r *Runtime) Push(ctx context.Context, payload push.Payload) error {
	handlers, active := r.snapshot()
	if !active {
		return fmt.Errorf("%w: push in state %s", ErrNotActive, r.State())
	}
	if handlers.Push == nil {
		return nil
	}
	return handlers.Push(ctx, payload)
}

// NotificationClick delivers a notification click.
func (r *Runtime) NotificationClick(ctx context.Context, n host.Notification) error {
	handlers, active := r.snapshot()
	if !active {
		return fmt.Errorf("%w: notificationclick in state %s", ErrNotActive, r.State())
	}
	if handlers.NotificationClick == nil {
		return nil
	}
	return handlers.NotificationClick(ctx, n)
}
