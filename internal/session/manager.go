// Package session keeps the device's delivery token valid: it acquires the
// token when notification permission is granted, mirrors it to local storage
// and the remote token store, and revalidates it on a timer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tinywideclouds/go-pwa-push/internal/host"
	"github.com/tinywideclouds/go-pwa-push/internal/localstore"
	"github.com/tinywideclouds/go-pwa-push/internal/metrics"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

var (
	ErrAcquireTimeout       = errors.New("session: token acquisition timed out")
	ErrPushUnavailable      = errors.New("session: push worker unavailable")
	ErrPermissionDenied     = errors.New("session: notification permission denied")
	ErrPermissionNotGranted = errors.New("session: notification permission not granted")
	ErrNoToken              = errors.New("session: platform returned no token")
)

// Status is the state shown to the user.
type Status int

const (
	StatusIdle Status = iota
	StatusAcquiring
	StatusSuccess
	StatusDeniedNeedsReset
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAcquiring:
		return "acquiring"
	case StatusSuccess:
		return "success"
	case StatusDeniedNeedsReset:
		return "denied-needs-manual-reset"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Snapshot is the observable state of the manager.
type Snapshot struct {
	Status Status
	Token  string
	Err    error
}

// Result describes one completed acquisition.
type Result struct {
	Token    string
	DeviceID string
	// Changed is true when the token differs from the one stored locally.
	Changed bool
	// Synced is true when the remote store was written successfully.
	Synced bool
	// RemoteErr holds a failed remote sync. The acquisition still succeeded.
	RemoteErr error
}

type Config struct {
	AcquireTimeout     time.Duration
	RegisterTimeout    time.Duration
	RevalidateInterval time.Duration
	WorkerScript       string
	WorkerScope        string
	// ReconcileUnchanged re-upserts the token even when it matches the local copy.
	ReconcileUnchanged bool
	UserEmail          string
	DeviceType         string
}

func DefaultConfig() Config {
	return Config{
		AcquireTimeout:     15 * time.Second,
		RegisterTimeout:    5 * time.Second,
		RevalidateInterval: 24 * time.Hour,
		WorkerScript:       "/firebase-messaging-sw.js",
		WorkerScope:        "/firebase-cloud-messaging-push-scope",
		ReconcileUnchanged: true,
		UserEmail:          push.AnonymousUser,
		DeviceType:         push.DeviceTypeWeb,
	}
}

// Ticker is the part of *time.Ticker the revalidation loop uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

type Option func(*Manager)

// WithTickerFactory replaces the revalidation ticker.
func WithTickerFactory(f func(time.Duration) Ticker) Option {
	return func(m *Manager) { m.newTicker = f }
}

// WithClock replaces time.Now for remote timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the token session of one device.
type Manager struct {
	cfg       Config
	prompter  host.PermissionPrompter
	container host.WorkerContainer
	issuer    host.TokenIssuer
	local     localstore.Store
	remote    push.TokenWriter
	logger    *slog.Logger
	now       func() time.Time
	newTicker func(time.Duration) Ticker

	group    singleflight.Group
	inFlight atomic.Bool

	mu        sync.Mutex
	snap      Snapshot
	lastPerm  host.Permission
	observers map[int]func(Snapshot)
	nextObs   int

	timerMu sync.Mutex
	timer   *revalidationTimer
}

type revalidationTimer struct {
	ticker Ticker
	stop   chan struct{}
}

func New(
	cfg Config,
	prompter host.PermissionPrompter,
	container host.WorkerContainer,
	issuer host.TokenIssuer,
	local localstore.Store,
	remote push.TokenWriter,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		cfg:       cfg,
		prompter:  prompter,
		container: container,
		issuer:    issuer,
		local:     local,
		remote:    remote,
		logger:    logger.With("component", "TokenSessionManager"),
		now:       time.Now,
		newTicker: func(d time.Duration) Ticker { return stdTicker{time.NewTicker(d)} },
		observers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current snapshot.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// OnChange registers fn for every snapshot change. The returned func unregisters it.
func (m *Manager) OnChange(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	snap := m.snap
	observers := make([]func(Snapshot), 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

func (m *Manager) setStatus(s Status, err error) {
	m.update(func(snap *Snapshot) {
		snap.Status = s
		snap.Err = err
	})
}

// observePermission records next and classifies the change from the previous observation.
func (m *Manager) observePermission(next host.Permission) Transition {
	m.mu.Lock()
	prev := m.lastPerm
	m.lastPerm = next
	m.mu.Unlock()
	t := Classify(prev, next)
	if t != TransitionNone {
		m.logger.Info("Permission changed", "from", prev.String(), "to", next.String(), "transition", t.String())
	}
	return t
}

// Start runs on application start. It never prompts.
func (m *Manager) Start(ctx context.Context) (Result, error) {
	perm := m.prompter.Permission(ctx)
	m.observePermission(perm)

	switch perm {
	case host.PermissionGranted:
		return m.grantedPath(ctx)
	case host.PermissionDenied:
		m.setStatus(StatusDeniedNeedsReset, ErrPermissionDenied)
		return Result{}, ErrPermissionDenied
	default:
		m.setStatus(StatusIdle, nil)
		return Result{}, nil
	}
}

// Enable is the explicit user action. It prompts only from the unrequested state.
func (m *Manager) Enable(ctx context.Context) (Result, error) {
	perm := m.prompter.Permission(ctx)
	m.observePermission(perm)

	if perm == host.PermissionUnrequested {
		var err error
		perm, err = m.prompter.RequestPermission(ctx)
		if err != nil {
			m.setStatus(StatusIdle, err)
			return Result{}, fmt.Errorf("requesting permission: %w", err)
		}
		m.observePermission(perm)
	}

	switch perm {
	case host.PermissionGranted:
		return m.grantedPath(ctx)
	case host.PermissionDenied:
		m.setStatus(StatusDeniedNeedsReset, ErrPermissionDenied)
		return Result{}, ErrPermissionDenied
	default:
		// Prompt dismissed without an answer.
		m.setStatus(StatusIdle, ErrPermissionNotGranted)
		return Result{}, ErrPermissionNotGranted
	}
}

func (m *Manager) grantedPath(ctx context.Context) (Result, error) {
	res, err := m.Acquire(ctx)
	m.arm(ctx)
	return res, err
}

// Acquire obtains the token and synchronises it. Concurrent callers share one
// acquisition.
func (m *Manager) Acquire(ctx context.Context) (Result, error) {
	v, err, shared := m.group.Do("acquire", func() (any, error) {
		return m.acquire(ctx)
	})
	if shared {
		m.logger.Debug("Joined in-flight acquisition")
	}
	res, _ := v.(Result)
	return res, err
}

func (m *Manager) acquire(ctx context.Context) (Result, error) {
	m.inFlight.Store(true)
	defer m.inFlight.Store(false)

	if p := m.prompter.Permission(ctx); p != host.PermissionGranted {
		err := ErrPermissionNotGranted
		status := StatusIdle
		if p == host.PermissionDenied {
			err, status = ErrPermissionDenied, StatusDeniedNeedsReset
		}
		m.setStatus(status, err)
		metrics.Acquisitions.WithLabelValues("not_granted").Inc()
		return Result{}, err
	}

	m.setStatus(StatusAcquiring, nil)
	token, err := m.fetchToken(ctx)
	if err != nil {
		m.logger.Warn("Token acquisition failed", "err", err)
		metrics.Acquisitions.WithLabelValues(outcomeLabel(err)).Inc()
		m.setStatus(StatusIdle, err)
		return Result{}, err
	}

	res, err := m.persist(ctx, token)
	if err != nil {
		metrics.Acquisitions.WithLabelValues("local_error").Inc()
		m.setStatus(StatusIdle, err)
		return Result{}, err
	}

	metrics.Acquisitions.WithLabelValues("success").Inc()
	m.update(func(s *Snapshot) {
		s.Status = StatusSuccess
		s.Token = res.Token
		s.Err = res.RemoteErr
	})
	return res, nil
}

// fetchToken registers the push worker and asks the issuer for a token, all
// within AcquireTimeout. A token that arrives after the deadline is dropped.
func (m *Manager) fetchToken(ctx context.Context) (string, error) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	rctx, rcancel := context.WithTimeout(actx, m.cfg.RegisterTimeout)
	reg, err := bounded(rctx, func(c context.Context) (host.Registration, error) {
		return m.container.Register(c, m.cfg.WorkerScript, m.cfg.WorkerScope)
	})
	rcancel()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrPushUnavailable, err)
	}

	token, err := bounded(actx, func(c context.Context) (string, error) {
		return m.issuer.Token(c, reg)
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return "", ErrAcquireTimeout
		}
		return "", fmt.Errorf("requesting token: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// persist writes the token locally when it changed, then syncs it remotely.
func (m *Manager) persist(ctx context.Context, token string) (Result, error) {
	stored, _, err := m.local.Get(localstore.KeyToken)
	if err != nil {
		return Result{}, fmt.Errorf("reading local token: %w", err)
	}
	res := Result{Token: token, Changed: stored != token}

	if res.Changed {
		if err := m.local.Set(localstore.KeyToken, token); err != nil {
			return Result{}, fmt.Errorf("storing local token: %w", err)
		}
		m.logger.Info("Delivery token changed", "had_previous", stored != "")
	}
	if !res.Changed && !m.cfg.ReconcileUnchanged {
		return res, nil
	}

	deviceID, err := localstore.EnsureDeviceID(m.local)
	if err != nil {
		return Result{}, err
	}
	res.DeviceID = deviceID

	if err := m.syncRemote(ctx, token, deviceID); err != nil {
		metrics.RemoteSyncFailures.Inc()
		m.logger.Error("Remote token sync failed", "device_id", deviceID, "err", err)
		res.RemoteErr = err
		return res, nil
	}
	res.Synced = true
	return res, nil
}

func (m *Manager) syncRemote(ctx context.Context, token, deviceID string) error {
	now := m.now().UTC()
	record := push.TokenRecord{
		Token:      token,
		DeviceID:   deviceID,
		UserEmail:  m.cfg.UserEmail,
		DeviceType: m.cfg.DeviceType,
		UpdatedAt:  now,
	}.Normalize()

	if err := m.remote.Upsert(ctx, record); err != nil {
		return fmt.Errorf("upserting token: %w", err)
	}
	if err := m.remote.DeleteDeviceTokensExcept(ctx, deviceID, token); err != nil {
		return fmt.Errorf("pruning device tokens: %w", err)
	}
	if err := m.local.Set(localstore.KeyTokenLastSaved, now.Format(time.RFC3339Nano)); err != nil {
		m.logger.Warn("Could not record last saved time", "err", err)
	}
	return nil
}

// Armed reports whether the revalidation timer is running.
func (m *Manager) Armed() bool {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	return m.timer != nil
}

// arm starts the revalidation timer if it is not already running. The timer
// keeps ctx values but not its cancellation; only Stop ends it.
func (m *Manager) arm(ctx context.Context) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		return
	}
	t := &revalidationTimer{ticker: m.newTicker(m.cfg.RevalidateInterval), stop: make(chan struct{})}
	m.timer = t
	go m.revalidate(context.WithoutCancel(ctx), t)
	m.logger.Debug("Revalidation timer armed", "interval", m.cfg.RevalidateInterval)
}

// Stop disarms the revalidation timer.
func (m *Manager) Stop() {
	m.timerMu.Lock()
	t := m.timer
	m.timer = nil
	m.timerMu.Unlock()
	if t != nil {
		close(t.stop)
		t.ticker.Stop()
		m.logger.Debug("Revalidation timer disarmed")
	}
}

func (m *Manager) revalidate(ctx context.Context, t *revalidationTimer) {
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C():
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if m.inFlight.Load() {
		m.logger.Debug("Acquisition in flight, skipping revalidation tick")
		return
	}
	perm := m.prompter.Permission(ctx)
	if m.observePermission(perm) == TransitionExternalRevocation {
		m.Stop()
		if perm == host.PermissionDenied {
			m.setStatus(StatusDeniedNeedsReset, ErrPermissionDenied)
		} else {
			m.setStatus(StatusIdle, nil)
		}
		return
	}
	if perm != host.PermissionGranted {
		return
	}
	if _, err := m.Acquire(ctx); err != nil {
		m.logger.Warn("Revalidation failed", "err", err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrAcquireTimeout):
		return "timeout"
	case errors.Is(err, ErrPushUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNoToken):
		return "no_token"
	default:
		return "error"
	}
}

type boundedResult[T any] struct {
	v   T
	err error
}

// bounded runs fn in its own goroutine and stops waiting when ctx ends, even if
// fn ignores ctx.
func bounded[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ch := make(chan boundedResult[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- boundedResult[T]{v: v, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
