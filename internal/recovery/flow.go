// Package recovery tears down and rebuilds the device's worker, cache and token
// state when notifications stop working.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-pwa-push/internal/cachestore"
	"github.com/tinywideclouds/go-pwa-push/internal/host"
	"github.com/tinywideclouds/go-pwa-push/internal/localstore"
	"github.com/tinywideclouds/go-pwa-push/internal/session"
)

// Step identifies one stage of the flow. Stages run in declaration order.
type Step int

const (
	StepDisarmTimer Step = iota
	StepUnregisterWorkers
	StepDeleteCaches
	StepClearLocal
	StepSettle
	StepReacquire
	StepFinish
)

func (s Step) String() string {
	switch s {
	case StepDisarmTimer:
		return "disarm-timer"
	case StepUnregisterWorkers:
		return "unregister-workers"
	case StepDeleteCaches:
		return "delete-caches"
	case StepClearLocal:
		return "clear-local"
	case StepSettle:
		return "settle"
	case StepReacquire:
		return "reacquire"
	case StepFinish:
		return "finish"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step   Step
	Detail string
	Err    error
}

// Report is the outcome of a whole run.
type Report struct {
	Steps   []StepResult
	Session session.Result
	// Success is true when a token was obtained again.
	Success bool
	// Guidance is set when the flow could not restore notifications.
	Guidance *Guidance
}

// Err joins every step error.
func (r Report) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Step, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Session is the part of the token session manager the flow drives.
type Session interface {
	Stop()
	Enable(ctx context.Context) (session.Result, error)
}

type Config struct {
	SettlePause time.Duration
	HomePath    string
	// Site is the host name shown in manual reset instructions.
	Site string
}

func DefaultConfig() Config {
	return Config{SettlePause: 2 * time.Second, HomePath: "/"}
}

// Flow runs the recovery. Runs are serialized.
type Flow struct {
	mu        sync.Mutex
	cfg       Config
	session   Session
	prompter  host.PermissionPrompter
	container host.WorkerContainer
	caches    cachestore.Storage
	local     localstore.Store
	navigator host.Navigator
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(
	cfg Config,
	sess Session,
	prompter host.PermissionPrompter,
	container host.WorkerContainer,
	caches cachestore.Storage,
	local localstore.Store,
	navigator host.Navigator,
	logger *slog.Logger,
) *Flow {
	return &Flow{
		cfg:       cfg,
		session:   sess,
		prompter:  prompter,
		container: container,
		caches:    caches,
		local:     local,
		navigator: navigator,
		logger:    logger.With("component", "RecoveryFlow"),
		sleep:     sleepContext,
	}
}

// WithSleep replaces the settle pause implementation.
func (f *Flow) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Flow {
	f.sleep = sleep
	return f
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes every step in order. A failing step is recorded and the flow
// moves on; it never aborts early.
func (f *Flow) Run(ctx context.Context, userAgent string) Report {
	f.mu.Lock()
	defer f.mu.Unlock()

	var report Report
	record := func(step Step, detail string, err error) {
		report.Steps = append(report.Steps, StepResult{Step: step, Detail: detail, Err: err})
		if err != nil {
			f.logger.Warn("Recovery step failed", "step", step.String(), "err", err)
		} else {
			f.logger.Info("Recovery step done", "step", step.String(), "detail", detail)
		}
	}

	f.session.Stop()
	record(StepDisarmTimer, "revalidation timer stopped", nil)

	n, err := f.unregisterAll(ctx)
	record(StepUnregisterWorkers, fmt.Sprintf("%d registration(s) removed", n), err)

	n, err = cachestore.DeleteAll(ctx, f.caches)
	record(StepDeleteCaches, fmt.Sprintf("%d bucket(s) deleted", n), err)

	err = f.local.Delete(localstore.KeyToken, localstore.KeyTokenLastSaved, localstore.KeyDeviceID)
	record(StepClearLocal, "local token and device identity cleared", err)

	err = f.sleep(ctx, f.cfg.SettlePause)
	record(StepSettle, f.cfg.SettlePause.String(), err)

	res, err := f.session.Enable(ctx)
	report.Session = res
	record(StepReacquire, "token acquisition", err)
	report.Success = err == nil && res.Token != ""

	if report.Success {
		err = f.navigator.Navigate(ctx, f.cfg.HomePath)
		record(StepFinish, "navigated to "+f.cfg.HomePath, err)
	} else {
		g := GuidanceFor(userAgent, f.cfg.Site)
		report.Guidance = &g
		record(StepFinish, "manual reset guidance for "+string(g.Platform), nil)
	}
	return report
}

func (f *Flow) unregisterAll(ctx context.Context) (int, error) {
	regs, err := f.container.Registrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing registrations: %w", err)
	}
	var errs []error
	removed := 0
	for _, r := range regs {
		ok, err := f.container.Unregister(ctx, r.Scope)
		if err != nil {
			errs = append(errs, fmt.Errorf("unregistering %q: %w", r.Scope, err))
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// State is what the recovery page shows before a run.
type State struct {
	Permission    host.Permission
	Registrations int
	HasToken      bool
}

// Inspect reads the current device state.
func (f *Flow) Inspect(ctx context.Context) (State, error) {
	st := State{Permission: f.prompter.Permission(ctx)}
	regs, err := f.container.Registrations(ctx)
	if err != nil {
		return st, fmt.Errorf("listing registrations: %w", err)
	}
	st.Registrations = len(regs)
	tok, ok, err := f.local.Get(localstore.KeyToken)
	if err != nil {
		return st, fmt.Errorf("reading local token: %w", err)
	}
	st.HasToken = ok && tok != ""
	return st, nil
}
