// Package hostsim is an in-memory host platform. It backs the tests and the
// local demo wiring and behaves like a browser would for the parts the
// application observes.
package hostsim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-pwa-push/internal/host"
)

// ErrNotRegistered is returned by the issuer when no worker registration exists.
var ErrNotRegistered = errors.New("hostsim: no worker registration")

// Platform implements every host interface over shared in-memory state.
type Platform struct {
	mu sync.Mutex

	permission   host.Permission
	promptAnswer host.Permission
	prompts      int

	registrations map[string]host.Registration
	registerErr   error
	registerHook  func(ctx context.Context) error

	tokens    []string
	tokenIdx  int
	tokenHook func(ctx context.Context) error

	windows  []host.Window
	claimed  int
	notes    map[string]host.Notification
	navigate []string
}

var (
	_ host.PermissionPrompter = (*Platform)(nil)
	_ host.WorkerContainer    = (*Platform)(nil)
	_ host.TokenIssuer        = (*Platform)(nil)
	_ host.Clients            = (*Platform)(nil)
	_ host.Notifier           = (*Platform)(nil)
	_ host.Navigator          = (*Platform)(nil)
)

// New returns a platform with an unrequested permission whose prompt is accepted.
func New() *Platform {
	return &Platform{
		permission:    host.PermissionUnrequested,
		promptAnswer:  host.PermissionGranted,
		registrations: make(map[string]host.Registration),
		notes:         make(map[string]host.Notification),
	}
}

// SetPermission changes the permission the way the user would in platform settings.
func (p *Platform) SetPermission(perm host.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = perm
}

// AnswerPrompt sets how the user will answer the next prompt.
func (p *Platform) AnswerPrompt(perm host.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promptAnswer = perm
}

// Prompts reports how many times the prompt was actually shown.
func (p *Platform) Prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

func (p *Platform) Permission(_ context.Context) host.Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

func (p *Platform) RequestPermission(ctx context.Context) (host.Permission, error) {
	if err := ctx.Err(); err != nil {
		return host.PermissionUnrequested, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permission != host.PermissionUnrequested {
		return p.permission, nil
	}
	p.prompts++
	p.permission = p.promptAnswer
	return p.permission, nil
}

// FailRegistration makes subsequent Register calls fail with err. A nil err clears it.
func (p *Platform) FailRegistration(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerErr = err
}

// OnRegister installs a hook that runs before each registration. It may block
// until ctx is done.
func (p *Platform) OnRegister(hook func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerHook = hook
}

func (p *Platform) Register(ctx context.Context, scriptURL, scope string) (host.Registration, error) {
	p.mu.Lock()
	hook := p.registerHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return host.Registration{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return host.Registration{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registerErr != nil {
		return host.Registration{}, p.registerErr
	}
	reg := host.Registration{Scope: scope, ScriptURL: scriptURL}
	p.registrations[scope] = reg
	return reg, nil
}

func (p *Platform) Registrations(_ context.Context) ([]host.Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]host.Registration, 0, len(p.registrations))
	for _, r := range p.registrations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

func (p *Platform) Unregister(_ context.Context, scope string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.registrations[scope]
	delete(p.registrations, scope)
	return ok, nil
}

// IssueTokens queues the values the issuer hands out. Once exhausted the last
// value keeps being returned. With nothing queued a random token is minted once.
func (p *Platform) IssueTokens(tokens ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append([]string(nil), tokens...)
	p.tokenIdx = 0
}

// OnToken installs a hook that runs before each token is issued. A returned
// error fails the request. The hook may block until ctx is done.
func (p *Platform) OnToken(hook func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenHook = hook
}

func (p *Platform) Token(ctx context.Context, reg host.Registration) (string, error) {
	p.mu.Lock()
	hook := p.tokenHook
	_, registered := p.registrations[reg.Scope]
	p.mu.Unlock()

	if !registered {
		return "", ErrNotRegistered
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permission != host.PermissionGranted {
		return "", fmt.Errorf("hostsim: permission is %s", p.permission)
	}
	if len(p.tokens) == 0 {
		p.tokens = []string{"tok_" + uuid.NewString()}
	}
	tok := p.tokens[p.tokenIdx]
	if p.tokenIdx < len(p.tokens)-1 {
		p.tokenIdx++
	}
	return tok, nil
}

// OpenWindows replaces the set of open application windows.
func (p *Platform) OpenWindows(windows ...host.Window) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windows = append([]host.Window(nil), windows...)
}

func (p *Platform) Windows(_ context.Context) ([]host.Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]host.Window(nil), p.windows...), nil
}

func (p *Platform) Focus(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for i := range p.windows {
		p.windows[i].Focused = p.windows[i].ID == id
		if p.windows[i].Focused {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("hostsim: window %q not found", id)
	}
	return nil
}

func (p *Platform) OpenWindow(_ context.Context, url string) (host.Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.windows {
		p.windows[i].Focused = false
	}
	w := host.Window{ID: uuid.NewString(), URL: url, Focused: true}
	p.windows = append(p.windows, w)
	return w, nil
}

func (p *Platform) Claim(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed++
	return nil
}

// Claims reports how many times the worker claimed the open windows.
func (p *Platform) Claims() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed
}

func (p *Platform) Show(_ context.Context, n host.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes[n.Tag] = n
	return nil
}

func (p *Platform) Close(_ context.Context, tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notes, tag)
	return nil
}

// Notifications returns the visible notifications ordered by tag.
func (p *Platform) Notifications() []host.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]host.Notification, 0, len(p.notes))
	for _, n := range p.notes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

func (p *Platform) Navigate(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigate = append(p.navigate, path)
	return nil
}

// Navigations returns every path the application navigated to.
func (p *Platform) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigate...)
}
