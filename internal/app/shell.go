// Package app holds the foreground state that lives as long as the
// application process: the notification banner and the worker update prompt.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-pwa-push/internal/session"
	"github.com/tinywideclouds/go-pwa-push/internal/worker"
)

const (
	HomePath  = "/"
	ResetPath = "/reset-notifications"
)

// Session is the part of the token session manager the shell uses.
type Session interface {
	Start(ctx context.Context) (session.Result, error)
	Enable(ctx context.Context) (session.Result, error)
	Status() session.Snapshot
}

// WaitingWorker is a newly installed worker version waiting to take over.
type WaitingWorker interface {
	State() worker.State
	PostMessage(ctx context.Context, msg worker.Message) error
}

// Shell is created once per process and handed to whoever renders the banner.
type Shell struct {
	session Session
	logger  *slog.Logger

	mu              sync.Mutex
	bannerDismissed bool
	waiting         WaitingWorker
}

func NewShell(sess Session, logger *slog.Logger) *Shell {
	return &Shell{session: sess, logger: logger.With("component", "AppShell")}
}

// Start runs the session's startup check.
func (s *Shell) Start(ctx context.Context) error {
	_, err := s.session.Start(ctx)
	if err != nil && !errors.Is(err, session.ErrPermissionDenied) {
		return fmt.Errorf("starting token session: %w", err)
	}
	return nil
}

// BannerVisible reports whether the enable-notifications banner shows on path.
// It only shows on the home page, until dismissed or until notifications work.
func (s *Shell) BannerVisible(path string) bool {
	if path != HomePath {
		return false
	}
	s.mu.Lock()
	dismissed := s.bannerDismissed
	s.mu.Unlock()
	if dismissed {
		return false
	}
	return s.session.Status().Status != session.StatusSuccess
}

// DismissBanner hides the banner for the rest of the process lifetime.
func (s *Shell) DismissBanner() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bannerDismissed = true
}

// EnableNotifications is the banner's action. When no token could be obtained
// because of the permission, it returns the recovery page to redirect to.
func (s *Shell) EnableNotifications(ctx context.Context) (redirect string, err error) {
	res, err := s.session.Enable(ctx)
	switch {
	case err == nil:
		s.DismissBanner()
		if res.RemoteErr != nil {
			s.logger.Warn("Notifications enabled but token not saved remotely", "err", res.RemoteErr)
		}
		return "", nil
	case errors.Is(err, session.ErrPermissionDenied),
		errors.Is(err, session.ErrPermissionNotGranted),
		errors.Is(err, session.ErrNoToken):
		s.logger.Info("No token obtained, sending user to recovery", "err", err)
		return ResetPath, err
	default:
		return "", err
	}
}

// SetWaitingWorker records a worker version that installed while another one
// controls the page.
func (s *Shell) SetWaitingWorker(w WaitingWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = w
}

// UpdateAvailable reports whether a waiting worker can be applied.
func (s *Shell) UpdateAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting != nil && s.waiting.State() == worker.StateInstalled
}

// ApplyUpdate tells the waiting worker to take over.
func (s *Shell) ApplyUpdate(ctx context.Context) error {
	s.mu.Lock()
	w := s.waiting
	s.mu.Unlock()
	if w == nil {
		return errors.New("no worker update waiting")
	}
	if err := w.PostMessage(ctx, worker.Message{Type: worker.MessageSkipWaiting}); err != nil {
		return fmt.Errorf("applying worker update: %w", err)
	}
	s.mu.Lock()
	if s.waiting == w {
		s.waiting = nil
	}
	s.mu.Unlock()
	return nil
}
