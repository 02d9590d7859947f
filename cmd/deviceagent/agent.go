package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/tinywideclouds/go-pwa-push/cmd"
	"github.com/tinywideclouds/go-pwa-push/internal/app"
	"github.com/tinywideclouds/go-pwa-push/internal/cachestore"
	"github.com/tinywideclouds/go-pwa-push/internal/host/hostsim"
	"github.com/tinywideclouds/go-pwa-push/internal/localstore"
	"github.com/tinywideclouds/go-pwa-push/internal/recovery"
	"github.com/tinywideclouds/go-pwa-push/internal/session"
	"github.com/tinywideclouds/go-pwa-push/internal/storage/remote"
	"github.com/tinywideclouds/go-pwa-push/internal/worker"
	"github.com/tinywideclouds/go-pwa-push/internal/worker/pushrecv"
)

// agent is one simulated device: the foreground shell, its token session and
// recovery flow, and the push worker, all over a single host platform.
type agent struct {
	cfg      *cmd.DeviceAgentConfig
	platform *hostsim.Platform
	local    localstore.Store
	session  *session.Manager
	shell    *app.Shell
	recovery *recovery.Flow
	worker   *worker.Runtime
	logger   *slog.Logger
}

func newAgent(cfg *cmd.DeviceAgentConfig, platform *hostsim.Platform, logger *slog.Logger) (*agent, error) {
	local, err := localstore.OpenFileStore(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening device state: %w", err)
	}

	var opts []remote.Option
	if cfg.APIToken != "" {
		token := cfg.APIToken
		opts = append(opts, remote.WithBearer(func(context.Context) (string, error) { return token, nil }))
	}
	client, err := remote.NewClient(cfg.APIURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating token client: %w", err)
	}

	sessCfg := session.DefaultConfig()
	if cfg.UserEmail != "" {
		sessCfg.UserEmail = cfg.UserEmail
	}
	sess := session.New(sessCfg, platform, platform, platform, local, client, logger)

	receiver, err := pushrecv.New(cfg.Origin, pushrecv.DefaultDefaults(cfg.AppName), platform, platform, logger)
	if err != nil {
		return nil, fmt.Errorf("creating push receiver: %w", err)
	}

	recCfg := recovery.DefaultConfig()
	if u, err := url.Parse(cfg.Origin); err == nil {
		recCfg.Site = u.Host
	}
	// A device agent has no page cache of its own; recovery still clears the buckets it owns.
	flow := recovery.New(recCfg, sess, platform, platform, cachestore.NewMemoryStorage(), local, platform, logger)

	return &agent{
		cfg:      cfg,
		platform: platform,
		local:    local,
		session:  sess,
		shell:    app.NewShell(sess, logger),
		recovery: flow,
		worker:   worker.NewRuntime(receiver.Bind(worker.Handlers{}), nil, logger),
		logger:   logger,
	}, nil
}

// run installs the push worker and performs the configured action.
func (a *agent) run(ctx context.Context) error {
	if err := a.worker.Install(ctx); err != nil {
		return fmt.Errorf("installing push worker: %w", err)
	}
	if a.worker.State() != worker.StateActivated {
		if err := a.worker.Activate(ctx); err != nil {
			return fmt.Errorf("activating push worker: %w", err)
		}
	}

	deviceID, err := localstore.EnsureDeviceID(a.local)
	if err != nil {
		return fmt.Errorf("ensuring device id: %w", err)
	}
	a.logger.Info("Device agent running", "device_id", deviceID, "action", a.cfg.Action)

	switch a.cfg.Action {
	case cmd.ActionEnable:
		redirect, err := a.shell.EnableNotifications(ctx)
		if redirect != "" {
			a.logger.Warn("Notifications not enabled, recovery needed", "redirect", redirect, "err", err)
			return nil
		}
		return err
	case cmd.ActionReset:
		report := a.recovery.Run(ctx, a.cfg.UserAgent)
		if !report.Success && report.Guidance != nil {
			a.logger.Warn("Recovery could not restore notifications", "platform", string(report.Guidance.Platform))
		}
		return report.Err()
	default:
		return a.shell.Start(ctx)
	}
}

// stop disarms the revalidation timer.
func (a *agent) stop() {
	a.session.Stop()
}
