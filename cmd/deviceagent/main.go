package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tinywideclouds/go-pwa-push/cmd"
	"github.com/tinywideclouds/go-pwa-push/internal/host"
	"github.com/tinywideclouds/go-pwa-push/internal/host/hostsim"
)

func main() {
	_ = godotenv.Load()

	logger := cmd.NewLogger("go-pwa-deviceagent")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := cmd.DeviceAgentConfigFromEnv()
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	platform := hostsim.New()
	// A returning device already holds the permission it granted last time.
	if _, err := os.Stat(cfg.StatePath); err == nil {
		platform.SetPermission(host.PermissionGranted)
	}

	a, err := newAgent(cfg, platform, logger)
	if err != nil {
		logger.Error("Device agent setup failed", "err", err)
		os.Exit(1)
	}
	if err := a.run(ctx); err != nil {
		logger.Error("Device agent action failed", "action", cfg.Action, "err", err)
		os.Exit(1)
	}

	snap := a.session.Status()
	logger.Info("Token session", "status", snap.Status.String(), "token_set", snap.Token != "")
	if a.session.Armed() {
		logger.Info("Revalidating until interrupted")
		<-ctx.Done()
	}
	a.stop()
}
