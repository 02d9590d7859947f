package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"

	"github.com/tinywideclouds/go-pwa-push/cmd"
	"github.com/tinywideclouds/go-pwa-push/internal/cachestore"
	"github.com/tinywideclouds/go-pwa-push/internal/metrics"
	"github.com/tinywideclouds/go-pwa-push/internal/worker"
	"github.com/tinywideclouds/go-pwa-push/internal/worker/cachectl"
)

const installRetryInterval = 30 * time.Second

func main() {
	_ = godotenv.Load()

	logger := cmd.NewLogger("go-pwa-offlinecache")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := cmd.OfflineCacheConfigFromEnv()
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	metrics.Register()

	var store cachestore.Storage = cachestore.NewMemoryStorage()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		store = cachestore.NewRedisStorage(rdb, "pwa-cache")
		logger.Info("Cache buckets shared through Redis", "addr", cfg.RedisAddr)
	}

	controller, err := cachectl.New(cfg.Cache, store, nil, nil, logger)
	if err != nil {
		logger.Error("Cache controller failed", "err", err)
		os.Exit(1)
	}
	newRuntime := func() *worker.Runtime {
		return worker.NewRuntime(controller.Handlers(), nil, logger)
	}
	workers := newSlot(newRuntime())

	server := microservice.NewBaseServer(logger, cfg.ListenAddr)
	registerRoutes(server.Mux(), workers, cfg.Upstream, logger)

	// Until install succeeds requests go straight to the upstream.
	go installUntilReady(ctx, workers, newRuntime, server, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Offline cache proxy starting", "addr", cfg.ListenAddr, "upstream", cfg.Upstream.String())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server stopped with error", "err", err)
	}
}

func installUntilReady(ctx context.Context, workers *slot, newRuntime func() *worker.Runtime, server *microservice.BaseServer, logger *slog.Logger) {
	for {
		rt := workers.Runtime()
		err := rt.Install(ctx)
		if err == nil && rt.State() == worker.StateActivated {
			server.SetReady(true)
			return
		}
		logger.Warn("Worker install failed, retrying", "state", rt.State().String(), "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(installRetryInterval):
		}
		workers.Replace(newRuntime())
	}
}
