// Package pushservice assembles the push backend: the token and send HTTP
// API plus the optional Pub/Sub pipeline that fans notifications out to the
// delivery platforms.
package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pwa-push/internal/api"
	"github.com/tinywideclouds/go-pwa-push/internal/metrics"
	"github.com/tinywideclouds/go-pwa-push/internal/pipeline"
	"github.com/tinywideclouds/go-pwa-push/internal/ratelimit"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
	"github.com/tinywideclouds/go-pwa-push/pushservice/config"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdle          = 10 * time.Minute
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[push.SendRequest]
	limiter         *ratelimit.Limiter
	stopSweep       chan struct{}
	logger          *slog.Logger
}

// New assembles the service. consumer may be nil, in which case only the
// HTTP API runs.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	dispatchers map[string]push.Dispatcher,
	tokenStore push.TokenStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {
	metrics.Register()

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Sender, shared by the pipeline and the send endpoint
	sender := pipeline.NewSender(tokenStore, dispatchers, cfg.SendDefaults, logger)

	// 3. Pipeline
	var streamingService *messagepipeline.StreamingService[push.SendRequest]
	if consumer != nil {
		var err error
		streamingService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.SendRequestTransformer,
			pipeline.NewProcessor(sender, logger),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 4. API
	tokenAPI := api.NewTokenAPI(tokenStore, logger)
	sendAPI := api.NewSendAPI(sender, logger)
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(limiter.Middleware(authMiddleware(handlerFunc))))
	}

	handle("PUT /api/v1/tokens", tokenAPI.UpsertToken)
	handle("DELETE /api/v1/tokens", tokenAPI.UnregisterToken)
	handle("POST /api/v1/devices/{deviceID}/prune", tokenAPI.PruneDevice)
	handle("POST /api/v1/notifications", sendAPI.Send)

	// CORS preflight for the API namespace.
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("GET /metrics", promhttp.Handler())

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		limiter:         limiter,
		stopSweep:       make(chan struct{}),
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Core processing pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	} else {
		w.logger.Info("Pipeline disabled, serving HTTP API only")
	}
	go w.limiter.Run(w.stopSweep, limiterSweepInterval, limiterIdle)

	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	select {
	case <-w.stopSweep:
	default:
		close(w.stopSweep)
	}
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
