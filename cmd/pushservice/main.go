package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	firebase "firebase.google.com/go/v4"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-pwa-push/cmd"
	"github.com/tinywideclouds/go-pwa-push/internal/platform/apns"
	"github.com/tinywideclouds/go-pwa-push/internal/platform/fcm"
	"github.com/tinywideclouds/go-pwa-push/internal/platform/web"
	"github.com/tinywideclouds/go-pwa-push/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-pwa-push/internal/storage/firestore"
	"github.com/tinywideclouds/go-pwa-push/internal/storage/memstore"
	"github.com/tinywideclouds/go-pwa-push/internal/storage/postgres"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
	"github.com/tinywideclouds/go-pwa-push/pushservice"
	"github.com/tinywideclouds/go-pwa-push/pushservice/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	logger := cmd.NewLogger("go-pwa-push")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Failed to map yaml config", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Token Store (Decorated) ---
	tokenStore, closeStore, err := newTokenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("TokenStore initialization failed", "backend", cfg.TokenBackend, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		tokenStore = cache.NewCachedTokenStore(tokenStore, redisClient, cfg.Redis.TTL, logger)
		logger.Info("TokenStore upgraded", "type", "redis_cached_"+cfg.TokenBackend)
	}

	// --- Auth ---
	identityURL := cfg.IdentityServiceURL
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Dispatchers ---
	dispatchers := newDispatchers(ctx, cfg, logger)

	// --- Consumer & Service ---
	var consumer messagepipeline.MessageConsumer
	if cfg.PipelineEnabled {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Consumer creation failed", "err", err)
			os.Exit(1)
		}
	}

	service, err := pushservice.New(cfg, consumer, dispatchers, tokenStore, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "addr", cfg.ListenAddr, "token_backend", cfg.TokenBackend)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newTokenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.TokenStore, func(), error) {
	switch cfg.TokenBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		if err := postgres.Migrate(pool, logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("TokenStore initialized", "type", "postgres")
		return postgres.NewPgTokenStore(pool), pool.Close, nil

	case config.BackendMemory:
		logger.Warn("TokenStore is in-memory; tokens are lost on restart")
		return memstore.NewTokenStore(), func() {}, nil

	default:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		logger.Info("TokenStore initialized", "type", "firestore", "collection", cfg.FirestoreCollection)
		return fsStore.NewFirestoreStore(fsClient, cfg.FirestoreCollection), func() { _ = fsClient.Close() }, nil
	}
}

// newDispatchers wires one dispatcher per device type. A platform that cannot
// be configured is left out; the sender then counts its tokens as failed.
func newDispatchers(ctx context.Context, cfg *config.Config, logger *slog.Logger) map[string]push.Dispatcher {
	dispatchers := make(map[string]push.Dispatcher)

	// A. Browser tokens (FCM)
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
	if err == nil {
		var client fcm.MessagingClient
		client, err = fbApp.Messaging(ctx)
		if err == nil {
			dispatchers[push.DeviceTypeWeb] = fcm.NewDispatcher(client, logger)
		}
	}
	if err != nil {
		logger.Warn("FCM unavailable, web tokens will not be delivered", "err", err)
	}

	// B. iOS (APNs)
	if cfg.APNS.Enabled {
		d, err := apns.NewDispatcher(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8KeyContent,
			Production:   cfg.APNS.Production,
		}, logger)
		if err != nil {
			logger.Error("APNs dispatcher disabled", "err", err)
		} else {
			dispatchers[push.DeviceTypeIOS] = d
		}
	}

	// C. Raw Web Push (VAPID)
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web Push subscriptions will not be delivered.")
	} else {
		dispatchers[push.DeviceTypeWebPush] = web.NewDispatcher(cfg.Vapid, logger)
		logger.Info("Web Push dispatcher enabled", "public_key", cfg.Vapid.PublicKey)
	}

	return dispatchers
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := resourceName(cfg.ProjectID, "subscriptions", cfg.PubsubConsumerConfig.SubscriptionID)
	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              resourceName(cfg.ProjectID, "topics", cfg.TopicID),
		AckDeadlineSeconds: 10,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     resourceName(cfg.ProjectID, "topics", cfg.SubscriptionDLQTopicID),
			MaxDeliveryAttempts: 5,
		}
	}

	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	if _, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig); err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("could not create sub %s: %w", sub, err)
		}
		logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

func resourceName(project, kind, id string) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}
