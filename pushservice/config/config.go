package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// Token store backends.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	TTLSeconds      int
}

type APNSConfig struct {
	Enabled      bool
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Production   bool
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	PipelineEnabled        bool
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	TokenBackend        string
	DatabaseURL         string
	FirestoreCollection string

	CorsConfig         middleware.CorsConfig
	IdentityServiceURL string
	RateLimit          RateLimitConfig
	Redis              RedisConfig
	Vapid              VapidConfig
	APNS               APNSConfig

	// SendDefaults fills blank fields of every outgoing notification.
	SendDefaults push.Content

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	str := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = val
		}
	}
	boolean := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				logger.Debug("Overriding config value", "key", key, "source", "env")
				*dst = b
			}
		}
	}

	// 1. Apply Environment Overrides
	str("PROJECT_ID", &cfg.ProjectID)
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	boolean("PIPELINE_ENABLED", &cfg.PipelineEnabled)
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	str("TOPIC_ID", &cfg.TopicID)
	str("SUBSCRIPTION_DLQ_TOPIC_ID", &cfg.SubscriptionDLQTopicID)
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Token store
	str("TOKEN_BACKEND", &cfg.TokenBackend)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("FIRESTORE_COLLECTION", &cfg.FirestoreCollection)

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_TTL"); val != "" {
		if ttl, err := time.ParseDuration(val); err == nil {
			cfg.Redis.TTL = ttl
		}
	}
	boolean("REDIS_ENABLED", &cfg.Redis.Enabled)

	// VAPID Overrides
	str("VAPID_PUBLIC_KEY", &cfg.Vapid.PublicKey)
	str("VAPID_PRIVATE_KEY", &cfg.Vapid.PrivateKey)
	str("VAPID_SUB_EMAIL", &cfg.Vapid.SubscriberEmail)

	// APNs Overrides
	str("APNS_KEY_ID", &cfg.APNS.KeyID)
	str("APNS_TEAM_ID", &cfg.APNS.TeamID)
	str("APNS_BUNDLE_ID", &cfg.APNS.BundleID)
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		cfg.APNS.P8KeyContent = val
		cfg.APNS.Enabled = true
	}
	boolean("APNS_PRODUCTION", &cfg.APNS.Production)

	// Send defaults
	str("APP_NAME", &cfg.SendDefaults.Title)
	str("DEFAULT_ICON_URL", &cfg.SendDefaults.Icon)
	str("DEFAULT_CLICK_URL", &cfg.SendDefaults.URL)

	str("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TokenBackend == "" {
		cfg.TokenBackend = BackendFirestore
	}
	switch cfg.TokenBackend {
	case BackendFirestore:
		if cfg.ProjectID == "" {
			return fmt.Errorf("project_id is required for the firestore backend (set via YAML or PROJECT_ID env var)")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres backend (set via YAML or DATABASE_URL env var)")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown token_backend %q (want firestore, postgres or memory)", cfg.TokenBackend)
	}

	if cfg.PipelineEnabled {
		if cfg.ProjectID == "" {
			return fmt.Errorf("project_id is required when the pipeline is enabled")
		}
		if cfg.SubscriptionID == "" {
			return fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
		}
		if cfg.PubsubConsumerConfig == nil {
			cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
		}
	}
	if cfg.APNS.Enabled && (cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" || cfg.APNS.BundleID == "") {
		return fmt.Errorf("apns key_id, team_id and bundle_id are required when APNs is enabled")
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 5 * time.Minute
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.SendDefaults.Body == "" {
		cfg.SendDefaults.Body = "Nouvelle notification"
	}
	return nil
}
