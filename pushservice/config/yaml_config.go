package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
	TTLSeconds      int    `yaml:"ttl_seconds"`
}

type YamlAPNSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	BundleID   string `yaml:"bundle_id"`
	Production bool   `yaml:"production"`
}

type YamlTokenStoreConfig struct {
	Backend             string `yaml:"backend"`
	DatabaseURL         string `yaml:"database_url"`
	FirestoreCollection string `yaml:"firestore_collection"`
}

type YamlSendDefaults struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
	Icon  string `yaml:"icon"`
	URL   string `yaml:"url"`
}

type YamlRateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string               `yaml:"project_id"`
	ListenAddr             string               `yaml:"listen_addr"`
	PipelineEnabled        bool                 `yaml:"pipeline_enabled"`
	TopicID                string               `yaml:"topic_id"`
	SubscriptionID         string               `yaml:"subscription_id"`
	SubscriptionDLQTopicID string               `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                  `yaml:"num_pipeline_workers"`
	IdentityServiceURL     string               `yaml:"identity_service_url"`
	TokenStore             YamlTokenStoreConfig `yaml:"token_store"`
	CorsConfig             YamlCorsConfig       `yaml:"cors"`
	RateLimit              YamlRateLimitConfig  `yaml:"rate_limit"`
	RedisConfig            YamlRedisConfig      `yaml:"redis"`
	VapidConfig            YamlVapidConfig      `yaml:"vapid"`
	APNSConfig             YamlAPNSConfig       `yaml:"apns"`
	SendDefaults           YamlSendDefaults     `yaml:"send_defaults"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	var redisTTL time.Duration
	if baseCfg.RedisConfig.TTL != "" {
		ttl, err := time.ParseDuration(baseCfg.RedisConfig.TTL)
		if err != nil {
			return nil, err
		}
		redisTTL = ttl
	}

	cfg := &Config{
		ProjectID:           baseCfg.ProjectID,
		ListenAddr:          baseCfg.ListenAddr,
		PipelineEnabled:     baseCfg.PipelineEnabled,
		TopicID:             baseCfg.TopicID,
		SubscriptionID:      baseCfg.SubscriptionID,
		IdentityServiceURL:  baseCfg.IdentityServiceURL,
		TokenBackend:        baseCfg.TokenStore.Backend,
		DatabaseURL:         baseCfg.TokenStore.DatabaseURL,
		FirestoreCollection: baseCfg.TokenStore.FirestoreCollection,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: baseCfg.RateLimit.RequestsPerSecond,
			Burst:             baseCfg.RateLimit.Burst,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
			TTLSeconds:      baseCfg.VapidConfig.TTLSeconds,
		},
		APNS: APNSConfig{
			Enabled:    baseCfg.APNSConfig.Enabled,
			KeyID:      baseCfg.APNSConfig.KeyID,
			TeamID:     baseCfg.APNSConfig.TeamID,
			BundleID:   baseCfg.APNSConfig.BundleID,
			Production: baseCfg.APNSConfig.Production,
		},
		SendDefaults: push.Content{
			Title: baseCfg.SendDefaults.Title,
			Body:  baseCfg.SendDefaults.Body,
			Icon:  baseCfg.SendDefaults.Icon,
			URL:   baseCfg.SendDefaults.URL,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"token_backend", cfg.TokenBackend,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}
