// Package cmd holds the pieces shared by the binaries under cmd/.
package cmd

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/tinywideclouds/go-pwa-push/internal/worker/cachectl"
)

// NewLogger builds the JSON logger every binary uses, honoring LOG_LEVEL.
func NewLogger(service string) *slog.Logger {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", service)
}

// OfflineCacheConfig holds the final, validated configuration of the offline cache proxy.
type OfflineCacheConfig struct {
	ListenAddr string
	Upstream   *url.URL
	// RedisAddr, when set, shares the cache buckets between replicas.
	RedisAddr string
	Cache     cachectl.Config
}

// OfflineCacheConfigFromEnv reads CACHE_UPSTREAM (required), PORT, CACHE_PREFIX,
// CACHE_VERSION, CACHE_SHELL, CACHE_MAX_ENTRY_BYTES and CACHE_REDIS_ADDR.
func OfflineCacheConfigFromEnv() (*OfflineCacheConfig, error) {
	raw := os.Getenv("CACHE_UPSTREAM")
	if raw == "" {
		return nil, fmt.Errorf("CACHE_UPSTREAM is required")
	}
	upstream, err := url.Parse(raw)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("CACHE_UPSTREAM %q must be an absolute URL", raw)
	}

	cfg := &OfflineCacheConfig{
		ListenAddr: ":8081",
		Upstream:   upstream,
		RedisAddr:  os.Getenv("CACHE_REDIS_ADDR"),
		Cache:      cachectl.DefaultConfig(),
	}
	cfg.Cache.Origin = upstream.Scheme + "://" + upstream.Host

	if val := os.Getenv("PORT"); val != "" {
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("CACHE_PREFIX"); val != "" {
		cfg.Cache.Prefix = val
	}
	if val := os.Getenv("CACHE_VERSION"); val != "" {
		cfg.Cache.Version = val
	}
	if val := os.Getenv("CACHE_SHELL"); val != "" {
		var shell []string
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				shell = append(shell, p)
			}
		}
		cfg.Cache.ShellResources = shell
	}
	if val := os.Getenv("CACHE_MAX_ENTRY_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("CACHE_MAX_ENTRY_BYTES %q is not a byte count", val)
		}
		cfg.Cache.MaxEntryBytes = n
	}
	return cfg, nil
}

// Device agent actions.
const (
	ActionStart  = "start"
	ActionEnable = "enable"
	ActionReset  = "reset"
)

// DeviceAgentConfig holds the validated configuration of the device agent.
type DeviceAgentConfig struct {
	APIURL    string
	APIToken  string
	StatePath string
	Origin    string
	AppName   string
	UserEmail string
	UserAgent string
	Action    string
}

// DeviceAgentConfigFromEnv reads PUSH_API_URL (required), PUSH_API_TOKEN,
// DEVICE_STATE_PATH, DEVICE_ORIGIN, DEVICE_APP_NAME, DEVICE_USER_EMAIL,
// DEVICE_USER_AGENT and DEVICE_ACTION.
func DeviceAgentConfigFromEnv() (*DeviceAgentConfig, error) {
	cfg := &DeviceAgentConfig{
		APIURL:    os.Getenv("PUSH_API_URL"),
		APIToken:  os.Getenv("PUSH_API_TOKEN"),
		StatePath: "device-state.json",
		Origin:    "http://localhost:4200",
		AppName:   "Au Matin Vert",
		UserEmail: os.Getenv("DEVICE_USER_EMAIL"),
		UserAgent: os.Getenv("DEVICE_USER_AGENT"),
		Action:    ActionStart,
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("PUSH_API_URL is required")
	}
	if val := os.Getenv("DEVICE_STATE_PATH"); val != "" {
		cfg.StatePath = val
	}
	if val := os.Getenv("DEVICE_ORIGIN"); val != "" {
		u, err := url.Parse(val)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("DEVICE_ORIGIN %q must be an absolute URL", val)
		}
		cfg.Origin = val
	}
	if val := os.Getenv("DEVICE_APP_NAME"); val != "" {
		cfg.AppName = val
	}
	if val := os.Getenv("DEVICE_ACTION"); val != "" {
		cfg.Action = strings.ToLower(val)
	}
	switch cfg.Action {
	case ActionStart, ActionEnable, ActionReset:
	default:
		return nil, fmt.Errorf("DEVICE_ACTION %q is not one of start, enable, reset", cfg.Action)
	}
	return cfg, nil
}
