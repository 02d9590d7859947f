package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// ErrCacheMiss is returned by CacheClient.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CachedTokenStore is a Decorator that adds Read-Aside caching of token
// listings to any push.TokenStore.
type CachedTokenStore struct {
	realStore push.TokenStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

var _ push.TokenStore = (*CachedTokenStore)(nil)

func NewCachedTokenStore(realStore push.TokenStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenStore {
	return &CachedTokenStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTokenStore"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedTokenStore) ListTokens(ctx context.Context, deviceType string) ([]push.TokenRecord, error) {
	key := cacheKey(deviceType)

	var cached []push.TokenRecord
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn("Token cache read failed, using store", "key", key, "err", err)
	}

	fresh, err := s.realStore.ListTokens(ctx, deviceType)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a failed fill still serves the fresh rows.
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Warn("Token cache fill failed", "key", key, "err", err)
	}
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedTokenStore) Upsert(ctx context.Context, record push.TokenRecord) error {
	if err := s.realStore.Upsert(ctx, record); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

func (s *CachedTokenStore) DeleteDeviceTokensExcept(ctx context.Context, deviceID, keepToken string) error {
	if err := s.realStore.DeleteDeviceTokensExcept(ctx, deviceID, keepToken); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

// DeleteTokens must clear the listings too, or a broadcast would keep
// targeting tokens the platforms already rejected.
func (s *CachedTokenStore) DeleteTokens(ctx context.Context, tokens []string) error {
	if err := s.realStore.DeleteTokens(ctx, tokens); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

// --- Helpers ---

// invalidate drops every listing since a single row can appear in the
// unfiltered one and in its device type's.
func (s *CachedTokenStore) invalidate(ctx context.Context) error {
	keys := []string{
		cacheKey(""),
		cacheKey(push.DeviceTypeWeb),
		cacheKey(push.DeviceTypeIOS),
		cacheKey(push.DeviceTypeWebPush),
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		return fmt.Errorf("invalidating token cache: %w", err)
	}
	return nil
}

func cacheKey(deviceType string) string {
	if deviceType == "" {
		deviceType = "all"
	}
	return fmt.Sprintf("push:tokens:%s", deviceType)
}
