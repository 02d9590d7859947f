// Package cachectl is the offline cache of the background worker: it precaches
// the application shell, keeps a network-first dynamic cache and falls back to
// cached responses when the network fails.
package cachectl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/tinywideclouds/go-pwa-push/internal/cachestore"
	"github.com/tinywideclouds/go-pwa-push/internal/host"
	"github.com/tinywideclouds/go-pwa-push/internal/metrics"
	"github.com/tinywideclouds/go-pwa-push/internal/worker"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".avif": true, ".ico": true,
}

// Controller implements the worker's cache handlers.
type Controller struct {
	cfg     Config
	origin  *url.URL
	store   cachestore.Storage
	network http.RoundTripper
	clients host.Clients
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a controller. clients may be nil when no window can be claimed.
func New(cfg Config, store cachestore.Storage, network http.RoundTripper, clients host.Clients, logger *slog.Logger) (*Controller, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", cfg.Origin, err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", cfg.Origin)
	}
	if network == nil {
		network = http.DefaultTransport
	}
	return &Controller{
		cfg:     cfg,
		origin:  origin,
		store:   store,
		network: network,
		clients: clients,
		logger:  logger.With("component", "CacheController"),
		now:     time.Now,
	}, nil
}

// Handlers binds the controller into a worker event table.
func (c *Controller) Handlers() worker.Handlers {
	return worker.Handlers{
		Install:  c.Install,
		Activate: c.Activate,
		Fetch:    c.Fetch,
		Message:  c.HandleMessage,
	}
}

// Install precaches the shell. Either every resource is stored or none is.
func (c *Controller) Install(ctx context.Context) (worker.Result, error) {
	entries := make(map[string]cachestore.Entry, len(c.cfg.ShellResources))
	for _, res := range c.cfg.ShellResources {
		key := c.resolve(res)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
		if err != nil {
			return worker.Result{}, fmt.Errorf("precache %s: %w", res, err)
		}
		resp, err := c.network.RoundTrip(req)
		if err != nil {
			return worker.Result{}, fmt.Errorf("precache %s: %w", res, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return worker.Result{}, fmt.Errorf("precache %s: reading body: %w", res, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return worker.Result{}, fmt.Errorf("precache %s: unexpected status %d", res, resp.StatusCode)
		}
		entries[key] = cachestore.NewEntry(resp, body, c.now())
	}

	static := c.cfg.StaticBucket()
	for key, e := range entries {
		if err := c.store.Put(ctx, static, key, e); err != nil {
			return worker.Result{}, fmt.Errorf("precache %s: %w", key, err)
		}
	}
	if err := c.store.Open(ctx, c.cfg.DynamicBucket()); err != nil {
		return worker.Result{}, fmt.Errorf("opening dynamic bucket: %w", err)
	}
	c.logger.Info("Shell precached", "bucket", static, "resources", len(entries))
	return worker.Result{SkipWaiting: true}, nil
}

// Activate deletes every bucket of other versions and claims open windows.
func (c *Controller) Activate(ctx context.Context) error {
	names, err := c.store.Buckets(ctx)
	if err != nil {
		return fmt.Errorf("listing buckets: %w", err)
	}
	keep := map[string]bool{c.cfg.StaticBucket(): true, c.cfg.DynamicBucket(): true}

	var errs []error
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := c.store.Delete(ctx, name); err != nil {
			c.logger.Error("Failed to delete stale bucket", "bucket", name, "err", err)
			errs = append(errs, fmt.Errorf("deleting %q: %w", name, err))
			continue
		}
		c.logger.Info("Deleted stale bucket", "bucket", name)
	}

	if c.clients != nil {
		if err := c.clients.Claim(ctx); err != nil {
			errs = append(errs, fmt.Errorf("claiming clients: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Fetch answers same-origin GETs and cross-origin images network first.
func (c *Controller) Fetch(ctx context.Context, req *http.Request) (worker.Result, error) {
	if req.Method != http.MethodGet {
		return worker.Result{}, nil
	}
	if !c.sameOrigin(req.URL) && !isImageRequest(req) {
		return worker.Result{}, nil
	}
	key := cacheKey(c.origin.ResolveReference(req.URL))

	resp, netErr := c.network.RoundTrip(req.WithContext(ctx))
	if netErr == nil {
		metrics.CacheNetworkHits.Inc()
		if cacheable(req, resp) {
			c.teeIntoDynamic(ctx, key, resp)
		}
		return worker.Result{Handled: true, Response: resp}, nil
	}

	c.logger.Debug("Network failed, trying cache", "url", key, "err", netErr)
	if e, ok := c.match(ctx, key); ok {
		metrics.CacheFallbacks.WithLabelValues("match").Inc()
		return worker.Result{Handled: true, Response: e.Response(req)}, nil
	}
	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		if e, ok := c.match(ctx, c.resolve("/")); ok {
			metrics.CacheFallbacks.WithLabelValues("shell").Inc()
			return worker.Result{Handled: true, Response: e.Response(req)}, nil
		}
	}
	metrics.CacheFallbacks.WithLabelValues("miss").Inc()
	return worker.Result{}, netErr
}

// HandleMessage reacts to SKIP_WAITING and CLEAR_CACHE.
func (c *Controller) HandleMessage(ctx context.Context, msg worker.Message) (worker.Result, error) {
	switch msg.Type {
	case worker.MessageSkipWaiting:
		return worker.Result{SkipWaiting: true}, nil
	case worker.MessageClearCache:
		n, err := cachestore.DeleteAll(ctx, c.store)
		c.logger.Info("Cleared all buckets", "deleted", n)
		return worker.Result{}, err
	default:
		c.logger.Debug("Ignoring unknown message", "type", msg.Type)
		return worker.Result{}, nil
	}
}

func (c *Controller) teeIntoDynamic(ctx context.Context, key string, resp *http.Response) {
	bucket := c.cfg.DynamicBucket()
	// The write outlives the request that triggered it.
	writeCtx := context.WithoutCancel(ctx)
	// Headers are captured now; a reverse proxy edits the live map before the body is read.
	upstream := &http.Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
	resp.Body = newTeeBody(resp.Body, c.cfg.MaxEntryBytes, func(body []byte) {
		if err := c.store.Put(writeCtx, bucket, key, cachestore.NewEntry(upstream, body, c.now())); err != nil {
			metrics.CacheWriteFailures.Inc()
			c.logger.Warn("Failed to cache response", "url", key, "err", err)
		}
	})
}

func (c *Controller) match(ctx context.Context, key string) (cachestore.Entry, bool) {
	e, err := c.store.MatchAny(ctx, key)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			c.logger.Warn("Cache lookup failed", "url", key, "err", err)
		}
		return cachestore.Entry{}, false
	}
	return e, true
}

func (c *Controller) resolve(p string) string {
	ref, err := url.Parse(p)
	if err != nil {
		return p
	}
	return cacheKey(c.origin.ResolveReference(ref))
}

func (c *Controller) sameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func cacheKey(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	return k.String()
}

// cacheable applies a shared-cache policy: the buckets may be served to any
// caller, so nothing tied to one caller's credentials is stored.
func cacheable(req *http.Request, resp *http.Response) bool {
	if req.Header.Get("Authorization") != "" || req.Header.Get("Cookie") != "" {
		return false
	}
	if resp.StatusCode == http.StatusPartialContent {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range resp.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(directive, "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "private", "no-store":
				return false
			}
		}
	}
	for _, v := range resp.Header.Values("Vary") {
		if strings.TrimSpace(v) == "*" {
			return false
		}
	}
	return true
}

func isImageRequest(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(path.Ext(req.URL.Path))]
}
