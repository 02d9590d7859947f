// Package ratelimit throttles the public token endpoints per caller.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per caller key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	now      func() time.Time
	logger   *slog.Logger
}

func New(requestsPerSecond float64, burst int, logger *slog.Logger) *Limiter {
	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
		logger:   logger.With("component", "RateLimiter"),
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = l.now()
	return e.limiter
}

// Middleware keys authenticated callers by user handle and everyone else by
// remote IP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := middleware.GetUserHandleFromContext(r.Context())
		if !ok || key == "" {
			key = clientIP(r)
		}

		if !l.get(key).Allow() {
			l.logger.Warn("Rate limit exceeded", "key", key, "path", r.URL.Path)
			response.WriteJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sweep drops buckets idle for longer than idle and returns how many it removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until done is closed.
func (l *Limiter) Run(done <-chan struct{}, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := l.Sweep(idle); n > 0 {
				l.logger.Debug("Swept idle rate limiters", "count", n)
			}
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
