package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-pwa-push/internal/worker"
)

type router interface {
	Handle(pattern string, handler http.Handler)
}

// slot holds the worker version currently serving. A version whose install
// failed is redundant and gets replaced by a fresh one.
type slot struct {
	current atomic.Pointer[worker.Runtime]
}

func newSlot(rt *worker.Runtime) *slot {
	s := &slot{}
	s.current.Store(rt)
	return s
}

func (s *slot) Runtime() *worker.Runtime {
	return s.current.Load()
}

func (s *slot) Replace(rt *worker.Runtime) {
	s.current.Store(rt)
}

func (s *slot) RoundTrip(req *http.Request) (*http.Response, error) {
	return s.Runtime().RoundTrip(req)
}

// registerRoutes puts the worker runtime in front of upstream. Every request
// not addressed to the worker itself is proxied through the runtime's fetch
// handler.
func registerRoutes(mux router, workers *slot, upstream *url.URL, logger *slog.Logger) {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: workers,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("Upstream unavailable and nothing cached", "path", r.URL.Path, "err", err)
			response.WriteJSONError(w, http.StatusBadGateway, "offline")
		},
	}

	mux.Handle("POST /__worker/message", postMessage(workers, logger))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", proxy)
}

// postMessage relays a foreground message (SKIP_WAITING, CLEAR_CACHE) to the worker.
func postMessage(workers *slot, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg worker.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Type == "" {
			response.WriteJSONError(w, http.StatusBadRequest, "invalid message")
			return
		}
		if err := workers.Runtime().PostMessage(r.Context(), msg); err != nil {
			if errors.Is(err, worker.ErrInvalidTransition) {
				response.WriteJSONError(w, http.StatusConflict, err.Error())
				return
			}
			logger.Error("Worker message failed", "type", msg.Type, "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "message failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
