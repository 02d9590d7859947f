package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheNetworkHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pwa_cache_network_hits_total",
		Help: "Total fetches answered by the network.",
	})
	CacheFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pwa_cache_fallbacks_total",
		Help: "Total fetches answered from cache after a network failure, by kind (match, shell, miss).",
	}, []string{"kind"})
	CacheWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pwa_cache_write_failures_total",
		Help: "Total responses that could not be written to the dynamic bucket.",
	})

	Acquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pwa_token_acquisitions_total",
		Help: "Total token acquisitions, by outcome.",
	}, []string{"outcome"})
	RemoteSyncFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pwa_token_remote_sync_failures_total",
		Help: "Total token acquisitions whose remote sync failed.",
	})

	NotificationsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pwa_notifications_dispatched_total",
		Help: "Total notifications handed to delivery platforms, by device type and result.",
	}, []string{"device_type", "result"})
	InvalidTokensRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pwa_invalid_tokens_removed_total",
		Help: "Total tokens deleted after a platform reported them invalid.",
	})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CacheNetworkHits, CacheFallbacks, CacheWriteFailures,
			Acquisitions, RemoteSyncFailures,
			NotificationsDispatched, InvalidTokensRemoved,
		)
	})
}
