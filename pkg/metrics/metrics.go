// Package metrics exports the gateway's counters and gauges via
// github.com/prometheus/client_golang. A prometheus.Registry is
// registered at startup; ObserveCache and ObservePool copy in-process
// stats snapshots onto its gauges each time they are called, rather
// than computing them inline on the hot path. This package does not
// schedule those calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/whileendless/gatewaycore/pkg/cache"
	"github.com/whileendless/gatewaycore/pkg/cluster"
)

// Registry holds every metric the gateway exports, namespaced under
// "gatewaycore".
type Registry struct {
	Registerer prometheus.Registerer

	TotalRequests    *prometheus.CounterVec // labels: route, method
	TotalErrors      *prometheus.CounterVec // labels: kind
	ActiveConnections prometheus.Gauge
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter

	CacheHits      prometheus.Gauge
	CacheMisses    prometheus.Gauge
	CacheEvictions prometheus.Gauge
	CacheBytes     prometheus.Gauge

	PoolReused    *prometheus.GaugeVec // label: key
	PoolMissed    *prometheus.GaugeVec
	PoolErrors    *prometheus.GaugeVec
	PoolAvgWaitMs *prometheus.GaugeVec

	RateLimitAllowed *prometheus.CounterVec // label: key_class
	RateLimitDenied  *prometheus.CounterVec
}

// New creates and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		Registerer: reg,
		TotalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewaycore", Name: "total_requests", Help: "Total requests handled, by route and method.",
		}, []string{"route", "method"}),
		TotalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewaycore", Name: "total_errors", Help: "Total requests completed with an error kind.",
		}, []string{"kind"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "active_connections", Help: "Currently open client connections.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewaycore", Name: "bytes_in", Help: "Total request bytes read from clients.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewaycore", Name: "bytes_out", Help: "Total response bytes written to clients.",
		}),
		CacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "cache_hits", Help: "Cumulative cache hits.",
		}),
		CacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "cache_misses", Help: "Cumulative cache misses.",
		}),
		CacheEvictions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "cache_evictions", Help: "Cumulative cache evictions.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "cache_bytes", Help: "Current total bytes held in the cache.",
		}),
		PoolReused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "pool_reuse", Help: "Cumulative pooled-connection reuses, per upstream key.",
		}, []string{"key"}),
		PoolMissed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "pool_miss", Help: "Cumulative pool misses (new dial required), per upstream key.",
		}, []string{"key"}),
		PoolErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "pool_errors", Help: "Cumulative pool dial/acquire errors, per upstream key.",
		}, []string{"key"}),
		PoolAvgWaitMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewaycore", Name: "pool_avg_wait_ms", Help: "Average acquire wait time in milliseconds, per upstream key.",
		}, []string{"key"}),
		RateLimitAllowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewaycore", Name: "ratelimit_allowed", Help: "Requests allowed by the rate limiter, by key class.",
		}, []string{"key_class"}),
		RateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewaycore", Name: "ratelimit_denied", Help: "Requests denied by the rate limiter, by key class.",
		}, []string{"key_class"}),
	}

	reg.MustRegister(
		m.TotalRequests, m.TotalErrors, m.ActiveConnections, m.BytesIn, m.BytesOut,
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheBytes,
		m.PoolReused, m.PoolMissed, m.PoolErrors, m.PoolAvgWaitMs,
		m.RateLimitAllowed, m.RateLimitDenied,
	)
	return m
}

// ObserveCache walks a cache.Index snapshot onto the gauges.
func (m *Registry) ObserveCache(s cache.Stats) {
	m.CacheHits.Set(float64(s.Hits))
	m.CacheMisses.Set(float64(s.Misses))
	m.CacheEvictions.Set(float64(s.Evictions))
	m.CacheBytes.Set(float64(s.TotalBytes))
}

// ObservePool walks one cluster's pool.Stats onto the per-key gauges.
func (m *Registry) ObservePool(key string, s cluster.Stats) {
	m.PoolReused.WithLabelValues(key).Set(float64(s.Reused))
	m.PoolMissed.WithLabelValues(key).Set(float64(s.Missed))
	m.PoolErrors.WithLabelValues(key).Set(float64(s.Errors))
	m.PoolAvgWaitMs.WithLabelValues(key).Set(s.AvgWaitMs)
}
