// Package gatewaycore is a reverse-proxy dataplane: a router, a set of
// load-balanced upstream clusters, a shared response cache and a
// cross-cutting middleware chain, servable over a single HTTP/1.1
// listener. cmd/gateway is the batteries-included binary; this package
// re-exports the pieces an embedder needs to wire the same dataplane
// into its own process.
package gatewaycore

import (
	"github.com/rs/zerolog"

	"github.com/whileendless/gatewaycore/pkg/cache"
	"github.com/whileendless/gatewaycore/pkg/cluster"
	"github.com/whileendless/gatewaycore/pkg/config"
	"github.com/whileendless/gatewaycore/pkg/gateway"
	"github.com/whileendless/gatewaycore/pkg/metrics"
	"github.com/whileendless/gatewaycore/pkg/middleware"
	"github.com/whileendless/gatewaycore/pkg/router"
)

// Version is the current version of this module.
const Version = "0.1.0"

// GetVersion returns the current version of the module.
func GetVersion() string {
	return Version
}

// Re-export the types an embedder wires together, so a caller needs
// only this package plus pkg/config's YAML schema for common use.
type (
	// Server drives the per-connection accept/serve loop.
	Server = gateway.Server

	// ServerConfig bounds a Server's connection and timeout limits.
	ServerConfig = gateway.Config

	// Router maps an incoming request to a Route.
	Router = router.Router

	// Route describes one routable destination.
	Route = router.Route

	// Cluster is a fully wired upstream group: pool, health checker,
	// balancer and optional affinity.
	Cluster = cluster.Cluster

	// ClusterConfig describes one upstream cluster end to end.
	ClusterConfig = cluster.Config

	// CacheIndex is the shared, fingerprint-keyed response cache.
	CacheIndex = cache.Index

	// CacheConfig bounds the cache's memory footprint and default TTLs.
	CacheConfig = cache.Config

	// Chain holds the ordered request- and response-phase middleware.
	Chain = middleware.Chain

	// MetricsRegistry exports the gateway's Prometheus counters and gauges.
	MetricsRegistry = metrics.Registry

	// Config is the top-level decoded startup configuration: the
	// route/upstream/health/affinity/failover schema.
	Config = config.Config
)

// NewServer wires a Server from its constituent parts. It is a thin
// pass-through to gateway.NewServer, kept here so an embedder needs
// only this package plus pkg/config for common use.
func NewServer(cfg ServerConfig, rtr *Router, clusters map[string]*Cluster, idx *CacheIndex, chain *Chain, reg *MetricsRegistry, log zerolog.Logger) *Server {
	return gateway.NewServer(cfg, rtr, clusters, idx, chain, reg, log)
}
