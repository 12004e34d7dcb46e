package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/whileendless/gatewaycore/pkg/cache"
	"github.com/whileendless/gatewaycore/pkg/cluster"
	"github.com/whileendless/gatewaycore/pkg/config"
	"github.com/whileendless/gatewaycore/pkg/gateway"
	"github.com/whileendless/gatewaycore/pkg/metrics"
	"github.com/whileendless/gatewaycore/pkg/middleware"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/tlsconfig"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the route/upstream config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if err := run(*configPath, *metricsAddr, log); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

func run(configPath, metricsAddr string, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	clusterConfigs := cfg.BuildClusters()
	clusters := make(map[string]*cluster.Cluster, len(clusterConfigs))
	for id, cc := range clusterConfigs {
		clusters[id] = cluster.New(cc, log)
	}
	defer func() {
		for _, c := range clusters {
			c.Close()
		}
	}()

	rtr := cfg.BuildRouter()

	idx := cache.New(cache.Config{
		MaxBytes:   cfg.Cache.MaxBytes,
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: millis(cfg.Cache.DefaultTTLMS),
		MaxTTL:     millis(cfg.Cache.MaxTTLMS),
	})

	chain := buildChain(log)

	srv := gateway.NewServer(gateway.Config{
		MaxConnections:   int64(cfg.Server.MaxConnections),
		RequestTimeout:   millis(cfg.Server.RequestTimeoutMS),
		KeepAliveTimeout: millis(cfg.Server.KeepAliveTimeoutMS),
		CacheDefaultTTL:  millis(cfg.Cache.DefaultTTLMS),
		CacheMaxTTL:      millis(cfg.Cache.MaxTTLMS),
	}, rtr, clusters, idx, chain, metricsReg, log)

	ln, err := listen(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen.Addr, err)
	}

	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	log.Info().Str("addr", cfg.Listen.Addr).Str("metrics_addr", metricsAddr).Msg("gateway listening")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not fully drain before deadline")
	}
	metricsServer.Close()
	return nil
}

func listen(lc config.ListenConfig) (net.Listener, error) {
	if !lc.TLS {
		return net.Listen("tcp", lc.Addr)
	}
	tlsCfg, err := tlsconfig.BuildServerConfig(tlsconfig.ServerOptions{
		CertFile: lc.CertFile,
		KeyFile:  lc.KeyFile,
	})
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", lc.Addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// buildChain wires the cross-cutting middlewares in a fixed, ascending
// priority order: rate limit and CORS can
// short-circuit before an upstream call is ever made, header
// transforms touch both phases, compression only the response, and
// logging runs first on the request phase and last on the response
// phase so its timings cover everything in between.
func buildChain(log zerolog.Logger) *middleware.Chain {
	chain := middleware.NewChain(func(ctx *reqctx.RequestContext, mwName string, err error) {
		log.Warn().Str("request_id", ctx.ID).Str("middleware", mwName).Err(err).Msg("response middleware error")
	})

	rateLimit := middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{})
	chain.AddRequest(rateLimit, 10, true)
	chain.AddResponse(rateLimit, 10, true)

	cors := middleware.NewCORSMiddleware(middleware.CORSConfig{})
	chain.AddRequest(cors, 20, true)
	chain.AddResponse(cors, 20, true)

	headerTransform := middleware.NewHeaderTransformMiddleware(nil, nil)
	chain.AddRequest(headerTransform, 30, true)
	chain.AddResponse(headerTransform, 30, true)

	chain.AddResponse(middleware.NewCompressionMiddleware(middleware.CompressionConfig{}), 40, true)

	logging := middleware.NewLoggingMiddleware(log)
	chain.AddRequest(logging, 0, true)
	chain.AddResponse(logging, 90, true)

	return chain
}
