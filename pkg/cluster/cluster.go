// Package cluster implements the upstream cluster abstraction: a
// connection pool, health checker, load balancer, session affinity and
// failover bound to one named group of backend servers. The
// connection-pooling core generalizes a single egress client's
// host-keyed pool design to many named upstream clusters.
package cluster

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/tlsconfig"
)

// RetryOn enumerates the failure classes eligible for failover.
type RetryOn struct {
	Connect bool
	Timeout bool
	Status5xx bool
}

// FailoverConfig configures retry behavior across distinct servers.
type FailoverConfig struct {
	MaxAttempts         int
	AttemptTimeout      time.Duration
	GlobalTimeout       time.Duration
	RetryOn             RetryOn
	RetryNonIdempotent  bool // explicit opt-in; retrying a non-idempotent method can duplicate side effects
}

// Config describes one upstream cluster end to end, mirroring the
// `upstream` schema in the startup config.
type Config struct {
	ID       string
	Strategy Strategy
	Servers  []*UpstreamServer
	Health   HealthConfig
	Affinity *AffinityConfig
	Failover FailoverConfig
	Pool     PoolConfig
	TLS      *tls.Config // applied when dialing SchemeTLS servers

	// ProxyURL routes egress dials through a SOCKS4/SOCKS5 proxy
	// (e.g. "socks5://127.0.0.1:1080") instead of dialing servers
	// directly, for upstreams that sit behind a corporate egress
	// proxy. Empty means dial direct.
	ProxyURL string
}

// Cluster is a fully wired upstream group: pool + health checker +
// balancer + optional affinity, ready to pick and dial servers.
type Cluster struct {
	cfg      Config
	pool     *Pool
	health   *HealthChecker
	balancer Balancer
	affinity *AffinityTable
	log      zerolog.Logger

	byID map[string]*UpstreamServer
}

// New wires a Cluster from cfg. Health probing starts immediately;
// callers should Close the cluster on shutdown.
func New(cfg Config, log zerolog.Logger) *Cluster {
	if cfg.Failover.MaxAttempts <= 0 {
		cfg.Failover.MaxAttempts = 1
	}
	if cfg.Failover.AttemptTimeout <= 0 {
		cfg.Failover.AttemptTimeout = 5 * time.Second
	}

	c := &Cluster{
		cfg:      cfg,
		health:   NewHealthChecker(cfg.Health),
		balancer: NewBalancer(cfg.Strategy),
		log:      log.With().Str("cluster", cfg.ID).Logger(),
		byID:     make(map[string]*UpstreamServer, len(cfg.Servers)),
	}
	for _, s := range cfg.Servers {
		c.byID[s.ID] = s
		c.health.Register(s.ID, true)
	}
	c.pool = NewPool(cfg.Pool, dialerFunc(c.dial))
	if cfg.Affinity != nil && cfg.Affinity.Enabled {
		c.affinity = NewAffinityTable(cfg.Affinity.TTL)
	}
	c.health.Start(cfg.Servers)
	return c
}

type dialerFunc func(ctx context.Context, key PoolKey) (net.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, key PoolKey) (net.Conn, error) { return f(ctx, key) }

func (c *Cluster) dial(ctx context.Context, key PoolKey) (net.Conn, error) {
	addr := net.JoinHostPort(key.Host, strconv.Itoa(key.Port))
	conn, err := c.dialTCP(ctx, addr)
	if err != nil {
		return nil, errors.NewUpstreamConnectError(key.String(), err)
	}
	if key.Scheme == "https" {
		tlsCfg := c.cfg.TLS
		if tlsCfg == nil {
			var buildErr error
			tlsCfg, buildErr = tlsconfig.BuildClientConfig(tlsconfig.ClientOptions{SNI: key.Host})
			if buildErr != nil {
				conn.Close()
				return nil, errors.NewUpstreamConnectError(key.String(), buildErr)
			}
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.NewTLSError(key.Host, key.Port, err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// dialTCP opens the raw TCP leg of an upstream connection, routing
// through the cluster's configured egress proxy (SOCKS4/SOCKS5) when
// ProxyURL is set, or dialing the server directly otherwise.
func (c *Cluster) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if c.cfg.ProxyURL == "" {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", addr)
	}

	u, err := url.Parse(c.cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

// healthySubset returns the currently Healthy servers in stable
// registration order so balancer index math is deterministic.
func (c *Cluster) healthySubset() []*UpstreamServer {
	out := make([]*UpstreamServer, 0, len(c.cfg.Servers))
	for _, s := range c.cfg.Servers {
		if c.health.State(s.ID) == Healthy {
			out = append(out, s)
		}
	}
	return out
}

// Pick selects a server using affinity (if enabled and the mapped
// server is still Healthy) or the cluster's base strategy.
func (c *Cluster) Pick(pc PickContext, affinityKey string) (*UpstreamServer, bool) {
	healthy := c.healthySubset()
	if len(healthy) == 0 {
		return nil, false
	}

	if c.affinity != nil && affinityKey != "" {
		if id, ok := c.affinity.Lookup(affinityKey); ok {
			if srv, ok := c.byID[id]; ok && c.health.State(id) == Healthy {
				return srv, true
			}
		}
		srv, ok := c.balancer.Pick(healthy, pc)
		if ok {
			c.affinity.Bind(affinityKey, srv.ID)
		}
		return srv, ok
	}

	return c.balancer.Pick(healthy, pc)
}

// Acquire checks out a connection to srv from the pool.
func (c *Cluster) Acquire(ctx context.Context, srv *UpstreamServer) (net.Conn, error) {
	srv.incInFlight()
	conn, err := c.pool.Acquire(ctx, srv.poolKey())
	if err != nil {
		srv.decInFlight()
		return nil, err
	}
	return conn, nil
}

// Release returns conn to srv's pool and records the outcome with the
// health checker, feeding proxied-request failures back into the same
// consecutive-failure counters the probe loop drives.
func (c *Cluster) Release(srv *UpstreamServer, conn net.Conn, reusable bool, success bool) {
	srv.decInFlight()
	c.pool.Release(srv.poolKey(), conn, reusable)
	c.health.RecordOutcome(srv.ID, success)
}

// Discard drops conn without returning it to the pool (used on a fatal
// mid-response error) and records the failure.
func (c *Cluster) Discard(srv *UpstreamServer, conn net.Conn) {
	srv.decInFlight()
	c.pool.Discard(srv.poolKey(), conn)
	c.health.RecordOutcome(srv.ID, false)
}

// IsRetryable classifies err against the cluster's RetryOn policy.
func (c *Cluster) IsRetryable(err error, isTimeout bool, statusCode int) bool {
	ro := c.cfg.Failover.RetryOn
	if isTimeout && ro.Timeout {
		return true
	}
	if errors.GetKind(err) == errors.KindUpstreamConnect && ro.Connect {
		return true
	}
	if ro.Status5xx && statusCode >= 500 {
		return true
	}
	return false
}

// AffinityKey derives the session-stickiness key for this cluster's
// configured affinity kind, given the caller-extracted cookie/header
// value and client IP. Returns "" when affinity is disabled or the
// configured cookie/header was not present.
func (c *Cluster) AffinityKey(cookieOrHeaderValue, clientIP string) string {
	if c.cfg.Affinity == nil || !c.cfg.Affinity.Enabled {
		return ""
	}
	if c.cfg.Affinity.Kind == AffinityClientIP {
		return clientIP
	}
	return cookieOrHeaderValue
}

// AffinityConfig exposes the cluster's affinity configuration so the
// gateway knows which cookie/header name to extract.
func (c *Cluster) AffinityConfig() *AffinityConfig { return c.cfg.Affinity }

// MaxAttempts and AttemptTimeout expose the failover budget to the gateway loop.
func (c *Cluster) MaxAttempts() int               { return c.cfg.Failover.MaxAttempts }
func (c *Cluster) AttemptTimeout() time.Duration   { return c.cfg.Failover.AttemptTimeout }
func (c *Cluster) RetryNonIdempotent() bool        { return c.cfg.Failover.RetryNonIdempotent }
func (c *Cluster) PoolStats() Stats                { return c.pool.Stats() }

// Close stops health probing and the pool sweeper.
func (c *Cluster) Close() error {
	c.health.Stop()
	return c.pool.Close()
}
