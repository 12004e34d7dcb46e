// Package config decodes the gateway's startup configuration: routes,
// upstreams, health checks, affinity and failover. It mirrors that
// schema as Go structs with yaml tags and rejects unknown keys at load,
// a typed struct decoded with strict field checking rather than an
// untyped map walked by hand.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/whileendless/gatewaycore/pkg/errors"
)

// RouteConfig mirrors the `route` schema.
type RouteConfig struct {
	ID          string            `yaml:"id"`
	Pattern     string            `yaml:"pattern"`
	Host        string            `yaml:"host,omitempty"`
	Methods     []string          `yaml:"methods,omitempty"`
	UpstreamRef string            `yaml:"upstream_ref"`
	Priority    int               `yaml:"priority,omitempty"`
	Overrides   map[string]string `yaml:"overrides,omitempty"`
}

// ServerConfig mirrors one entry of `upstream.servers`.
type ServerConfig struct {
	ID     string `yaml:"id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Scheme string `yaml:"scheme"` // "http" or "https"
	Weight int    `yaml:"weight,omitempty"`
}

// HealthConfig mirrors `upstream.health`.
type HealthConfig struct {
	Type               string `yaml:"type"` // "tcp" or "http"
	Path               string `yaml:"path,omitempty"`
	IntervalMS         int    `yaml:"interval_ms,omitempty"`
	TimeoutMS          int    `yaml:"timeout_ms,omitempty"`
	HealthyThreshold   int    `yaml:"healthy_threshold,omitempty"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold,omitempty"`
}

// AffinityConfig mirrors `upstream.affinity`.
type AffinityConfig struct {
	Key   string `yaml:"key"` // "cookie:name", "header:name", or "client_ip"
	TTLMS int    `yaml:"ttl_ms,omitempty"`
}

// FailoverConfig mirrors `upstream.failover`.
type FailoverConfig struct {
	MaxAttempts      int      `yaml:"max_attempts,omitempty"`
	AttemptTimeoutMS int      `yaml:"attempt_timeout_ms,omitempty"`
	GlobalTimeoutMS  int      `yaml:"global_timeout_ms,omitempty"`
	RetryOn          []string `yaml:"retry_on,omitempty"` // subset of "connect","timeout","5xx"
}

// UpstreamConfig mirrors the `upstream` schema.
type UpstreamConfig struct {
	ID       string          `yaml:"id"`
	Strategy string          `yaml:"strategy"`
	Servers  []ServerConfig  `yaml:"servers"`
	Health   HealthConfig    `yaml:"health"`
	Affinity *AffinityConfig `yaml:"affinity,omitempty"`
	Failover *FailoverConfig `yaml:"failover,omitempty"`
	// ProxyURL, when set, routes this upstream's egress dials through
	// a SOCKS4/SOCKS5 proxy (e.g. "socks5://127.0.0.1:1080").
	ProxyURL string `yaml:"proxy_url,omitempty"`
}

// ListenConfig describes one listener: plaintext or TLS-terminating.
type ListenConfig struct {
	Addr     string `yaml:"addr"`
	TLS      bool   `yaml:"tls,omitempty"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// ServerOptions configures gateway-level request/connection limits.
type ServerOptions struct {
	MaxConnections     int `yaml:"max_connections,omitempty"`
	RequestTimeoutMS   int `yaml:"request_timeout_ms,omitempty"`
	KeepAliveTimeoutMS int `yaml:"keep_alive_timeout_ms,omitempty"`
}

// CacheOptions configures the shared response cache.
type CacheOptions struct {
	MaxBytes   int64 `yaml:"max_bytes,omitempty"`
	MaxEntries int   `yaml:"max_entries,omitempty"`
	DefaultTTLMS int `yaml:"default_ttl_ms,omitempty"`
	MaxTTLMS   int   `yaml:"max_ttl_ms,omitempty"`
}

// Config is the top-level decoded startup configuration.
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Server    ServerOptions    `yaml:"server,omitempty"`
	Cache     CacheOptions     `yaml:"cache,omitempty"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Routes    []RouteConfig    `yaml:"routes"`
}

// Load reads and strictly decodes a YAML config file: unknown keys at
// any level are a load error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIOError("opening config file", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode strictly decodes YAML config from r.
func Decode(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, errors.NewValidationError("config file is empty")
		}
		return nil, errors.NewMalformedError("decoding config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants the YAML schema alone cannot
// express: every route's upstream_ref must name a declared upstream.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return errors.NewValidationError("listen.addr is required")
	}
	upstreams := make(map[string]bool, len(c.Upstreams))
	for _, u := range c.Upstreams {
		if u.ID == "" {
			return errors.NewValidationError("upstream missing id")
		}
		if len(u.Servers) == 0 {
			return errors.NewValidationError(fmt.Sprintf("upstream %q has no servers", u.ID))
		}
		upstreams[u.ID] = true
	}
	for _, r := range c.Routes {
		if r.ID == "" || r.Pattern == "" {
			return errors.NewValidationError("route missing id or pattern")
		}
		if !upstreams[r.UpstreamRef] {
			return errors.NewValidationError(fmt.Sprintf("route %q references unknown upstream %q", r.ID, r.UpstreamRef))
		}
	}
	return nil
}
