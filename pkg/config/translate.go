package config

import (
	"strings"
	"time"

	"github.com/whileendless/gatewaycore/pkg/cluster"
	"github.com/whileendless/gatewaycore/pkg/router"
)

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// BuildClusters translates every declared upstream into a
// cluster.Config, ready for cluster.New.
func (c *Config) BuildClusters() map[string]cluster.Config {
	out := make(map[string]cluster.Config, len(c.Upstreams))
	for _, u := range c.Upstreams {
		out[u.ID] = u.toClusterConfig()
	}
	return out
}

func (u UpstreamConfig) toClusterConfig() cluster.Config {
	servers := make([]*cluster.UpstreamServer, 0, len(u.Servers))
	for _, s := range u.Servers {
		scheme := cluster.SchemePlain
		if strings.EqualFold(s.Scheme, "https") {
			scheme = cluster.SchemeTLS
		}
		weight := s.Weight
		if weight <= 0 {
			weight = 1
		}
		servers = append(servers, &cluster.UpstreamServer{
			ID: s.ID, Host: s.Host, Port: s.Port, Scheme: scheme, Weight: weight,
		})
	}

	cfg := cluster.Config{
		ID:       u.ID,
		Strategy: cluster.Strategy(u.Strategy),
		Servers:  servers,
		Health:   u.Health.toClusterHealth(),
		Failover: cluster.FailoverConfig{MaxAttempts: 1},
		ProxyURL: u.ProxyURL,
	}
	if u.Affinity != nil {
		aff := u.Affinity.toClusterAffinity()
		cfg.Affinity = &aff
	}
	if u.Failover != nil {
		cfg.Failover = u.Failover.toClusterFailover()
	}
	return cfg
}

func (h HealthConfig) toClusterHealth() cluster.HealthConfig {
	probe := cluster.ProbeTCP
	if strings.EqualFold(h.Type, "http") {
		probe = cluster.ProbeHTTP
	}
	return cluster.HealthConfig{
		Type:               probe,
		Path:               h.Path,
		Interval:           millis(h.IntervalMS),
		Timeout:            millis(h.TimeoutMS),
		HealthyThreshold:   h.HealthyThreshold,
		UnhealthyThreshold: h.UnhealthyThreshold,
	}
}

func (a AffinityConfig) toClusterAffinity() cluster.AffinityConfig {
	kind := cluster.AffinityClientIP
	name := ""
	switch {
	case strings.HasPrefix(a.Key, "cookie:"):
		kind = cluster.AffinityCookie
		name = strings.TrimPrefix(a.Key, "cookie:")
	case strings.HasPrefix(a.Key, "header:"):
		kind = cluster.AffinityHeader
		name = strings.TrimPrefix(a.Key, "header:")
	}
	return cluster.AffinityConfig{Enabled: true, Kind: kind, Name: name, TTL: millis(a.TTLMS)}
}

func (f FailoverConfig) toClusterFailover() cluster.FailoverConfig {
	var retry cluster.RetryOn
	for _, r := range f.RetryOn {
		switch r {
		case "connect":
			retry.Connect = true
		case "timeout":
			retry.Timeout = true
		case "5xx":
			retry.Status5xx = true
		}
	}
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return cluster.FailoverConfig{
		MaxAttempts:    maxAttempts,
		AttemptTimeout: millis(f.AttemptTimeoutMS),
		GlobalTimeout:  millis(f.GlobalTimeoutMS),
		RetryOn:        retry,
	}
}

// BuildRouter translates every declared route into the router.
func (c *Config) BuildRouter() *router.Router {
	r := router.New()
	for _, rc := range c.Routes {
		r.Add(&router.Route{
			ID:          rc.ID,
			Pattern:     rc.Pattern,
			Host:        rc.Host,
			Methods:     rc.Methods,
			UpstreamRef: rc.UpstreamRef,
			Priority:    rc.Priority,
		})
	}
	return r
}
