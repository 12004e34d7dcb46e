// Package reqctx defines RequestContext, the per-request value threaded
// through the router, middleware chain, cluster dispatch and cache
// lookup. It is deliberately a leaf package: everything else in the
// dataplane depends on it, it depends on nothing gateway-specific,
// which keeps the dependency graph acyclic.
package reqctx

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Protocol distinguishes a plaintext connection from a TLS one.
type Protocol int

const (
	ProtocolPlain Protocol = iota
	ProtocolTLS
)

// Principal is whatever the auth middleware's validate function
// returns on success; the gateway core never inspects its shape.
type Principal interface{}

// RouteMatch is the minimal view of a matched route the context needs;
// pkg/router's Route type satisfies it without reqctx importing router.
type RouteMatch interface {
	RouteID() string
	UpstreamID() string
}

// CacheDecision records what the cache engine decided for this request.
type CacheDecision struct {
	Fingerprint string
	Hit         bool
	Stored      bool
}

// RequestContext is exclusively owned by the per-request task that
// created it; no concurrent access occurs except through its own
// synchronized Scratch accessors.
type RequestContext struct {
	ID            string
	ClientAddr    net.Addr
	ArrivalTime   time.Time
	Protocol      Protocol
	Principal     Principal
	Route         RouteMatch
	RouteParams   map[string]string
	UpstreamID    string
	Cache         *CacheDecision

	mu      sync.Mutex
	scratch map[string]interface{}
}

// New creates a RequestContext with a fresh request id.
func New(clientAddr net.Addr, protocol Protocol) *RequestContext {
	return &RequestContext{
		ID:          uuid.NewString(),
		ClientAddr:  clientAddr,
		ArrivalTime: time.Now(),
		Protocol:    protocol,
		scratch:     make(map[string]interface{}),
	}
}

// Set stores a scratch value, e.g. an extracted route parameter.
func (c *RequestContext) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scratch[key] = value
}

// Get retrieves a scratch value.
func (c *RequestContext) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.scratch[key]
	return v, ok
}

// ClientIP returns the client's address without the port, or "" if
// ClientAddr is nil or unparseable.
func (c *RequestContext) ClientIP() string {
	if c.ClientAddr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.ClientAddr.String())
	if err != nil {
		return c.ClientAddr.String()
	}
	return host
}
