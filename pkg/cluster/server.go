package cluster

import "sync/atomic"

// Scheme distinguishes a plaintext upstream from a TLS-wrapped one.
type Scheme int

const (
	SchemePlain Scheme = iota
	SchemeTLS
)

func (s Scheme) String() string {
	if s == SchemeTLS {
		return "https"
	}
	return "http"
}

// UpstreamServer is one member of an UpstreamCluster.
type UpstreamServer struct {
	ID     string
	Host   string
	Port   int
	Scheme Scheme
	Weight int

	inFlight      int64
	currentWeight int64 // smooth WRR mutable state
}

// InFlight returns the server's live in-flight request count, used by
// the least-connections strategy.
func (s *UpstreamServer) InFlight() int64 { return atomic.LoadInt64(&s.inFlight) }

func (s *UpstreamServer) incInFlight() { atomic.AddInt64(&s.inFlight, 1) }
func (s *UpstreamServer) decInFlight() { atomic.AddInt64(&s.inFlight, -1) }

func (s *UpstreamServer) poolKey() PoolKey {
	return PoolKey{Scheme: s.Scheme.String(), Host: s.Host, Port: s.Port}
}
