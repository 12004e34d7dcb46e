package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whileendless/gatewaycore/pkg/cache"
	"github.com/whileendless/gatewaycore/pkg/cluster"
	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/router"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// newEchoUpstream starts a one-shot TCP server that replies to every
// accepted connection with respLine once, then closes.
func newEchoUpstream(t *testing.T, respLine string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				br.ReadString('\n') // request line
				for {
					line, err := br.ReadString('\n')
					if err != nil || line == "\r\n" || line == "\n" {
						break
					}
				}
				c.Write([]byte(respLine))
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func newTestClusterWithUpstream(t *testing.T, host string, port int) *cluster.Cluster {
	t.Helper()
	cfg := cluster.Config{
		ID:       "backend",
		Strategy: cluster.StrategyRoundRobin,
		Servers:  []*cluster.UpstreamServer{{ID: "s1", Host: host, Port: port, Weight: 1}},
		Health:   cluster.HealthConfig{Interval: time.Hour, HealthyThreshold: 1, UnhealthyThreshold: 1},
		Failover: cluster.FailoverConfig{MaxAttempts: 1, AttemptTimeout: 2 * time.Second},
	}
	c := cluster.New(cfg, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestServer(t *testing.T, clusters map[string]*cluster.Cluster, idx *cache.Index) *Server {
	t.Helper()
	r := router.New()
	r.Add(&router.Route{ID: "root", Pattern: "/", UpstreamRef: "backend"})
	return NewServer(Config{BodyMemLimit: 1 << 20}, r, clusters, idx, nil, nil, zerolog.Nop())
}

func TestDispatchReturns404WhenNoRouteMatches(t *testing.T) {
	s := newTestServer(t, map[string]*cluster.Cluster{}, nil)
	req := &wire.Request{Method: "GET", Target: "/missing", Version: wire.HTTP11, Headers: headers.New()}
	rctx := reqctx.New(nil, reqctx.ProtocolPlain)

	resp := s.dispatch(context.Background(), rctx, req)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestDispatchReturnsInternalErrorForUnknownUpstream(t *testing.T) {
	r := router.New()
	r.Add(&router.Route{ID: "root", Pattern: "/", UpstreamRef: "missing-backend"})
	s := NewServer(Config{BodyMemLimit: 1 << 20}, r, map[string]*cluster.Cluster{}, nil, nil, nil, zerolog.Nop())

	req := &wire.Request{Method: "GET", Target: "/", Version: wire.HTTP11, Headers: headers.New()}
	resp := s.dispatch(context.Background(), reqctx.New(nil, reqctx.ProtocolPlain), req)
	assert.Equal(t, 500, resp.StatusCode)
}

func TestDispatchServesFromUpstreamOnSuccess(t *testing.T) {
	body := "hello from upstream"
	respLine := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	host, port := newEchoUpstream(t, respLine)

	clu := newTestClusterWithUpstream(t, host, port)
	s := newTestServer(t, map[string]*cluster.Cluster{"backend": clu}, nil)

	req := &wire.Request{Method: "GET", Target: "/", Version: wire.HTTP11, Headers: headers.New()}
	resp := s.dispatch(context.Background(), reqctx.New(nil, reqctx.ProtocolPlain), req)

	require.Equal(t, 200, resp.StatusCode)
	snap, err := resp.Body.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, body, string(snap))
}

func TestDispatchReturnsCachedResponseOnHit(t *testing.T) {
	idx := cache.New(cache.Config{MaxEntries: 10, MaxBytes: 1 << 20})
	s := newTestServer(t, map[string]*cluster.Cluster{"backend": nil}, idx)

	req := &wire.Request{Method: "GET", Target: "/", Version: wire.HTTP11, Headers: headers.New()}
	rctx := reqctx.New(nil, reqctx.ProtocolPlain)

	baseFP := cache.Fingerprint("GET", "http", "", "/", req.Headers, nil)
	idx.Put(&cache.Entry{
		Fingerprint:    baseFP,
		StatusCode:     200,
		Reason:         "OK",
		HeaderNames:    []string{"Content-Type"},
		HeaderValues:   map[string][]string{"Content-Type": {"text/plain"}},
		Body:           []byte("cached body"),
		StoredAt:       time.Now(),
		ExpiresAt:      time.Now().Add(time.Minute),
		LastAccessedAt: time.Now(),
	})

	resp := s.dispatch(context.Background(), rctx, req)
	require.Equal(t, 200, resp.StatusCode)
	snap, err := resp.Body.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "cached body", string(snap))
	assert.True(t, rctx.Cache.Hit)
}

func TestDispatchReturnsUpstreamErrorWhenNoHealthyServers(t *testing.T) {
	cfg := cluster.Config{
		ID:       "backend",
		Strategy: cluster.StrategyRoundRobin,
		Servers:  []*cluster.UpstreamServer{},
		Health:   cluster.HealthConfig{Interval: time.Hour},
		Failover: cluster.FailoverConfig{MaxAttempts: 1},
	}
	clu := cluster.New(cfg, zerolog.Nop())
	t.Cleanup(func() { clu.Close() })

	s := newTestServer(t, map[string]*cluster.Cluster{"backend": clu}, nil)
	req := &wire.Request{Method: "GET", Target: "/", Version: wire.HTTP11, Headers: headers.New()}

	resp := s.dispatch(context.Background(), reqctx.New(nil, reqctx.ProtocolPlain), req)
	require.NotNil(t, resp, "dispatch must never return a nil response even with zero healthy upstreams")
	assert.Equal(t, 502, resp.StatusCode)
}

// newConditionalUpstream starts a TCP server that inspects each
// request's If-None-Match header, replying with notModifiedLine when
// it matches wantETag and okLine otherwise, for every connection until
// the test ends.
func newConditionalUpstream(t *testing.T, wantETag, notModifiedLine, okLine string) (host string, port int, hits *int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	count := new(int32)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				atomic.AddInt32(count, 1)
				br := bufio.NewReader(c)
				br.ReadString('\n') // request line
				inm := ""
				for {
					line, err := br.ReadString('\n')
					if err != nil || line == "\r\n" || line == "\n" {
						break
					}
					if strings.HasPrefix(strings.ToLower(line), "if-none-match:") {
						inm = strings.TrimSpace(line[len("if-none-match:"):])
					}
				}
				if inm == wantETag {
					c.Write([]byte(notModifiedLine))
				} else {
					c.Write([]byte(okLine))
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, count
}

func TestDispatchRevalidatesStaleEntryAndServesCachedBodyOn304(t *testing.T) {
	host, port, hits := newConditionalUpstream(t, `"v1"`, "HTTP/1.1 304 Not Modified\r\n\r\n", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	clu := newTestClusterWithUpstream(t, host, port)
	idx := cache.New(cache.Config{MaxEntries: 10, MaxBytes: 1 << 20})
	s := newTestServer(t, map[string]*cluster.Cluster{"backend": clu}, idx)

	req := &wire.Request{Method: "GET", Target: "/", Version: wire.HTTP11, Headers: headers.New()}
	rctx := reqctx.New(nil, reqctx.ProtocolPlain)

	baseFP := cache.Fingerprint("GET", "http", "", "/", req.Headers, nil)
	idx.Put(&cache.Entry{
		Fingerprint:    baseFP,
		StatusCode:     200,
		Reason:         "OK",
		HeaderNames:    []string{"Content-Type"},
		HeaderValues:   map[string][]string{"Content-Type": {"text/plain"}},
		Body:           []byte("still good"),
		ETag:           `"v1"`,
		StoredAt:       time.Now().Add(-time.Hour),
		ExpiresAt:      time.Now().Add(-time.Minute), // stale
		LastAccessedAt: time.Now().Add(-time.Hour),
	})

	resp := s.dispatch(context.Background(), rctx, req)
	require.Equal(t, 200, resp.StatusCode)
	snap, err := resp.Body.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "still good", string(snap), "a 304 revalidation must serve the cached body, not an empty 304")
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	refreshed, ok := idx.Get(baseFP)
	require.True(t, ok)
	assert.True(t, refreshed.Fresh(time.Now()), "revalidation must refresh the entry's freshness window")
}

func TestDispatchReplacesStaleEntryOn200Revalidation(t *testing.T) {
	body := "brand new"
	respLine := fmt.Sprintf("HTTP/1.1 200 OK\r\nCache-Control: max-age=60\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	host, port := newEchoUpstream(t, respLine)
	clu := newTestClusterWithUpstream(t, host, port)
	idx := cache.New(cache.Config{MaxEntries: 10, MaxBytes: 1 << 20})
	s := newTestServer(t, map[string]*cluster.Cluster{"backend": clu}, idx)

	req := &wire.Request{Method: "GET", Target: "/", Version: wire.HTTP11, Headers: headers.New()}
	rctx := reqctx.New(nil, reqctx.ProtocolPlain)

	baseFP := cache.Fingerprint("GET", "http", "", "/", req.Headers, nil)
	idx.Put(&cache.Entry{
		Fingerprint:    baseFP,
		StatusCode:     200,
		Body:           []byte("stale body"),
		StoredAt:       time.Now().Add(-time.Hour),
		ExpiresAt:      time.Now().Add(-time.Minute),
		LastAccessedAt: time.Now().Add(-time.Hour),
	})

	resp := s.dispatch(context.Background(), rctx, req)
	require.Equal(t, 200, resp.StatusCode)
	snap, err := resp.Body.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, body, string(snap))

	refreshed, ok := idx.Get(baseFP)
	require.True(t, ok)
	refreshedBody := refreshed.Body
	assert.Equal(t, body, string(refreshedBody))
}

func TestDispatchCoalescesConcurrentMissesIntoOneUpstreamCall(t *testing.T) {
	body := "shared"
	respLine := fmt.Sprintf("HTTP/1.1 200 OK\r\nCache-Control: max-age=60\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	host, port := newEchoUpstream(t, respLine)
	clu := newTestClusterWithUpstream(t, host, port)
	idx := cache.New(cache.Config{MaxEntries: 10, MaxBytes: 1 << 20})
	s := newTestServer(t, map[string]*cluster.Cluster{"backend": clu}, idx)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*wire.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &wire.Request{Method: "GET", Target: "/", Version: wire.HTTP11, Headers: headers.New()}
			results[i] = s.dispatch(context.Background(), reqctx.New(nil, reqctx.ProtocolPlain), req)
		}(i)
	}
	wg.Wait()

	for _, resp := range results {
		require.NotNil(t, resp)
		require.Equal(t, 200, resp.StatusCode)
		snap, err := resp.Body.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, body, string(snap))
	}
}

func TestCookieValueExtractsNamedCookie(t *testing.T) {
	assert.Equal(t, "abc123", cookieValue("session=abc123; theme=dark", "session"))
	assert.Equal(t, "", cookieValue("theme=dark", "session"))
}

func TestSchemeOfReflectsProtocol(t *testing.T) {
	assert.Equal(t, "https", schemeOf(reqctx.New(nil, reqctx.ProtocolTLS)))
	assert.Equal(t, "http", schemeOf(reqctx.New(nil, reqctx.ProtocolPlain)))
}
