// Package gateway wires the router, clusters, cache and middleware
// chain into the per-connection accept/serve loop. The accept-and-spawn
// shape generalizes a single static handler into the router/cluster/cache
// dispatch pipeline described below.
package gateway

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/whileendless/gatewaycore/pkg/cache"
	"github.com/whileendless/gatewaycore/pkg/cluster"
	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/httpengine"
	"github.com/whileendless/gatewaycore/pkg/metrics"
	"github.com/whileendless/gatewaycore/pkg/middleware"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/router"
	"github.com/whileendless/gatewaycore/pkg/timing"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// Config bounds a Server's resource usage and timeouts.
type Config struct {
	MaxConnections     int64
	RequestTimeout     time.Duration
	KeepAliveTimeout   time.Duration
	BodyMemLimit       int64
	CacheDefaultTTL    time.Duration
	CacheMaxTTL        time.Duration
}

// Server is a fully wired gateway dataplane: one Router, one Cluster
// per upstream, one shared Cache and one middleware Chain, serving
// accepted connections per the per-connection read-dispatch-write loop.
type Server struct {
	cfg      Config
	Router   *router.Router
	Clusters map[string]*cluster.Cluster
	Cache    *cache.Index
	Chain    *middleware.Chain
	Metrics  *metrics.Registry
	Log      zerolog.Logger

	activeConns int64
	wg          sync.WaitGroup
}

// NewServer wires a Server. Clusters must already be started (health
// probing running); the Server itself owns no cluster lifecycle beyond
// dispatch.
func NewServer(cfg Config, rtr *router.Router, clusters map[string]*cluster.Cluster, idx *cache.Index, chain *middleware.Chain, reg *metrics.Registry, log zerolog.Logger) *Server {
	if cfg.BodyMemLimit <= 0 {
		cfg.BodyMemLimit = 1 << 20
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = 60 * time.Second
	}
	if cfg.CacheDefaultTTL <= 0 {
		cfg.CacheDefaultTTL = 60 * time.Second
	}
	return &Server{
		cfg:      cfg,
		Router:   rtr,
		Clusters: clusters,
		Cache:    idx,
		Chain:    chain,
		Metrics:  reg,
		Log:      log,
	}
}

// Serve runs the accept loop until ctx is cancelled or ln.Accept fails
// terminally. Past MaxConnections, a newly accepted connection is
// closed immediately without being serviced.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		if s.cfg.MaxConnections > 0 && atomic.LoadInt64(&s.activeConns) >= s.cfg.MaxConnections {
			conn.Close()
			continue
		}

		atomic.AddInt64(&s.activeConns, 1)
		if s.Metrics != nil {
			s.Metrics.ActiveConnections.Set(float64(atomic.LoadInt64(&s.activeConns)))
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				atomic.AddInt64(&s.activeConns, -1)
				if s.Metrics != nil {
					s.Metrics.ActiveConnections.Set(float64(atomic.LoadInt64(&s.activeConns)))
				}
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting (the caller cancels ctx / closes the
// listener) and waits up to the deadline on ctx for in-flight
// connections to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConn drives the read-dispatch-write loop for one connection,
// keeping it alive across requests until the client or an error ends it.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	engine := httpengine.New(conn)
	requestsHandled := 0
	protocol := reqctx.ProtocolPlain
	if _, ok := conn.(*tls.Conn); ok {
		protocol = reqctx.ProtocolTLS
	}

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.KeepAliveTimeout))

		req, err := engine.ReadRequest(s.cfg.BodyMemLimit)
		if err != nil {
			if requestsHandled == 0 && isPrematureClose(err) {
				return
			}
			if !isPrematureClose(err) {
				if ce, ok := err.(*errors.Error); ok {
					s.recordError(ce)
				}
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		rctx := reqctx.New(conn.RemoteAddr(), protocol)

		reqCtx := context.Background()
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}

		resp := s.handleRequest(reqCtx, rctx, req)

		keepAlive := httpengine.KeepAlive(req.Version, req.Headers)
		if !keepAlive {
			resp.Headers.Set("Connection", "close")
		}

		useChunked := httpengine.UseChunked(req.Version) && resp.Headers.Get("Content-Length") == ""
		writeErr := engine.WriteResponse(resp, req.Method, useChunked)
		if req.Body != nil {
			req.Body.Close()
		}
		if resp.Body != nil {
			resp.Body.Close()
		}
		if writeErr != nil {
			return
		}

		requestsHandled++
		if !keepAlive {
			return
		}
	}
}

func isPrematureClose(err error) bool {
	e, ok := err.(*errors.Error)
	return ok && e.Kind == errors.KindIO
}

// handleRequest executes steps 4-8 of the per-connection loop for one
// request, always returning a response to write (never an error: every
// failure is already rendered to its canonical response).
func (s *Server) handleRequest(ctx context.Context, rctx *reqctx.RequestContext, req *wire.Request) *wire.Response {
	start := time.Now()

	if s.Metrics != nil {
		s.Metrics.BytesIn.Add(float64(requestByteEstimate(req)))
	}

	// Step 4: request-phase middleware.
	var resp *wire.Response
	if s.Chain != nil {
		result := s.Chain.RunRequest(rctx, req)
		switch result.Outcome {
		case middleware.OutcomeRespond:
			resp = result.Response
		case middleware.OutcomeError:
			resp = RenderError(req.Version, result.Err)
			s.recordError(result.Err)
		}
	}

	// Steps 5-7 only run if middleware did not already short-circuit.
	if resp == nil {
		resp = s.dispatch(ctx, rctx, req)
	}

	// Step 8: response-phase middleware (always runs).
	if s.Chain != nil {
		s.Chain.RunResponse(rctx, req, resp)
	}

	if s.Metrics != nil {
		s.Metrics.TotalRequests.WithLabelValues(routeID(rctx), req.Method).Inc()
		s.Metrics.BytesOut.Add(float64(responseByteEstimate(resp)))
	}

	event := s.Log.Info()
	switch {
	case resp.StatusCode >= 500:
		event = s.Log.Error()
	case resp.StatusCode >= 400:
		event = s.Log.Warn()
	}
	event.
		Str("request_id", rctx.ID).
		Str("method", req.Method).
		Str("path", req.Target).
		Int("status", resp.StatusCode).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Int("bytes_in", requestByteEstimate(req)).
		Int("bytes_out", responseByteEstimate(resp)).
		Str("upstream_id", rctx.UpstreamID).
		Bool("cached", rctx.Cache != nil && rctx.Cache.Hit).
		Msg("request completed")

	return resp
}

// dispatch performs steps 5-7: router lookup, cache lookup, upstream
// dispatch with failover, and cache admission on success.
func (s *Server) dispatch(ctx context.Context, rctx *reqctx.RequestContext, req *wire.Request) *wire.Response {
	// Step 5: router lookup.
	route, params := s.Router.Match(req.Headers.Get("Host"), req.Method, req.Target)
	if route == router.NoMatch || route == nil {
		err := errors.NewNotFoundError(req.Target)
		s.recordError(err)
		return RenderError(req.Version, err)
	}
	rctx.Route = route
	rctx.RouteParams = params
	rctx.UpstreamID = route.UpstreamID()

	clu, ok := s.Clusters[route.UpstreamID()]
	if !ok {
		err := errors.NewInternalError("route references unknown upstream "+route.UpstreamID(), nil)
		s.recordError(err)
		return RenderError(req.Version, err)
	}

	// Cache lookup, GET/HEAD only.
	if s.Cache != nil && (req.Method == "GET" || req.Method == "HEAD") {
		baseFP := cache.Fingerprint(req.Method, schemeOf(rctx), req.Headers.Get("Host"), req.Target, req.Headers, nil)
		varyNames := s.Cache.VaryNamesFor(baseFP)
		fullFP := baseFP
		if len(varyNames) > 0 {
			fullFP = cache.Fingerprint(req.Method, schemeOf(rctx), req.Headers.Get("Host"), req.Target, req.Headers, varyNames)
		}

		if entry, ok := s.Cache.Get(fullFP); ok {
			if entry.Fresh(time.Now()) {
				rctx.Cache = &reqctx.CacheDecision{Fingerprint: fullFP, Hit: true}
				return cachedResponse(req.Version, entry)
			}
			rctx.Cache = &reqctx.CacheDecision{Fingerprint: fullFP}
			return s.revalidate(ctx, rctx, req, clu, route, entry, baseFP)
		}

		rctx.Cache = &reqctx.CacheDecision{Fingerprint: fullFP}
		return s.fetchAndCache(ctx, rctx, req, clu, route, fullFP, baseFP)
	}

	// Upstream dispatch with failover.
	finalResp, finalErr := s.fetchUpstream(ctx, rctx, clu, route, req)
	if finalResp == nil {
		s.recordError(finalErr)
		return RenderError(req.Version, finalErr)
	}
	return finalResp
}

// fetchUpstream picks an upstream server and writes upReq to it,
// retrying across servers per the cluster's failover policy. It never
// touches the cache; callers decide what to do with the response.
func (s *Server) fetchUpstream(ctx context.Context, rctx *reqctx.RequestContext, clu *cluster.Cluster, route *router.Route, upReq *wire.Request) (*wire.Response, *errors.Error) {
	idempotent := upReq.Method == "GET" || upReq.Method == "HEAD" || upReq.Method == "PUT" || upReq.Method == "DELETE"
	affinityKey := s.resolveAffinityKey(clu, rctx, upReq)
	pc := cluster.PickContext{ClientKey: rctx.ClientIP()}

	var finalResp *wire.Response
	var finalErr *errors.Error

	dispatchErr := clu.Dispatch(ctx, pc, affinityKey, idempotent, func(attemptCtx context.Context, srv *cluster.UpstreamServer) (success, reusable, retryable bool, err error) {
		timer := timing.NewTimer()
		timer.StartTCP()
		conn, acquireErr := clu.Acquire(attemptCtx, srv)
		timer.EndTCP()
		if acquireErr != nil {
			finalErr = classifyUpstreamErr(acquireErr, srv.ID)
			return false, false, clu.IsRetryable(finalErr, errors.IsTimeoutError(finalErr), 0), finalErr
		}

		eng := httpengine.New(conn)
		useChunked := httpengine.UseChunked(upReq.Version)
		if writeErr := eng.WriteRequest(upReq, useChunked); writeErr != nil {
			finalErr = classifyUpstreamErr(writeErr, srv.ID)
			clu.Discard(srv, conn)
			return false, false, clu.IsRetryable(finalErr, errors.IsTimeoutError(finalErr), 0), finalErr
		}

		timer.StartTTFB()
		resp, readErr := eng.ReadResponse(upReq.Method, s.cfg.BodyMemLimit)
		timer.EndTTFB()
		if readErr != nil {
			finalErr = classifyUpstreamErr(readErr, srv.ID)
			clu.Discard(srv, conn)
			return false, false, clu.IsRetryable(finalErr, errors.IsTimeoutError(finalErr), 0), finalErr
		}

		reusable := httpengine.KeepAlive(resp.Version, resp.Headers)
		retryableStatus := clu.IsRetryable(nil, false, resp.StatusCode)
		if retryableStatus {
			clu.Release(srv, conn, reusable, false)
			finalErr = errors.NewUpstreamResetError(srv.ID, nil)
			return false, reusable, true, finalErr
		}

		clu.Release(srv, conn, reusable, true)
		if s.Log.GetLevel() <= zerolog.DebugLevel {
			m := timer.GetMetrics()
			s.Log.Debug().Str("upstream", srv.ID).Dur("connect", m.TCPConnect).Dur("ttfb", m.TTFB).Msg("upstream attempt")
		}
		finalResp = resp
		finalErr = nil
		return true, reusable, false, nil
	})

	if finalResp == nil {
		if finalErr == nil {
			if dispatchErr != nil {
				finalErr = errors.NewUpstreamConnectError(route.UpstreamID(), dispatchErr)
			} else {
				finalErr = errors.NewUpstreamConnectError(route.UpstreamID(), errorNoHealthyUpstream)
			}
		}
		return nil, finalErr
	}
	return finalResp, nil
}

// fetchAndCache handles a cache miss: the origin fetch and cache
// admission for a given fingerprint run behind Index.Fetch, so that
// concurrent misses on the same fingerprint share a single upstream
// call instead of each dispatching their own.
func (s *Server) fetchAndCache(ctx context.Context, rctx *reqctx.RequestContext, req *wire.Request, clu *cluster.Cluster, route *router.Route, fullFP, baseFP string) *wire.Response {
	entry, err, _ := s.Cache.Fetch(fullFP, func() (*cache.Entry, error) {
		resp, ferr := s.fetchUpstream(ctx, rctx, clu, route, req)
		if ferr != nil {
			return nil, ferr
		}
		return s.buildEntry(rctx, req, baseFP, resp), nil
	})
	if err != nil {
		ferr, ok := err.(*errors.Error)
		if !ok {
			ferr = errors.NewUpstreamConnectError(route.UpstreamID(), err)
		}
		s.recordError(ferr)
		return RenderError(req.Version, ferr)
	}

	if s.entryStorable(req, entry) {
		s.Cache.Put(entry)
		rctx.Cache.Stored = true
	}
	return cachedResponse(req.Version, entry)
}

// revalidate handles a stale cache hit: it conditionally re-fetches
// from the origin and, on a 304, refreshes the entry's freshness
// metadata and serves the cached body instead of an empty 304.
func (s *Server) revalidate(ctx context.Context, rctx *reqctx.RequestContext, req *wire.Request, clu *cluster.Cluster, route *router.Route, entry *cache.Entry, baseFP string) *wire.Response {
	condReq := *req
	condReq.Headers = req.Headers.Clone()
	if entry.ETag != "" {
		condReq.Headers.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		condReq.Headers.Set("If-Modified-Since", entry.LastModified)
	}

	resp, ferr := s.fetchUpstream(ctx, rctx, clu, route, &condReq)
	if ferr != nil {
		s.recordError(ferr)
		return RenderError(req.Version, ferr)
	}

	switch resp.StatusCode {
	case 304:
		now := time.Now()
		entry.StoredAt = now
		entry.ExpiresAt = now.Add(cache.TTL(resp.Headers, now, s.cfg.CacheDefaultTTL, s.cfg.CacheMaxTTL))
		entry.LastAccessedAt = now
		if etag := resp.Headers.Get("ETag"); etag != "" {
			entry.ETag = etag
		}
		if lm := resp.Headers.Get("Last-Modified"); lm != "" {
			entry.LastModified = lm
		}
		s.Cache.Put(entry)
		rctx.Cache.Hit = true
		rctx.Cache.Stored = true
		return cachedResponse(req.Version, entry)
	case 200:
		newEntry := s.buildEntry(rctx, req, baseFP, resp)
		if s.entryStorable(req, newEntry) {
			s.Cache.Put(newEntry)
			if newEntry.Fingerprint != entry.Fingerprint {
				s.Cache.Invalidate(entry.Fingerprint)
			}
			rctx.Cache.Stored = true
		} else {
			s.Cache.Invalidate(entry.Fingerprint)
		}
		return resp
	default:
		return resp
	}
}

// buildEntry snapshots resp into a cache.Entry without regard to
// storability; callers decide whether to admit it via entryStorable.
// The entry's own fingerprint is recomputed from resp's Vary header
// rather than reused from the lookup, so the first store of a
// resource learns its real vary names even when the lookup ran before
// they were known (pkg/cache's two-step fingerprint scheme).
func (s *Server) buildEntry(rctx *reqctx.RequestContext, req *wire.Request, baseFP string, resp *wire.Response) *cache.Entry {
	varyNames := cache.VaryNames(resp.Headers)
	fullFP := baseFP
	if len(varyNames) > 0 {
		fullFP = cache.Fingerprint(req.Method, schemeOf(rctx), req.Headers.Get("Host"), req.Target, req.Headers, varyNames)
	}

	now := time.Now()
	ttl := cache.TTL(resp.Headers, now, s.cfg.CacheDefaultTTL, s.cfg.CacheMaxTTL)
	body, err := resp.Body.Snapshot()
	if err != nil {
		body = nil
	}
	return &cache.Entry{
		Fingerprint:     fullFP,
		BaseFingerprint: baseFP,
		VaryNames:       varyNames,
		StatusCode:      resp.StatusCode,
		Reason:          resp.Reason,
		HeaderNames:     resp.Headers.Names(),
		HeaderValues:    cloneHeaderValues(resp.Headers),
		Body:            body,
		StoredAt:        now,
		ExpiresAt:       now.Add(ttl),
		LastAccessedAt:  now,
		ByteSize:        int64(len(body)),
		ETag:            resp.Headers.Get("ETag"),
		LastModified:    resp.Headers.Get("Last-Modified"),
		Tags:            []string{"path:" + req.Target},
	}
}

// entryStorable reports whether a just-fetched entry is eligible for
// cache admission, reconstructing the response side of IsStorable from
// the entry's own header snapshot so it gives the same answer for
// every goroutine sharing a single-flight result.
func (s *Server) entryStorable(req *wire.Request, e *cache.Entry) bool {
	if !e.ExpiresAt.After(e.StoredAt) {
		return false
	}
	return cache.IsStorable(req.Method, req.Headers, headersFromEntry(e))
}

func headersFromEntry(e *cache.Entry) *headers.Headers {
	h := headers.New()
	for _, name := range e.HeaderNames {
		for _, v := range e.HeaderValues[name] {
			h.Add(name, v)
		}
	}
	return h
}

var errorNoHealthyUpstream = stderrors.New("no healthy upstream server available")

func classifyUpstreamErr(err error, upstreamID string) *errors.Error {
	if e, ok := err.(*errors.Error); ok {
		return e
	}
	if errors.IsTimeoutError(err) {
		return errors.NewUpstreamTimeoutError(upstreamID, err)
	}
	return errors.NewUpstreamConnectError(upstreamID, err)
}

// resolveAffinityKey extracts the cookie/header value the cluster's
// affinity config names, delegating the disabled/client-ip cases to
// the cluster itself.
func (s *Server) resolveAffinityKey(clu *cluster.Cluster, rctx *reqctx.RequestContext, req *wire.Request) string {
	ac := clu.AffinityConfig()
	if ac == nil || !ac.Enabled {
		return ""
	}
	var raw string
	switch ac.Kind {
	case cluster.AffinityCookie:
		raw = cookieValue(req.Headers.Get("Cookie"), ac.Name)
	case cluster.AffinityHeader:
		raw = req.Headers.Get(ac.Name)
	}
	return clu.AffinityKey(raw, rctx.ClientIP())
}

func cookieValue(cookieHeader, name string) string {
	for _, part := range strings.Split(cookieHeader, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return v
		}
	}
	return ""
}

func cloneHeaderValues(h *headers.Headers) map[string][]string {
	out := make(map[string][]string)
	for _, name := range h.Names() {
		out[name] = append([]string(nil), h.Values(name)...)
	}
	return out
}

func schemeOf(rctx *reqctx.RequestContext) string {
	if rctx.Protocol == reqctx.ProtocolTLS {
		return "https"
	}
	return "http"
}

func routeID(rctx *reqctx.RequestContext) string {
	if rctx.Route == nil {
		return ""
	}
	return rctx.Route.RouteID()
}

func (s *Server) recordError(err *errors.Error) {
	if s.Metrics != nil {
		s.Metrics.TotalErrors.WithLabelValues(string(err.Kind)).Inc()
	}
	if s.Log.GetLevel() <= zerolog.WarnLevel {
		s.Log.Warn().Err(err).Str("kind", string(err.Kind)).Msg("request error")
	}
}

func requestByteEstimate(req *wire.Request) int {
	n := len(req.Method) + len(req.Target) + 16
	if req.Body != nil {
		n += int(req.Body.Size())
	}
	return n
}

func responseByteEstimate(resp *wire.Response) int {
	n := 16
	if resp.Body != nil {
		n += int(resp.Body.Size())
	}
	return n
}
