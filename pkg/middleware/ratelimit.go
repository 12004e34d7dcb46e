package middleware

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

const (
	scratchRateLimitLimit     = "ratelimit-limit"
	scratchRateLimitRemaining = "ratelimit-remaining"
)

// RateLimitAlgorithm selects the limiting strategy.
type RateLimitAlgorithm int

const (
	TokenBucket RateLimitAlgorithm = iota
	SlidingWindow
	FixedWindow
)

// KeyFunc derives the rate-limit key from a request; callers typically
// key by principal id (if authenticated) or client address.
type KeyFunc func(ctx *reqctx.RequestContext, req *wire.Request) string

// RateLimitConfig configures one RateLimitMiddleware instance.
type RateLimitConfig struct {
	Algorithm        RateLimitAlgorithm
	MaxRequests      int
	Window           time.Duration
	KeyFn            KeyFunc
	ExposeRateLimitHeaders bool
	IdleSweepInterval time.Duration
}

type bucketState struct {
	mu sync.Mutex

	// token bucket
	tokens     float64
	lastRefill time.Time

	// sliding window
	timestamps []time.Time

	// fixed window
	windowStart int64
	count       int

	lastSeen time.Time
}

// RateLimitMiddleware implements token bucket, sliding window and
// fixed window limiting behind a single interface, keyed per KeyFn.
type RateLimitMiddleware struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucketState
	stopCh  chan struct{}
}

func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.IdleSweepInterval <= 0 {
		cfg.IdleSweepInterval = time.Minute
	}
	m := &RateLimitMiddleware{cfg: cfg, buckets: make(map[string]*bucketState), stopCh: make(chan struct{})}
	go m.sweepLoop()
	return m
}

func (m *RateLimitMiddleware) Name() string { return "rate_limit" }

func (m *RateLimitMiddleware) stateFor(key string) *bucketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.buckets[key]
	if !ok {
		st = &bucketState{tokens: float64(m.cfg.MaxRequests), lastRefill: time.Now()}
		m.buckets[key] = st
	}
	return st
}

func (m *RateLimitMiddleware) ProcessRequest(ctx *reqctx.RequestContext, req *wire.Request) Result {
	key := ctx.ClientIP()
	if m.cfg.KeyFn != nil {
		key = m.cfg.KeyFn(ctx, req)
	}

	st := m.stateFor(key)
	st.mu.Lock()
	st.lastSeen = time.Now()

	var allowed bool
	var retryAfter time.Duration
	var remaining int

	switch m.cfg.Algorithm {
	case SlidingWindow:
		allowed, retryAfter, remaining = m.checkSlidingWindow(st)
	case FixedWindow:
		allowed, retryAfter, remaining = m.checkFixedWindow(st)
	default:
		allowed, retryAfter, remaining = m.checkTokenBucket(st)
	}
	st.mu.Unlock()

	if m.cfg.ExposeRateLimitHeaders {
		ctx.Set(scratchRateLimitLimit, strconv.Itoa(m.cfg.MaxRequests))
		ctx.Set(scratchRateLimitRemaining, strconv.Itoa(remaining))
	}

	if !allowed {
		return Fail(errors.NewRateLimitedError(retryAfter))
	}
	return Continue()
}

// ProcessResponse stamps the x-ratelimit-* headers computed during
// ProcessRequest onto the outbound response, when enabled.
func (m *RateLimitMiddleware) ProcessResponse(ctx *reqctx.RequestContext, req *wire.Request, resp *wire.Response) error {
	if !m.cfg.ExposeRateLimitHeaders {
		return nil
	}
	if limit, ok := ctx.Get(scratchRateLimitLimit); ok {
		resp.Headers.Set("X-RateLimit-Limit", limit.(string))
	}
	if remaining, ok := ctx.Get(scratchRateLimitRemaining); ok {
		resp.Headers.Set("X-RateLimit-Remaining", remaining.(string))
	}
	return nil
}

// checkTokenBucket implements capacity = MaxRequests, refill rate =
// MaxRequests / Window.
func (m *RateLimitMiddleware) checkTokenBucket(st *bucketState) (bool, time.Duration, int) {
	now := time.Now()
	elapsed := now.Sub(st.lastRefill).Seconds()
	refillRate := float64(m.cfg.MaxRequests) / m.cfg.Window.Seconds()
	st.tokens += elapsed * refillRate
	if st.tokens > float64(m.cfg.MaxRequests) {
		st.tokens = float64(m.cfg.MaxRequests)
	}
	st.lastRefill = now

	if st.tokens >= 1 {
		st.tokens--
		return true, 0, int(st.tokens)
	}
	missing := 1 - st.tokens
	wait := time.Duration(missing/refillRate*float64(time.Second)) + time.Millisecond
	return false, wait, 0
}

// checkSlidingWindow keeps exact timestamps trimmed to now-window.
func (m *RateLimitMiddleware) checkSlidingWindow(st *bucketState) (bool, time.Duration, int) {
	now := time.Now()
	cutoff := now.Add(-m.cfg.Window)

	kept := st.timestamps[:0]
	for _, t := range st.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.timestamps = kept

	if len(st.timestamps) < m.cfg.MaxRequests {
		st.timestamps = append(st.timestamps, now)
		return true, 0, m.cfg.MaxRequests - len(st.timestamps)
	}
	oldest := st.timestamps[0]
	return false, oldest.Add(m.cfg.Window).Sub(now), 0
}

// checkFixedWindow counts per floor(now/window) bucket.
func (m *RateLimitMiddleware) checkFixedWindow(st *bucketState) (bool, time.Duration, int) {
	now := time.Now()
	window := now.UnixNano() / int64(m.cfg.Window)

	if window != st.windowStart {
		st.windowStart = window
		st.count = 0
	}

	if st.count < m.cfg.MaxRequests {
		st.count++
		return true, 0, m.cfg.MaxRequests - st.count
	}

	nextWindowStart := time.Unix(0, (window+1)*int64(m.cfg.Window))
	return false, nextWindowStart.Sub(now), 0
}

func (m *RateLimitMiddleware) sweepLoop() {
	ticker := time.NewTicker(m.cfg.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *RateLimitMiddleware) sweepIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-2 * m.cfg.Window)
	for k, st := range m.buckets {
		st.mu.Lock()
		idle := st.lastSeen.Before(cutoff)
		st.mu.Unlock()
		if idle {
			delete(m.buckets, k)
		}
	}
}

// Stop halts the idle-key sweeper.
func (m *RateLimitMiddleware) Stop() { close(m.stopCh) }

// RetryAfterHeader formats a retry-after duration in whole seconds.
func RetryAfterHeader(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
