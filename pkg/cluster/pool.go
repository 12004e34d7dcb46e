package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whileendless/gatewaycore/pkg/constants"
	"github.com/whileendless/gatewaycore/pkg/errors"
)

// PoolConfig configures a connection pool shared by every key
// (scheme, host, port) the cluster dials.
type PoolConfig struct {
	MaxIdlePerKey    int
	MaxConnsPerKey   int // 0 = unlimited
	MaxIdleTime      time.Duration
	MaxLifetime      time.Duration
	WaitTimeout      time.Duration // 0 = fail fast when exhausted
	StaleCheckWindow time.Duration
}

// DefaultPoolConfig returns sensible defaults for connection pooling.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdlePerKey:    4,
		MaxConnsPerKey:   0,
		MaxIdleTime:      constants.DefaultIdleTimeout,
		MaxLifetime:      constants.MaxConnectionLifetime,
		WaitTimeout:      0,
		StaleCheckWindow: constants.StaleCheckThreshold,
	}
}

// PoolKey identifies one connection pool: a single upstream endpoint.
type PoolKey struct {
	Scheme string
	Host   string
	Port   int
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s://%s:%d", k.Scheme, k.Host, k.Port)
}

type pooledConn struct {
	conn      net.Conn
	createdAt time.Time
	lastUsed  time.Time
}

// keyPool manages idle/in-flight connections for a single PoolKey: a
// LIFO idle stack, an in-flight counter, and a sync.Cond for bounded
// waiting.
type keyPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	idle      []*pooledConn
	inFlight  int
	closeFlag bool
}

func newKeyPool() *keyPool {
	kp := &keyPool{idle: make([]*pooledConn, 0, 4)}
	kp.cond = sync.NewCond(&kp.mu)
	return kp
}

// Pool dials and reuses connections across every upstream key a cluster
// talks to. Dialing itself is provided by a Dialer so tests can
// substitute an in-memory pipe.
type Pool struct {
	cfg    PoolConfig
	dialer Dialer
	keys   sync.Map // map[PoolKey]*keyPool

	reuseCount   uint64
	missCount    uint64
	errorCount   uint64
	waitNanos    uint64
	waitSamples  uint64
	stopCh       chan struct{}
	sweepWG      sync.WaitGroup
}

// Dialer opens a new connection to a pool key. The cluster supplies an
// implementation backed by net.Dialer and, for TLS-scheme keys,
// pkg/tlsconfig.BuildClientConfig.
type Dialer interface {
	Dial(ctx context.Context, key PoolKey) (net.Conn, error)
}

// NewPool starts a Pool with its background sweeper running.
func NewPool(cfg PoolConfig, dialer Dialer) *Pool {
	if cfg.MaxIdlePerKey <= 0 {
		cfg.MaxIdlePerKey = 4
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = constants.DefaultIdleTimeout
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = constants.MaxConnectionLifetime
	}
	if cfg.StaleCheckWindow <= 0 {
		cfg.StaleCheckWindow = constants.StaleCheckThreshold
	}
	p := &Pool{cfg: cfg, dialer: dialer, stopCh: make(chan struct{})}
	p.sweepWG.Add(1)
	go p.sweepLoop()
	return p
}

func (p *Pool) keyPoolFor(key PoolKey) *keyPool {
	v, _ := p.keys.LoadOrStore(key, newKeyPool())
	return v.(*keyPool)
}

// Acquire returns a reusable idle connection if one passes the liveness
// check, otherwise dials a new one once a slot is reserved, otherwise
// waits up to WaitTimeout, otherwise fails with PoolExhausted.
func (p *Pool) Acquire(ctx context.Context, key PoolKey) (net.Conn, error) {
	kp := p.keyPoolFor(key)

	kp.mu.Lock()
	for len(kp.idle) > 0 {
		n := len(kp.idle)
		pc := kp.idle[n-1]
		kp.idle = kp.idle[:n-1]

		if time.Since(pc.createdAt) > p.cfg.MaxLifetime || time.Since(pc.lastUsed) > p.cfg.MaxIdleTime {
			pc.conn.Close()
			continue
		}
		if time.Since(pc.lastUsed) >= p.cfg.StaleCheckWindow && !isAlive(pc.conn) {
			pc.conn.Close()
			continue
		}

		kp.inFlight++
		kp.mu.Unlock()
		atomic.AddUint64(&p.reuseCount, 1)
		return pc.conn, nil
	}

	if p.cfg.MaxConnsPerKey > 0 && kp.inFlight >= p.cfg.MaxConnsPerKey {
		if p.cfg.WaitTimeout <= 0 {
			kp.mu.Unlock()
			return nil, errors.NewPoolExhaustedError(key.String())
		}
		deadline := time.Now().Add(p.cfg.WaitTimeout)
		waitStart := time.Now()
		for p.cfg.MaxConnsPerKey > 0 && kp.inFlight >= p.cfg.MaxConnsPerKey {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				kp.mu.Unlock()
				return nil, errors.NewPoolExhaustedError(key.String())
			}
			woken := make(chan struct{})
			go func() {
				kp.mu.Lock()
				kp.cond.Wait()
				kp.mu.Unlock()
				close(woken)
			}()
			kp.mu.Unlock()
			select {
			case <-woken:
				kp.mu.Lock()
			case <-time.After(remaining):
				kp.mu.Lock()
				kp.mu.Unlock()
				return nil, errors.NewPoolExhaustedError(key.String())
			case <-ctx.Done():
				kp.mu.Lock()
				kp.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		atomic.AddUint64(&p.waitNanos, uint64(time.Since(waitStart)))
		atomic.AddUint64(&p.waitSamples, 1)
	}

	kp.inFlight++
	kp.mu.Unlock()

	atomic.AddUint64(&p.missCount, 1)
	conn, err := p.dialer.Dial(ctx, key)
	if err != nil {
		kp.mu.Lock()
		kp.inFlight--
		kp.cond.Signal()
		kp.mu.Unlock()
		atomic.AddUint64(&p.errorCount, 1)
		return nil, err
	}
	return conn, nil
}

// Release returns conn to key's idle queue if reusable and within
// lifecycle bounds, otherwise closes it.
func (p *Pool) Release(key PoolKey, conn net.Conn, reusable bool) {
	kp := p.keyPoolFor(key)
	kp.mu.Lock()
	defer kp.mu.Unlock()

	kp.inFlight--

	if !reusable || len(kp.idle) >= p.cfg.MaxIdlePerKey {
		conn.Close()
		kp.cond.Signal()
		return
	}

	kp.idle = append(kp.idle, &pooledConn{conn: conn, createdAt: time.Now(), lastUsed: time.Now()})
	kp.cond.Signal()
}

// Discard closes conn without returning it to the pool, decrementing
// the in-flight counter (used on a fatal or cancelled request).
func (p *Pool) Discard(key PoolKey, conn net.Conn) {
	kp := p.keyPoolFor(key)
	kp.mu.Lock()
	kp.inFlight--
	kp.cond.Signal()
	kp.mu.Unlock()
	conn.Close()
}

// Stats reports lifetime and current pool counters.
type Stats struct {
	Reused      uint64
	Missed      uint64
	Errors      uint64
	AvgWaitMs   float64
	ActiveTotal int
	IdleTotal   int
}

func (p *Pool) Stats() Stats {
	s := Stats{
		Reused: atomic.LoadUint64(&p.reuseCount),
		Missed: atomic.LoadUint64(&p.missCount),
		Errors: atomic.LoadUint64(&p.errorCount),
	}
	if n := atomic.LoadUint64(&p.waitSamples); n > 0 {
		s.AvgWaitMs = float64(atomic.LoadUint64(&p.waitNanos)) / float64(n) / float64(time.Millisecond)
	}
	p.keys.Range(func(_, v interface{}) bool {
		kp := v.(*keyPool)
		kp.mu.Lock()
		s.ActiveTotal += kp.inFlight
		s.IdleTotal += len(kp.idle)
		kp.mu.Unlock()
		return true
	})
	return s
}

func (p *Pool) sweepLoop() {
	defer p.sweepWG.Done()
	ticker := time.NewTicker(constants.PoolSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepOnce()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweepOnce() {
	now := time.Now()
	p.keys.Range(func(_, v interface{}) bool {
		kp := v.(*keyPool)
		kp.mu.Lock()
		fresh := kp.idle[:0]
		for _, pc := range kp.idle {
			if now.Sub(pc.lastUsed) > p.cfg.MaxIdleTime || now.Sub(pc.createdAt) > p.cfg.MaxLifetime {
				pc.conn.Close()
				continue
			}
			fresh = append(fresh, pc)
		}
		kp.idle = fresh
		kp.mu.Unlock()
		return true
	})
}

// Close stops the sweeper and closes every idle connection.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.sweepWG.Wait()
	p.keys.Range(func(_, v interface{}) bool {
		kp := v.(*keyPool)
		kp.mu.Lock()
		for _, pc := range kp.idle {
			pc.conn.Close()
		}
		kp.idle = nil
		kp.mu.Unlock()
		return true
	})
	return nil
}

// isAlive does a best-effort non-blocking liveness probe: a pending
// read deadline that fires immediately means nothing has arrived
// unexpectedly, so the connection is assumed alive.
func isAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	_, err := conn.Read(one)
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
