package cluster

import (
	"context"
	"time"
)

// Dispatch runs a request across up to MaxAttempts distinct healthy
// servers. It only picks each server (affinity first, then the
// balancer); attempt receives the picked server and does the acquire,
// I/O and release/discard itself, reporting whether it succeeded and
// whether its failure is retryable. A failure is retried only when
// attempt marks it retryable and, for non-idempotent methods,
// RetryNonIdempotent is set.
//
// It returns nil on success and the last attempt's error otherwise. It
// also returns nil when no attempt ran at all (no untried healthy
// server, or the global timeout already passed).
func (c *Cluster) Dispatch(ctx context.Context, pc PickContext, affinityKey string, idempotent bool, attempt func(ctx context.Context, srv *UpstreamServer) (success, reusable bool, retryable bool, err error)) error {
	tried := make(map[string]bool, c.MaxAttempts())

	var globalDeadline time.Time
	if c.cfg.Failover.GlobalTimeout > 0 {
		globalDeadline = time.Now().Add(c.cfg.Failover.GlobalTimeout)
	}

	var lastErr error
	for i := 0; i < c.MaxAttempts(); i++ {
		if !globalDeadline.IsZero() && time.Now().After(globalDeadline) {
			break
		}

		srv, ok := c.pickUntried(pc, affinityKey, tried)
		if !ok {
			break
		}
		tried[srv.ID] = true

		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.AttemptTimeout() > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.AttemptTimeout())
		}
		success, _, retryable, err := attempt(attemptCtx, srv)
		if cancel != nil {
			cancel()
		}

		if success {
			return nil
		}
		lastErr = err

		if !retryable {
			return err
		}
		if !idempotent && !c.RetryNonIdempotent() {
			return err
		}
	}
	return lastErr
}

func (c *Cluster) pickUntried(pc PickContext, affinityKey string, tried map[string]bool) (*UpstreamServer, bool) {
	healthy := c.healthySubset()
	remaining := make([]*UpstreamServer, 0, len(healthy))
	for _, s := range healthy {
		if !tried[s.ID] {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		return nil, false
	}
	if c.affinity != nil && affinityKey != "" {
		if id, ok := c.affinity.Lookup(affinityKey); ok && !tried[id] {
			if srv, ok := c.byID[id]; ok && c.health.State(id) == Healthy {
				return srv, true
			}
		}
	}
	return c.balancer.Pick(remaining, pc)
}
