package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCluster(t *testing.T, cfg Config) *Cluster {
	t.Helper()
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = time.Hour // keep the probe loop from firing during the test
	}
	c := New(cfg, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDispatchSucceedsOnFirstHealthyServer(t *testing.T) {
	c := newTestCluster(t, Config{
		Strategy: StrategyRoundRobin,
		Servers:  []*UpstreamServer{{ID: "s1"}},
		Failover: FailoverConfig{MaxAttempts: 1},
	})

	var attempted string
	err := c.Dispatch(context.Background(), PickContext{}, "", true, func(ctx context.Context, srv *UpstreamServer) (bool, bool, bool, error) {
		attempted = srv.ID
		return true, false, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", attempted)
}

func TestDispatchFailsOverToNextServer(t *testing.T) {
	c := newTestCluster(t, Config{
		Strategy: StrategyRoundRobin,
		Servers:  []*UpstreamServer{{ID: "s1"}, {ID: "s2"}},
		Failover: FailoverConfig{MaxAttempts: 2, RetryOn: RetryOn{Connect: true}},
	})

	var tried []string
	err := c.Dispatch(context.Background(), PickContext{}, "", true, func(ctx context.Context, srv *UpstreamServer) (bool, bool, bool, error) {
		tried = append(tried, srv.ID)
		if srv.ID == "s1" {
			return false, false, true, errors.New("connect failed")
		}
		return true, false, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, tried)
}

func TestDispatchStopsOnNonRetryableError(t *testing.T) {
	c := newTestCluster(t, Config{
		Strategy: StrategyRoundRobin,
		Servers:  []*UpstreamServer{{ID: "s1"}, {ID: "s2"}},
		Failover: FailoverConfig{MaxAttempts: 2},
	})

	attempts := 0
	wantErr := errors.New("not retryable")
	err := c.Dispatch(context.Background(), PickContext{}, "", true, func(ctx context.Context, srv *UpstreamServer) (bool, bool, bool, error) {
		attempts++
		return false, false, false, wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, attempts, "a non-retryable failure must not trigger another attempt")
}

func TestDispatchRefusesToRetryNonIdempotentByDefault(t *testing.T) {
	c := newTestCluster(t, Config{
		Strategy: StrategyRoundRobin,
		Servers:  []*UpstreamServer{{ID: "s1"}, {ID: "s2"}},
		Failover: FailoverConfig{MaxAttempts: 2, RetryOn: RetryOn{Connect: true}},
	})

	attempts := 0
	wantErr := errors.New("connect failed")
	err := c.Dispatch(context.Background(), PickContext{}, "", false, func(ctx context.Context, srv *UpstreamServer) (bool, bool, bool, error) {
		attempts++
		return false, false, true, wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, attempts, "non-idempotent requests must not be retried without explicit opt-in")
}

func TestDispatchReturnsNilWithNoHealthyServers(t *testing.T) {
	c := newTestCluster(t, Config{
		Strategy: StrategyRoundRobin,
		Servers:  []*UpstreamServer{},
		Failover: FailoverConfig{MaxAttempts: 1},
	})

	called := false
	err := c.Dispatch(context.Background(), PickContext{}, "", true, func(ctx context.Context, srv *UpstreamServer) (bool, bool, bool, error) {
		called = true
		return true, false, false, nil
	})
	assert.NoError(t, err, "Dispatch returns a nil error when it never found a server to try")
	assert.False(t, called)
}
