package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAffinityTableLookupMissThenBind(t *testing.T) {
	table := NewAffinityTable(time.Minute)

	_, ok := table.Lookup("client-1")
	assert.False(t, ok)

	table.Bind("client-1", "server-a")
	srv, ok := table.Lookup("client-1")
	assert.True(t, ok)
	assert.Equal(t, "server-a", srv)
}

func TestAffinityTableExpiresEntries(t *testing.T) {
	table := NewAffinityTable(10 * time.Millisecond)
	table.Bind("client-1", "server-a")

	time.Sleep(30 * time.Millisecond)

	_, ok := table.Lookup("client-1")
	assert.False(t, ok, "entry should have expired")
}

func TestAffinityTableSweepRemovesExpired(t *testing.T) {
	table := NewAffinityTable(10 * time.Millisecond)
	table.Bind("client-1", "server-a")
	time.Sleep(30 * time.Millisecond)
	table.Sweep()

	table.mu.Lock()
	n := len(table.entries)
	table.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestClusterAffinityKeyByKind(t *testing.T) {
	c := &Cluster{cfg: Config{Affinity: &AffinityConfig{Enabled: true, Kind: AffinityCookie, Name: "sid"}}}
	assert.Equal(t, "abc123", c.AffinityKey("abc123", "10.0.0.1"))

	c.cfg.Affinity.Kind = AffinityClientIP
	assert.Equal(t, "10.0.0.1", c.AffinityKey("abc123", "10.0.0.1"))

	c.cfg.Affinity.Enabled = false
	assert.Equal(t, "", c.AffinityKey("abc123", "10.0.0.1"))
}
