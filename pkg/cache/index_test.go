package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(fp string, size int64, accessedAt time.Time) *Entry {
	return &Entry{
		Fingerprint:    fp,
		StatusCode:     200,
		ByteSize:       size,
		StoredAt:       accessedAt,
		LastAccessedAt: accessedAt,
		ExpiresAt:      accessedAt.Add(time.Minute),
	}
}

func TestIndexGetMissAndHit(t *testing.T) {
	idx := New(Config{})

	_, ok := idx.Get("missing")
	assert.False(t, ok)

	idx.Put(newEntry("fp1", 10, time.Now()))
	e, ok := idx.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "fp1", e.Fingerprint)

	stats := idx.Stats()
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}

func TestIndexEvictsLeastRecentlyAccessed(t *testing.T) {
	idx := New(Config{MaxEntries: 2})

	base := time.Now().Add(-time.Minute)
	idx.Put(newEntry("a", 1, base))
	idx.Put(newEntry("b", 1, base.Add(time.Second)))

	// Touch "a" so it is more recently accessed than "b".
	idx.Get("a")

	idx.Put(newEntry("c", 1, base.Add(2*time.Second)))

	_, aOk := idx.Get("a")
	_, bOk := idx.Get("b")
	_, cOk := idx.Get("c")

	assert.True(t, aOk, "recently accessed entry should survive eviction")
	assert.False(t, bOk, "least recently accessed entry should be evicted")
	assert.True(t, cOk)
}

func TestIndexEvictsOverByteBudget(t *testing.T) {
	idx := New(Config{MaxBytes: 15})

	base := time.Now()
	idx.Put(newEntry("a", 10, base))
	idx.Put(newEntry("b", 10, base.Add(time.Second)))

	stats := idx.Stats()
	assert.LessOrEqual(t, stats.TotalBytes, int64(15))
}

func TestIndexInvalidateTag(t *testing.T) {
	idx := New(Config{})
	e := newEntry("fp1", 5, time.Now())
	e.Tags = []string{"path:/foo"}
	idx.Put(e)

	idx.InvalidateTag("path:/foo")
	_, ok := idx.Get("fp1")
	assert.False(t, ok)
}

func TestIndexInvalidatePrefix(t *testing.T) {
	idx := New(Config{})
	e1 := newEntry("fp1", 5, time.Now())
	e1.Tags = []string{"path:/api/users/1"}
	idx.Put(e1)
	e2 := newEntry("fp2", 5, time.Now())
	e2.Tags = []string{"path:/api/orders/1"}
	idx.Put(e2)

	idx.InvalidatePrefix("/api/users")

	_, ok1 := idx.Get("fp1")
	_, ok2 := idx.Get("fp2")
	assert.False(t, ok1)
	assert.True(t, ok2)
}

func TestIndexVaryNamesFor(t *testing.T) {
	idx := New(Config{})
	e := newEntry("full-fp", 5, time.Now())
	e.BaseFingerprint = "base-fp"
	e.VaryNames = []string{"Accept-Encoding"}
	idx.Put(e)

	assert.Equal(t, []string{"Accept-Encoding"}, idx.VaryNamesFor("base-fp"))
	assert.Nil(t, idx.VaryNamesFor("unknown-base"))
}

func TestIndexFetchSingleFlight(t *testing.T) {
	idx := New(Config{})

	calls := 0
	done := make(chan struct{})
	results := make(chan *Entry, 2)

	fetch := func() (*Entry, error) {
		calls++
		<-done
		return newEntry("fp", 1, time.Now()), nil
	}

	go func() {
		e, err, _ := idx.Fetch("fp", fetch)
		require.NoError(t, err)
		results <- e
	}()
	go func() {
		e, err, _ := idx.Fetch("fp", fetch)
		require.NoError(t, err)
		results <- e
	}()

	time.Sleep(20 * time.Millisecond)
	close(done)

	e1 := <-results
	e2 := <-results
	assert.Same(t, e1, e2)
	assert.Equal(t, 1, calls)
}
