package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config bounds the cache's memory footprint and default TTLs.
type Config struct {
	MaxBytes   int64
	MaxEntries int
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// Index is the cache's primary store: fingerprint -> Entry, plus a
// tag -> fingerprint-set secondary index, an LRU-by-access ordering and
// a running byte total. A single mutex protects the index; the
// single-flight group coordinates concurrent fetches on its own, outside
// that mutex. Implementations that need more throughput can shard this
// by fingerprint prefix.
type Index struct {
	cfg Config

	mu         sync.Mutex
	entries    map[string]*Entry
	byTag      map[string]map[string]bool // tag -> set<fingerprint>
	varyIndex  map[string][]string        // base fingerprint (no vary) -> vary header names
	totalBytes int64

	group singleflight.Group

	hits      uint64
	misses    uint64
	evictions uint64
}

// New returns an empty Index.
func New(cfg Config) *Index {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	return &Index{
		cfg:       cfg,
		entries:   make(map[string]*Entry),
		byTag:     make(map[string]map[string]bool),
		varyIndex: make(map[string][]string),
	}
}

// VaryNamesFor returns the vary-relevant header names previously
// recorded for a resource's base fingerprint (computed without vary
// header values), letting a lookup recompute the correct full
// fingerprint before calling Get.
func (idx *Index) VaryNamesFor(baseFingerprint string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.varyIndex[baseFingerprint]
}

// Get returns the entry for fingerprint and stamps its access time,
// used both for a fresh-hit serve and for conditional revalidation.
func (idx *Index) Get(fingerprint string) (*Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[fingerprint]
	if !ok {
		atomic.AddUint64(&idx.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&idx.hits, 1)
	e.LastAccessedAt = time.Now()
	return e, true
}

// Put inserts or replaces an entry, evicting the oldest-accessed
// entries first if the insertion would exceed the configured budget.
func (idx *Index) Put(e *Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.entries[e.Fingerprint]; ok {
		idx.totalBytes -= old.ByteSize
		idx.untagLocked(old)
	}

	idx.entries[e.Fingerprint] = e
	idx.totalBytes += e.ByteSize
	idx.tagLocked(e)
	if e.BaseFingerprint != "" {
		idx.varyIndex[e.BaseFingerprint] = e.VaryNames
	}

	idx.evictLocked()
}

func (idx *Index) tagLocked(e *Entry) {
	for _, tag := range e.Tags {
		set, ok := idx.byTag[tag]
		if !ok {
			set = make(map[string]bool)
			idx.byTag[tag] = set
		}
		set[e.Fingerprint] = true
	}
}

func (idx *Index) untagLocked(e *Entry) {
	for _, tag := range e.Tags {
		if set, ok := idx.byTag[tag]; ok {
			delete(set, e.Fingerprint)
			if len(set) == 0 {
				delete(idx.byTag, tag)
			}
		}
	}
}

func (idx *Index) evictLocked() {
	for idx.overBudgetLocked() {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, e := range idx.entries {
			if first || e.LastAccessedAt.Before(oldestTime) {
				oldestKey, oldestTime, first = k, e.LastAccessedAt, false
			}
		}
		if oldestKey == "" {
			return
		}
		idx.removeLocked(oldestKey)
		atomic.AddUint64(&idx.evictions, 1)
	}
}

func (idx *Index) overBudgetLocked() bool {
	if idx.cfg.MaxBytes > 0 && idx.totalBytes > idx.cfg.MaxBytes {
		return true
	}
	if idx.cfg.MaxEntries > 0 && len(idx.entries) > idx.cfg.MaxEntries {
		return true
	}
	return false
}

func (idx *Index) removeLocked(fingerprint string) {
	e, ok := idx.entries[fingerprint]
	if !ok {
		return
	}
	idx.totalBytes -= e.ByteSize
	idx.untagLocked(e)
	delete(idx.entries, fingerprint)
}

// Invalidate removes a single fingerprint.
func (idx *Index) Invalidate(fingerprint string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(fingerprint)
}

// InvalidateTag removes every entry tagged with tag.
func (idx *Index) InvalidateTag(tag string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set, ok := idx.byTag[tag]
	if !ok {
		return
	}
	for fp := range set {
		idx.removeLocked(fp)
	}
}

// InvalidatePrefix removes every entry whose fingerprint's originating
// path (tracked via the "path:" tag convention) starts with prefix.
// Callers tag entries with "path:<path>" at insertion time to make
// this usable; the index derives no path tags on its own.
func (idx *Index) InvalidatePrefix(prefix string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for tag, set := range idx.byTag {
		path, ok := strings.CutPrefix(tag, "path:")
		if !ok || !strings.HasPrefix(path, prefix) {
			continue
		}
		for fp := range set {
			idx.removeLocked(fp)
		}
	}
}

// Stats reports the current index size and cumulative counters for
// metrics export.
type Stats struct {
	Entries    int
	TotalBytes int64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	entries, totalBytes := len(idx.entries), idx.totalBytes
	idx.mu.Unlock()
	return Stats{
		Entries:    entries,
		TotalBytes: totalBytes,
		Hits:       atomic.LoadUint64(&idx.hits),
		Misses:     atomic.LoadUint64(&idx.misses),
		Evictions:  atomic.LoadUint64(&idx.evictions),
	}
}

// Fetch coordinates single-flight origin fetches per fingerprint:
// concurrent callers for the same fingerprint share one call to fn;
// all observe its result.
func (idx *Index) Fetch(fingerprint string, fn func() (*Entry, error)) (*Entry, error, bool) {
	v, err, shared := idx.group.Do(fingerprint, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err, shared
	}
	return v.(*Entry), nil, shared
}
