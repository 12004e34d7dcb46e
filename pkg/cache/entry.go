package cache

import "time"

// Entry is a stored response snapshot plus the metadata the index uses
// for freshness, eviction and invalidation.
type Entry struct {
	Fingerprint  string
	StatusCode   int
	Reason       string
	HeaderNames  []string
	HeaderValues map[string][]string
	Body         []byte

	StoredAt       time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	ByteSize       int64
	Tags           []string
	ETag           string
	LastModified   string

	// BaseFingerprint and VaryNames let a lookup for a resource whose
	// Vary-relevant header values are not yet known locate the right
	// full fingerprint: compute BaseFingerprint (no vary headers), find
	// the VaryNames this resource varies on, then recompute the full
	// fingerprint with those names.
	BaseFingerprint string
	VaryNames       []string
}

// Fresh reports whether the entry is still within its freshness window.
func (e *Entry) Fresh(now time.Time) bool { return now.Before(e.ExpiresAt) }

// Age returns the elapsed time since the entry was stored, for the
// synthetic Age response header.
func (e *Entry) Age(now time.Time) time.Duration { return now.Sub(e.StoredAt) }
