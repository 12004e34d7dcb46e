// Package cache implements the gateway's fingerprint-keyed, in-memory
// response cache with revalidation, LRU-style eviction and
// single-flight coordination. The cache-control directive parsing
// (s-maxage/max-age/Expires precedence, no-store/private bypass) follows the same
// freshness rules a client-side RoundTripper cache would apply, adapted
// into a server-side shared cache keyed by a canonical fingerprint
// rather than the request URL alone.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/whileendless/gatewaycore/pkg/headers"
)

// Fingerprint computes the cache key: method, canonical scheme/host
// (lower-cased), path (case preserved), sorted query parameters, and
// the values of any headers the origin's prior response listed in
// Vary.
func Fingerprint(method, scheme, host, target string, reqHeaders *headers.Headers, varyNames []string) string {
	u, _ := url.Parse(target)
	path := target
	rawQuery := ""
	if u != nil {
		path = u.Path
		rawQuery = u.RawQuery
	}

	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(scheme)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(host)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(canonicalQuery(rawQuery)))

	names := append([]string(nil), varyNames...)
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(name)))
		h.Write([]byte{'='})
		if reqHeaders != nil {
			h.Write([]byte(reqHeaders.Get(name)))
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

func canonicalQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		vals := append([]string(nil), values[k]...)
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}
