package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/whileendless/gatewaycore/pkg/headers"
)

// directives parses a Cache-Control header into a name->value map,
// splitting on commas and then on key=value.
func directives(value string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			out[strings.ToLower(part[:eq])] = strings.Trim(part[eq+1:], `" `)
		} else {
			out[strings.ToLower(part)] = ""
		}
	}
	return out
}

// IsStorable applies the no-store/private bypass rules at request
// admission.
func IsStorable(method string, reqHeaders, respHeaders *headers.Headers) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	reqCC := directives(reqHeaders.Get("Cache-Control"))
	if _, ok := reqCC["no-store"]; ok {
		return false
	}
	respCC := directives(respHeaders.Get("Cache-Control"))
	if _, ok := respCC["no-store"]; ok {
		return false
	}
	if _, ok := respCC["private"]; ok {
		return false
	}
	return true
}

// TTL computes the freshness lifetime with this precedence:
// s-maxage > max-age > expires > defaultTTL, bounded by maxTTL.
func TTL(respHeaders *headers.Headers, stored time.Time, defaultTTL, maxTTL time.Duration) time.Duration {
	cc := directives(respHeaders.Get("Cache-Control"))

	if v, ok := cc["s-maxage"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return boundTTL(time.Duration(n)*time.Second, maxTTL)
		}
	}
	if v, ok := cc["max-age"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return boundTTL(time.Duration(n)*time.Second, maxTTL)
		}
	}
	if exp := respHeaders.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			return boundTTL(t.Sub(stored), maxTTL)
		}
	}
	return boundTTL(defaultTTL, maxTTL)
}

func boundTTL(ttl, maxTTL time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	if maxTTL > 0 && ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

// VaryNames extracts the Vary header's listed header names as written
// (case preserved), skipping "*".
func VaryNames(respHeaders *headers.Headers) []string {
	raw := respHeaders.Get("Vary")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && p != "*" {
			out = append(out, p)
		}
	}
	return out
}
