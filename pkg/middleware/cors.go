package middleware

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// OriginMatcher decides whether an Origin header value is allowed.
type OriginMatcher func(origin string) bool

// ExactOrigins builds an OriginMatcher from a literal allow-list.
func ExactOrigins(origins ...string) OriginMatcher {
	set := make(map[string]bool, len(origins))
	for _, o := range origins {
		set[o] = true
	}
	return func(origin string) bool { return set[origin] }
}

// RegexOrigin builds an OriginMatcher from a compiled pattern.
func RegexOrigin(re *regexp.Regexp) OriginMatcher {
	return func(origin string) bool { return re.MatchString(origin) }
}

// AnyOrigin allows every origin (the "*" case).
func AnyOrigin(string) bool { return true }

// CORSConfig configures one CORSMiddleware.
type CORSConfig struct {
	AllowOrigin      OriginMatcher
	AllowCredentials bool
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	MaxAge           time.Duration
}

const scratchCORSOrigin = "cors-origin"

// CORSMiddleware implements cross-origin resource sharing: preflight
// short-circuit on request phase, origin echo on response phase.
type CORSMiddleware struct {
	cfg CORSConfig
}

func NewCORSMiddleware(cfg CORSConfig) *CORSMiddleware {
	if cfg.AllowOrigin == nil {
		cfg.AllowOrigin = AnyOrigin
	}
	return &CORSMiddleware{cfg: cfg}
}

func (m *CORSMiddleware) Name() string { return "cors" }

// ProcessRequest answers an OPTIONS preflight directly with 204 and the
// access-control-allow-* headers, short-circuiting the chain. Non-preflight
// requests pass through; their response gets the origin header stamped in
// ProcessResponse instead.
func (m *CORSMiddleware) ProcessRequest(ctx *reqctx.RequestContext, req *wire.Request) Result {
	origin := req.Headers.Get("Origin")
	if origin == "" || !m.cfg.AllowOrigin(origin) {
		return Continue()
	}

	isPreflight := strings.EqualFold(req.Method, "OPTIONS") && req.Headers.Get("Access-Control-Request-Method") != ""
	if !isPreflight {
		ctx.Set(scratchCORSOrigin, origin)
		return Continue()
	}

	h := headers.New()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	if m.cfg.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(m.cfg.AllowMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(m.cfg.AllowMethods, ", "))
	}
	if len(m.cfg.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(m.cfg.AllowHeaders, ", "))
	}
	if m.cfg.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(int(m.cfg.MaxAge.Seconds())))
	}
	h.Set("Content-Length", "0")

	return Respond(&wire.Response{
		Version:    req.Version,
		StatusCode: 204,
		Reason:     "No Content",
		Headers:    h,
	})
}

// ProcessResponse stamps the allow-origin (and vary: origin) headers on
// the actual response for a non-preflight CORS request.
func (m *CORSMiddleware) ProcessResponse(ctx *reqctx.RequestContext, req *wire.Request, resp *wire.Response) error {
	v, ok := ctx.Get(scratchCORSOrigin)
	if !ok {
		return nil
	}
	origin := v.(string)
	resp.Headers.Set("Access-Control-Allow-Origin", origin)
	resp.Headers.Add("Vary", "Origin")
	if m.cfg.AllowCredentials {
		resp.Headers.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(m.cfg.ExposeHeaders) > 0 {
		resp.Headers.Set("Access-Control-Expose-Headers", strings.Join(m.cfg.ExposeHeaders, ", "))
	}
	return nil
}
