package middleware

import (
	"encoding/base64"
	"strings"

	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// Credentials is the parsed Authorization header, scheme-tagged.
type Credentials struct {
	Scheme   string // "Basic", "Bearer", "OAuth"
	Username string // Basic only
	Password string // Basic only
	Token    string // Bearer/OAuth only
}

// Validator checks Credentials and returns a Principal on success.
// A nil Principal with ok=true is a valid anonymous-but-authenticated
// result; ok=false means invalid credentials.
type Validator func(creds Credentials) (principal reqctx.Principal, ok bool)

// RoleChecker, if set, is consulted after successful validation; a
// false result produces 403 rather than 401.
type RoleChecker func(principal reqctx.Principal, route reqctx.RouteMatch) bool

// AuthMiddleware authenticates requests against an Authorization header
// and optionally enforces role requirements per route.
type AuthMiddleware struct {
	validate    Validator
	roleCheck   RoleChecker
	publicPaths map[string]bool
}

func NewAuthMiddleware(validate Validator, roleCheck RoleChecker, publicPaths []string) *AuthMiddleware {
	set := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		set[p] = true
	}
	return &AuthMiddleware{validate: validate, roleCheck: roleCheck, publicPaths: set}
}

func (m *AuthMiddleware) Name() string { return "auth" }

func (m *AuthMiddleware) ProcessRequest(ctx *reqctx.RequestContext, req *wire.Request) Result {
	if m.publicPaths[req.Target] {
		return Continue()
	}

	header := req.Headers.Get("Authorization")
	if header == "" {
		return Fail(errors.NewUnauthenticatedError("missing Authorization header"))
	}

	creds, ok := parseCredentials(header)
	if !ok {
		return Fail(errors.NewUnauthenticatedError("malformed Authorization header"))
	}

	principal, ok := m.validate(creds)
	if !ok {
		return Fail(errors.NewUnauthenticatedError("invalid credentials"))
	}

	ctx.Principal = principal

	if m.roleCheck != nil && !m.roleCheck(principal, ctx.Route) {
		return Fail(errors.NewForbiddenError("principal not permitted for this route"))
	}

	return Continue()
}

func parseCredentials(header string) (Credentials, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return Credentials{}, false
	}
	scheme, value := parts[0], parts[1]

	switch strings.ToLower(scheme) {
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return Credentials{}, false
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return Credentials{}, false
		}
		return Credentials{Scheme: "Basic", Username: user, Password: pass}, true
	case "bearer":
		if value == "" {
			return Credentials{}, false
		}
		return Credentials{Scheme: "Bearer", Token: value}, true
	case "oauth":
		if value == "" {
			return Credentials{}, false
		}
		return Credentials{Scheme: "OAuth", Token: value}, true
	default:
		return Credentials{}, false
	}
}
