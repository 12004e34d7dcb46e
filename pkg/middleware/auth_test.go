package middleware

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

func newAuthRequest(target, authHeader string) *wire.Request {
	h := headers.New()
	if authHeader != "" {
		h.Set("Authorization", authHeader)
	}
	return &wire.Request{Method: "GET", Target: target, Version: wire.HTTP11, Headers: h}
}

func TestAuthMiddlewareAllowsPublicPathsWithoutCredentials(t *testing.T) {
	m := NewAuthMiddleware(nil, nil, []string{"/health"})
	result := m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), newAuthRequest("/health", ""))
	assert.Equal(t, OutcomeContinue, result.Outcome)
}

func TestAuthMiddlewareFailsWithoutAuthorizationHeader(t *testing.T) {
	m := NewAuthMiddleware(nil, nil, nil)
	result := m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), newAuthRequest("/secure", ""))
	require.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, errors.KindUnauthenticated, result.Err.Kind)
}

func TestAuthMiddlewareParsesValidBasicCredentials(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	var seen Credentials
	validate := func(creds Credentials) (reqctx.Principal, bool) {
		seen = creds
		return "alice-principal", true
	}
	m := NewAuthMiddleware(validate, nil, nil)
	ctx := reqctx.New(nil, reqctx.ProtocolPlain)
	result := m.ProcessRequest(ctx, newAuthRequest("/secure", "Basic "+encoded))

	assert.Equal(t, OutcomeContinue, result.Outcome)
	assert.Equal(t, "Basic", seen.Scheme)
	assert.Equal(t, "alice", seen.Username)
	assert.Equal(t, "secret", seen.Password)
	assert.Equal(t, "alice-principal", ctx.Principal)
}

func TestAuthMiddlewareRejectsMalformedBasicCredentials(t *testing.T) {
	m := NewAuthMiddleware(func(Credentials) (reqctx.Principal, bool) { return nil, true }, nil, nil)
	result := m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), newAuthRequest("/secure", "Basic not-base64!!"))
	require.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, errors.KindUnauthenticated, result.Err.Kind)
}

func TestAuthMiddlewareRejectsInvalidCredentials(t *testing.T) {
	m := NewAuthMiddleware(func(Credentials) (reqctx.Principal, bool) { return nil, false }, nil, nil)
	result := m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), newAuthRequest("/secure", "Bearer sometoken"))
	require.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, errors.KindUnauthenticated, result.Err.Kind)
}

func TestAuthMiddlewareReturnsForbiddenOnRoleMismatch(t *testing.T) {
	validate := func(Credentials) (reqctx.Principal, bool) { return "bob", true }
	roleCheck := func(reqctx.Principal, reqctx.RouteMatch) bool { return false }
	m := NewAuthMiddleware(validate, roleCheck, nil)
	result := m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), newAuthRequest("/admin", "Bearer sometoken"))
	require.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, errors.KindForbidden, result.Err.Kind)
}

func TestParseCredentialsBearerRejectsEmptyToken(t *testing.T) {
	_, ok := parseCredentials("Bearer ")
	assert.False(t, ok)
}

func TestParseCredentialsRejectsUnknownScheme(t *testing.T) {
	_, ok := parseCredentials("Digest abc123")
	assert.False(t, ok)
}
