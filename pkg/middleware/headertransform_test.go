package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

func TestHeaderTransformSetsRequestHeader(t *testing.T) {
	m := NewHeaderTransformMiddleware([]HeaderRule{{Name: "X-Gateway", Op: HeaderSet, Value: "core"}}, nil)
	req := &wire.Request{Headers: headers.New()}

	result := m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), req)
	assert.Equal(t, OutcomeContinue, result.Outcome)
	assert.Equal(t, "core", req.Headers.Get("X-Gateway"))
}

func TestHeaderTransformAppendsWithoutRemovingExisting(t *testing.T) {
	req := &wire.Request{Headers: headers.New()}
	req.Headers.Add("X-Trace", "a")
	m := NewHeaderTransformMiddleware([]HeaderRule{{Name: "X-Trace", Op: HeaderAppend, Value: "b"}}, nil)

	m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), req)
	assert.Equal(t, []string{"a", "b"}, req.Headers.Values("X-Trace"))
}

func TestHeaderTransformRemovesHeader(t *testing.T) {
	req := &wire.Request{Headers: headers.New()}
	req.Headers.Set("X-Debug", "1")
	m := NewHeaderTransformMiddleware([]HeaderRule{{Name: "X-Debug", Op: HeaderRemove}}, nil)

	m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), req)
	assert.False(t, req.Headers.Has("X-Debug"))
}

func TestHeaderTransformSkipsRuleWhenPredicateFalse(t *testing.T) {
	req := &wire.Request{Headers: headers.New()}
	rule := HeaderRule{
		Name:      "X-Conditional",
		Op:        HeaderSet,
		Value:     "set",
		Predicate: func(*wire.Request, *wire.Response) bool { return false },
	}
	m := NewHeaderTransformMiddleware([]HeaderRule{rule}, nil)

	m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), req)
	assert.False(t, req.Headers.Has("X-Conditional"))
}

func TestHeaderTransformValueFnTakesPrecedenceOverLiteralValue(t *testing.T) {
	req := &wire.Request{Headers: headers.New()}
	req.Headers.Set("X-Source", "origin-value")
	rule := HeaderRule{
		Name:  "X-Derived",
		Op:    HeaderSet,
		Value: "literal",
		ValueFn: func(req *wire.Request, resp *wire.Response) string {
			return req.Headers.Get("X-Source")
		},
	}
	m := NewHeaderTransformMiddleware([]HeaderRule{rule}, nil)
	m.ProcessRequest(reqctx.New(nil, reqctx.ProtocolPlain), req)
	assert.Equal(t, "origin-value", req.Headers.Get("X-Derived"))
}

func TestHeaderTransformAppliesResponseRules(t *testing.T) {
	req := &wire.Request{Headers: headers.New()}
	resp := &wire.Response{Headers: headers.New()}
	m := NewHeaderTransformMiddleware(nil, []HeaderRule{{Name: "X-Served-By", Op: HeaderSet, Value: "gatewaycore"}})

	err := m.ProcessResponse(reqctx.New(nil, reqctx.ProtocolPlain), req, resp)
	require.NoError(t, err)
	assert.Equal(t, "gatewaycore", resp.Headers.Get("X-Served-By"))
}
