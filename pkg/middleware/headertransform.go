package middleware

import (
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// HeaderOp is one of the three mutations a HeaderRule may apply.
type HeaderOp int

const (
	HeaderSet HeaderOp = iota
	HeaderAppend
	HeaderRemove
)

// HeaderRule describes one ordered header mutation: a name, an
// operation, a literal or derived value, and an optional predicate.
// ValueFn takes precedence over a literal Value when set, letting
// callers derive a header value from the request/response (e.g. copy
// another header, compute a hash).
type HeaderRule struct {
	Name      string
	Op        HeaderOp
	Value     string
	ValueFn   func(req *wire.Request, resp *wire.Response) string
	Predicate func(req *wire.Request, resp *wire.Response) bool
}

func (r HeaderRule) resolve(req *wire.Request, resp *wire.Response) string {
	if r.ValueFn != nil {
		return r.ValueFn(req, resp)
	}
	return r.Value
}

func (r HeaderRule) applies(req *wire.Request, resp *wire.Response) bool {
	return r.Predicate == nil || r.Predicate(req, resp)
}

// HeaderTransformMiddleware applies an ordered rule list to request
// and/or response headers.
type HeaderTransformMiddleware struct {
	requestRules  []HeaderRule
	responseRules []HeaderRule
}

func NewHeaderTransformMiddleware(requestRules, responseRules []HeaderRule) *HeaderTransformMiddleware {
	return &HeaderTransformMiddleware{requestRules: requestRules, responseRules: responseRules}
}

func (m *HeaderTransformMiddleware) Name() string { return "header_transform" }

func (m *HeaderTransformMiddleware) ProcessRequest(ctx *reqctx.RequestContext, req *wire.Request) Result {
	for _, rule := range m.requestRules {
		if !rule.applies(req, nil) {
			continue
		}
		apply(req.Headers, rule, req, nil)
	}
	return Continue()
}

func (m *HeaderTransformMiddleware) ProcessResponse(ctx *reqctx.RequestContext, req *wire.Request, resp *wire.Response) error {
	for _, rule := range m.responseRules {
		if !rule.applies(req, resp) {
			continue
		}
		apply(resp.Headers, rule, req, resp)
	}
	return nil
}

func apply(h headerWriter, rule HeaderRule, req *wire.Request, resp *wire.Response) {
	switch rule.Op {
	case HeaderSet:
		h.Set(rule.Name, rule.resolve(req, resp))
	case HeaderAppend:
		h.Add(rule.Name, rule.resolve(req, resp))
	case HeaderRemove:
		h.Del(rule.Name)
	}
}

// headerWriter is satisfied by *headers.Headers; declared locally so
// this file need not import pkg/headers just for the mutation methods.
type headerWriter interface {
	Set(name, value string)
	Add(name, value string)
	Del(name string)
}
