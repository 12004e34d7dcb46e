// Package middleware implements the ordered request/response pipeline
// and the cross-cutting middlewares built on top of it: auth, rate
// limiting, CORS, compression, header transforms and logging.
package middleware

import (
	"sort"
	"sync"

	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// Outcome tags a request-phase middleware's result.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeRespond
	OutcomeError
)

// Result is the sum-typed return of a request-phase middleware.
type Result struct {
	Outcome  Outcome
	Response *wire.Response // set iff OutcomeRespond
	Err      *errors.Error  // set iff OutcomeError
}

func Continue() Result                    { return Result{Outcome: OutcomeContinue} }
func Respond(resp *wire.Response) Result  { return Result{Outcome: OutcomeRespond, Response: resp} }
func Fail(err *errors.Error) Result       { return Result{Outcome: OutcomeError, Err: err} }

// RequestMiddleware observes or short-circuits an inbound request.
type RequestMiddleware interface {
	Name() string
	ProcessRequest(ctx *reqctx.RequestContext, req *wire.Request) Result
}

// ResponseMiddleware is a pure transformation over the outbound
// response; errors are logged but never replace the response.
type ResponseMiddleware interface {
	Name() string
	ProcessResponse(ctx *reqctx.RequestContext, req *wire.Request, resp *wire.Response) error
}

type entry struct {
	priority int
	order    int
	enabled  bool
}

type requestEntry struct {
	entry
	mw RequestMiddleware
}

type responseEntry struct {
	entry
	mw ResponseMiddleware
}

// Chain holds the ordered request- and response-phase middleware
// lists, each sorted ascending by priority with stable insertion-order
// tie-breaking.
type Chain struct {
	mu        sync.Mutex
	onError   func(ctx *reqctx.RequestContext, mwName string, err error)
	requests  []requestEntry
	responses []responseEntry
}

// NewChain returns an empty Chain. onError, if non-nil, is called when
// a response-phase middleware errors (it never aborts the chain).
func NewChain(onError func(ctx *reqctx.RequestContext, mwName string, err error)) *Chain {
	return &Chain{onError: onError}
}

// AddRequest registers a request-phase middleware.
func (c *Chain) AddRequest(mw RequestMiddleware, priority int, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, requestEntry{entry{priority, len(c.requests), enabled}, mw})
	sort.SliceStable(c.requests, func(i, j int) bool {
		if c.requests[i].priority != c.requests[j].priority {
			return c.requests[i].priority < c.requests[j].priority
		}
		return c.requests[i].order < c.requests[j].order
	})
}

// AddResponse registers a response-phase middleware.
func (c *Chain) AddResponse(mw ResponseMiddleware, priority int, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responseEntry{entry{priority, len(c.responses), enabled}, mw})
	sort.SliceStable(c.responses, func(i, j int) bool {
		if c.responses[i].priority != c.responses[j].priority {
			return c.responses[i].priority < c.responses[j].priority
		}
		return c.responses[i].order < c.responses[j].order
	})
}

// RunRequest executes enabled request-phase middlewares in order.
// The first non-Continue result short-circuits the remaining ones.
func (c *Chain) RunRequest(ctx *reqctx.RequestContext, req *wire.Request) Result {
	c.mu.Lock()
	mws := append([]requestEntry(nil), c.requests...)
	c.mu.Unlock()

	for _, re := range mws {
		if !re.enabled {
			continue
		}
		if res := re.mw.ProcessRequest(ctx, req); res.Outcome != OutcomeContinue {
			return res
		}
	}
	return Continue()
}

// RunResponse executes every enabled response-phase middleware
// regardless of earlier errors, in order.
func (c *Chain) RunResponse(ctx *reqctx.RequestContext, req *wire.Request, resp *wire.Response) {
	c.mu.Lock()
	mws := append([]responseEntry(nil), c.responses...)
	c.mu.Unlock()

	for _, re := range mws {
		if !re.enabled {
			continue
		}
		if err := re.mw.ProcessResponse(ctx, req, resp); err != nil && c.onError != nil {
			c.onError(ctx, re.mw.Name(), err)
		}
	}
}
