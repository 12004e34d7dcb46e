// Package router maps an incoming request to a Route. Path matching
// itself is delegated to go-chi's route tree (chi.Mux.Match); this
// package translates a `:name`/`*rest` pattern syntax into chi's
// `{name}`/`*` syntax and layers host/method predicates and
// priority-then-insertion ordering on top, since chi itself has no
// notion of either.
package router

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Route describes one routable destination.
type Route struct {
	ID          string
	Pattern     string // exact, "/foo/*" prefix, or "/foo/:id/bar" param
	Host        string // optional exact host predicate, "" matches any
	Methods     []string
	UpstreamRef string
	Priority    int // ascending; ties broken by insertion order

	insertionIndex int
	chiPattern     string
}

// RouteID and UpstreamID satisfy pkg/reqctx.RouteMatch.
func (r *Route) RouteID() string    { return r.ID }
func (r *Route) UpstreamID() string { return r.UpstreamRef }

// NoMatch is the sentinel the gateway server translates into a 404.
var NoMatch = (*Route)(nil)

// Router holds the registered route set and a chi tree per host (chi
// patterns are global per Mux, so a host predicate gets its own Mux to
// keep host-scoped routes from shadowing the unscoped ones).
type Router struct {
	routes    []*Route
	muxes     map[string]*chi.Mux // keyed by Host, "" for host-agnostic
	byPattern map[string]map[string]*Route // mux key -> chiPattern -> Route
}

// New returns an empty Router.
func New() *Router {
	return &Router{
		muxes:     make(map[string]*chi.Mux),
		byPattern: make(map[string]map[string]*Route),
	}
}

// Add registers a route. Routes are matched in ascending Priority,
// ties broken by registration order.
func (r *Router) Add(route *Route) {
	route.insertionIndex = len(r.routes)
	route.chiPattern = toChiPattern(route.Pattern)
	r.routes = append(r.routes, route)

	mux, ok := r.muxes[route.Host]
	if !ok {
		mux = chi.NewMux()
		r.muxes[route.Host] = mux
		r.byPattern[route.Host] = make(map[string]*Route)
	}

	methods := route.Methods
	if len(methods) == 0 {
		methods = []string{"*"}
	}
	for _, m := range methods {
		handle(mux, m, route.chiPattern)
	}
	r.byPattern[route.Host][route.chiPattern] = route

	sort.SliceStable(r.routes, func(i, j int) bool {
		if r.routes[i].Priority != r.routes[j].Priority {
			return r.routes[i].Priority < r.routes[j].Priority
		}
		return r.routes[i].insertionIndex < r.routes[j].insertionIndex
	})
}

func handle(mux *chi.Mux, method, pattern string) {
	switch strings.ToUpper(method) {
	case "*":
		mux.Handle(pattern, emptyHandler{})
	default:
		mux.Method(strings.ToUpper(method), pattern, emptyHandler{})
	}
}

// toChiPattern translates "/foo/:id/bar" -> "/foo/{id}/bar" and
// "/foo/*rest" or "/foo/*" -> "/foo/*".
func toChiPattern(pattern string) string {
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, ":") {
			segments[i] = "{" + seg[1:] + "}"
		} else if strings.HasPrefix(seg, "*") {
			segments[i] = "*"
		}
	}
	return strings.Join(segments, "/")
}

// Match finds the first (by priority, then insertion order) route
// whose host, method and path predicates all match. Extracted path
// parameters are returned in params.
func (r *Router) Match(host, method, rawTarget string) (*Route, map[string]string) {
	path := rawTarget
	if u, err := url.Parse(rawTarget); err == nil {
		path = u.Path
	}

	candidates := r.candidateHosts(host)
	for _, route := range r.routes {
		if !hostMatches(route.Host, candidates) {
			continue
		}
		if !methodMatches(route.Methods, method) {
			continue
		}
		mux, ok := r.muxes[route.Host]
		if !ok {
			continue
		}
		rctx := chi.NewRouteContext()
		if !mux.Match(rctx, method, path) {
			continue
		}
		if rctx.RoutePattern() != route.chiPattern {
			continue
		}
		params := make(map[string]string)
		for i, key := range rctx.URLParams.Keys {
			params[key] = rctx.URLParams.Values[i]
		}
		return route, params
	}
	return nil, nil
}

func (r *Router) candidateHosts(host string) []string {
	return []string{host, ""}
}

func hostMatches(routeHost string, candidates []string) bool {
	if routeHost == "" {
		return true
	}
	for _, c := range candidates {
		if c == routeHost {
			return true
		}
	}
	return false
}

func methodMatches(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// emptyHandler satisfies chi's http.Handler requirement; the gateway
// server never actually dispatches through chi's ServeHTTP, it only
// uses Match for pattern resolution, so the handler body is never run.
type emptyHandler struct{}

func (emptyHandler) ServeHTTP(http.ResponseWriter, *http.Request) {}
