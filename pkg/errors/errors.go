// Package errors provides structured, kind-classified errors for the
// gateway dataplane. Every stage boundary (wire codec, pool, cache,
// middleware, router) converts whatever it sees into one of these kinds
// rather than letting an opaque error cross the boundary.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind represents the category of error that occurred.
type Kind string

const (
	// Transport-facing kinds (connection establishment, TLS, wire parsing).
	KindDNS        Kind = "dns"
	KindConnection Kind = "connection"
	KindTLS        Kind = "tls"
	KindTimeout    Kind = "timeout"
	KindMalformed  Kind = "malformed"
	KindIO         Kind = "io"
	KindValidation Kind = "validation"

	// Dataplane-facing kinds returned directly to clients.
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindRateLimited     Kind = "rate_limited"
	KindUpstreamConnect Kind = "upstream_connect"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindUpstreamReset   Kind = "upstream_reset"
	KindPoolExhausted   Kind = "pool_exhausted"
	KindInternal        Kind = "internal"
)

// statusCodes maps each kind to the canonical HTTP status it surfaces as.
var statusCodes = map[Kind]int{
	KindMalformed:       http.StatusBadRequest,
	KindUnauthenticated: http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindRateLimited:     http.StatusTooManyRequests,
	KindUpstreamConnect: http.StatusBadGateway,
	KindUpstreamTimeout: http.StatusGatewayTimeout,
	KindUpstreamReset:   http.StatusBadGateway,
	KindPoolExhausted:   http.StatusServiceUnavailable,
	KindInternal:        http.StatusInternalServerError,
}

// fatalKinds close the connection after the canonical response is sent.
var fatalKinds = map[Kind]bool{
	KindMalformed:  true,
	KindIO:         true,
	KindConnection: true,
	KindInternal:   true,
}

// Error is a structured, classified error carrying enough context to log
// and to derive a canonical HTTP response without re-inspecting the cause.
type Error struct {
	Kind      Kind
	Op        string // dial, handshake, read, write, parse, acquire...
	Message   string
	Cause     error
	Host      string
	Port      int
	Addr      string
	RetryAfter time.Duration // set on KindRateLimited
	Timestamp time.Time
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Addr != "" {
		parts = append(parts, e.Addr)
	} else if e.Host != "" {
		if e.Port > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", e.Host, e.Port))
		} else {
			parts = append(parts, e.Host)
		}
	}
	out := strings.Join(parts, " ")
	if e.Message != "" {
		out += ": " + e.Message
	}
	if e.Cause != nil {
		out += ": " + e.Cause.Error()
	}
	return out
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// StatusCode returns the canonical HTTP status for this error's kind.
func (e *Error) StatusCode() int {
	if code, ok := statusCodes[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Fatal reports whether this kind requires closing the connection after
// its canonical response is written.
func (e *Error) Fatal() bool {
	return fatalKinds[e.Kind]
}

func newErr(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause, Timestamp: time.Now()}
}

// New builds a bare classified error with no cause.
func New(kind Kind, op, message string) *Error {
	return newErr(kind, op, message, nil)
}

// Wrap classifies an underlying error under the given kind.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return newErr(kind, op, message, cause)
}

func NewDNSError(host string, cause error) *Error {
	e := newErr(KindDNS, "lookup", fmt.Sprintf("DNS lookup failed for host %s", host), cause)
	e.Host, e.Addr = host, host
	return e
}

func NewConnectionError(host string, port int, cause error) *Error {
	addr := fmt.Sprintf("%s:%d", host, port)
	e := newErr(KindConnection, "dial", fmt.Sprintf("failed to connect to %s", addr), cause)
	e.Host, e.Port, e.Addr = host, port, addr
	return e
}

func NewTLSError(host string, port int, cause error) *Error {
	addr := fmt.Sprintf("%s:%d", host, port)
	e := newErr(KindTLS, "handshake", fmt.Sprintf("TLS handshake failed for %s", addr), cause)
	e.Host, e.Port, e.Addr = host, port, addr
	return e
}

func NewTimeoutError(op string, timeout time.Duration) *Error {
	return newErr(KindTimeout, op, fmt.Sprintf("operation timed out after %v", timeout), nil)
}

func NewMalformedError(message string, cause error) *Error {
	return newErr(KindMalformed, "parse", message, cause)
}

func NewIOError(op string, cause error) *Error {
	normalized := op
	switch {
	case strings.Contains(strings.ToLower(op), "read"):
		normalized = "read"
	case strings.Contains(strings.ToLower(op), "writ"):
		normalized = "write"
	}
	return newErr(KindIO, normalized, fmt.Sprintf("I/O error during %s", op), cause)
}

func NewValidationError(message string) *Error {
	return newErr(KindValidation, "validate", message, nil)
}

func NewUpstreamConnectError(upstreamID string, cause error) *Error {
	e := newErr(KindUpstreamConnect, "dial", fmt.Sprintf("could not reach upstream %s", upstreamID), cause)
	e.Addr = upstreamID
	return e
}

func NewUpstreamTimeoutError(upstreamID string, cause error) *Error {
	e := newErr(KindUpstreamTimeout, "deadline", fmt.Sprintf("upstream %s deadline exceeded", upstreamID), cause)
	e.Addr = upstreamID
	return e
}

func NewUpstreamResetError(upstreamID string, cause error) *Error {
	e := newErr(KindUpstreamReset, "read", fmt.Sprintf("upstream %s reset mid-response", upstreamID), cause)
	e.Addr = upstreamID
	return e
}

func NewPoolExhaustedError(poolKey string) *Error {
	e := newErr(KindPoolExhausted, "acquire", fmt.Sprintf("connection pool exhausted for %s", poolKey), nil)
	e.Addr = poolKey
	return e
}

func NewNotFoundError(path string) *Error {
	return newErr(KindNotFound, "route", fmt.Sprintf("no route matches %s", path), nil)
}

func NewUnauthenticatedError(message string) *Error {
	return newErr(KindUnauthenticated, "auth", message, nil)
}

func NewForbiddenError(message string) *Error {
	return newErr(KindForbidden, "auth", message, nil)
}

func NewRateLimitedError(retryAfter time.Duration) *Error {
	e := newErr(KindRateLimited, "ratelimit", fmt.Sprintf("retry after %v", retryAfter), nil)
	e.RetryAfter = retryAfter
	return e
}

func NewInternalError(message string, cause error) *Error {
	return newErr(KindInternal, "handle", message, cause)
}

// IsTimeoutError reports whether err is a timeout at any layer: our own
// classified error, a net.Error timeout, or a cancelled context deadline.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTimeout || e.Kind == KindUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsTemporaryError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
