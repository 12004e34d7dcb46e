// Package httpengine drives one HTTP/1.1 connection sequentially,
// symmetrically from either the server or client side: read a message,
// optionally write one, decide whether the connection survives for
// another exchange. It is a thin orchestration layer over pkg/wire
// (message model, codec) and pkg/streampair (the buffered reader/writer
// pair).
package httpengine

import (
	"io"
	"net"
	"strings"

	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/streampair"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// Engine bundles a connection's stream pair; it holds no message state
// of its own, so a single Engine can drive an unbounded sequence of
// request/response exchanges.
type Engine struct {
	Reader *streampair.Reader
	Writer *streampair.Writer
}

// New wraps a raw connection (or any io.ReadWriter) for sequential
// HTTP/1.1 traffic.
func New(rw io.ReadWriter) *Engine {
	return &Engine{
		Reader: streampair.NewReader(rw),
		Writer: streampair.NewWriter(rw),
	}
}

// NewSplit wraps a separate reader and writer, for the dual-connection
// wrapper types (e.g. tls.Conn implements both on one object, but a
// test harness may want independent pipes).
func NewSplit(r io.Reader, w io.Writer) *Engine {
	return &Engine{Reader: streampair.NewReader(r), Writer: streampair.NewWriter(w)}
}

// ReadRequest reads one full request (line, headers, body) and
// classifies any I/O failure.
func (e *Engine) ReadRequest(bodyMemLimit int64) (*wire.Request, error) {
	req, err := wire.ParseRequest(e.Reader, bodyMemLimit)
	if err != nil {
		return nil, Classify(err, "reading request")
	}
	return req, nil
}

// ReadResponse reads one full response for a request made with method.
func (e *Engine) ReadResponse(method string, bodyMemLimit int64) (*wire.Response, error) {
	resp, err := wire.ParseResponse(e.Reader, method, bodyMemLimit)
	if err != nil {
		return nil, Classify(err, "reading response")
	}
	return resp, nil
}

// WriteRequest serializes and flushes req.
func (e *Engine) WriteRequest(req *wire.Request, useChunked bool) error {
	if err := wire.WriteRequest(e.Writer, req, useChunked); err != nil {
		return Classify(err, "writing request")
	}
	return nil
}

// WriteResponse serializes and flushes resp.
func (e *Engine) WriteResponse(resp *wire.Response, method string, useChunked bool) error {
	if err := wire.WriteResponse(e.Writer, resp, method, useChunked); err != nil {
		return Classify(err, "writing response")
	}
	return nil
}

// KeepAlive determines whether the connection survives this exchange:
// HTTP/1.1 defaults to keep-alive unless Connection: close is present;
// HTTP/1.0 defaults to close unless Connection: keep-alive is present.
func KeepAlive(version wire.Version, h *headers.Headers) bool {
	conn := strings.ToLower(h.Get("Connection"))
	tokens := splitCommaList(conn)

	if version == wire.HTTP11 {
		return !containsToken(tokens, "close")
	}
	return containsToken(tokens, "keep-alive")
}

// UseChunked decides whether an outbound message with an unknown final
// length (e.g. a streamed upstream response) should use chunked framing
// rather than close-delimited framing: chunked for HTTP/1.1 peers only,
// since HTTP/1.0 does not understand Transfer-Encoding.
func UseChunked(version wire.Version) bool {
	return version == wire.HTTP11
}

func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func containsToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

// Classify maps a streampair/wire I/O error into one of the engine's
// connection-fatal categories: IO, Malformed, Timeout and a premature
// close are all fatal to the connection.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}

	if already, ok := err.(*errors.Error); ok {
		return already
	}

	if err == io.ErrUnexpectedEOF {
		return errors.Wrap(errors.KindIO, op, "connection closed mid-message", err)
	}
	if err == io.EOF {
		return errors.Wrap(errors.KindIO, op, "connection closed", err)
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errors.Wrap(errors.KindTimeout, op, "connection timed out", err)
	}

	return errors.NewIOError(op, err)
}
