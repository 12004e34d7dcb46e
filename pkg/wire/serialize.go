package wire

import (
	"strconv"
	"strings"

	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/streampair"
)

// WriteRequestLine writes "METHOD target HTTP/major.minor\r\n".
func WriteRequestLine(w *streampair.Writer, method, target string, version Version) error {
	return w.WriteString(method + " " + target + " " + version.String() + "\r\n")
}

// WriteStatusLine writes "HTTP/major.minor code reason\r\n".
func WriteStatusLine(w *streampair.Writer, version Version, code int, reason string) error {
	var b strings.Builder
	b.WriteString(version.String())
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(code))
	if reason != "" {
		b.WriteByte(' ')
		b.WriteString(reason)
	}
	b.WriteString("\r\n")
	return w.WriteString(b.String())
}

// WriteHeaders serializes h followed by the terminating blank line.
func WriteHeaders(w *streampair.Writer, h *headers.Headers) error {
	var b strings.Builder
	h.WriteTo(&b)
	b.WriteString("\r\n")
	return w.WriteString(b.String())
}

// WriteBody writes bodyBytes as one chunk plus the terminating
// zero-size chunk when chunked is set (an empty body writes only the
// terminator), or as raw bytes otherwise, where an empty body writes
// nothing (the caller is responsible for a matching Content-Length, per
// the framing rules in codec.go).
func WriteBody(w *streampair.Writer, bodyBytes []byte, chunked bool) error {
	if chunked {
		return writeChunkedBody(w, bodyBytes)
	}
	if len(bodyBytes) == 0 {
		return nil
	}
	return w.WriteBytes(bodyBytes)
}

// WriteRequest serializes req in full: request line, headers, body.
// The caller must have already set Content-Length or
// Transfer-Encoding: chunked on req.Headers to match useChunked.
func WriteRequest(w *streampair.Writer, req *Request, useChunked bool) error {
	if err := WriteRequestLine(w, req.Method, req.Target, req.Version); err != nil {
		return err
	}
	if err := WriteHeaders(w, req.Headers); err != nil {
		return err
	}
	if req.Body != nil {
		body, err := req.Body.Snapshot()
		if err != nil {
			return errors.NewIOError("snapshotting request body", err)
		}
		if err := WriteBody(w, body, useChunked); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteResponse serializes resp in full: status line, headers, body.
func WriteResponse(w *streampair.Writer, resp *Response, method string, useChunked bool) error {
	if err := WriteStatusLine(w, resp.Version, resp.StatusCode, resp.Reason); err != nil {
		return err
	}
	if err := WriteHeaders(w, resp.Headers); err != nil {
		return err
	}
	if method != "HEAD" && CanHaveBody(resp.StatusCode) && resp.Body != nil {
		body, err := resp.Body.Snapshot()
		if err != nil {
			return errors.NewIOError("snapshotting response body", err)
		}
		if err := WriteBody(w, body, useChunked); err != nil {
			return err
		}
	}
	return w.Flush()
}
