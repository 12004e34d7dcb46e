package wire

import (
	"strconv"
	"strings"

	"github.com/whileendless/gatewaycore/pkg/buffer"
	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/streampair"
)

// maxHeaderBytes bounds the header block of a single message.
const maxHeaderBytes = 64 * 1024

// maxContentLength bounds a declared content-length to guard against a
// malicious or broken peer claiming an absurd body size.
const maxContentLength = 1 << 40 // 1TB

// ReadRequestLine parses `METHOD SP target SP HTTP/major.minor` and
// rejects a non-token method, an empty target, or a non-numeric
// version.
func ReadRequestLine(r *streampair.Reader) (method, target string, version Version, err error) {
	line, err := r.ReadLine()
	if err != nil {
		return "", "", Version{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", Version{}, errors.NewMalformedError("malformed request line", nil)
	}
	method, target, verStr := parts[0], parts[1], parts[2]
	if !IsToken(method) {
		return "", "", Version{}, errors.NewMalformedError("invalid method token", nil)
	}
	if target == "" {
		return "", "", Version{}, errors.NewMalformedError("empty request target", nil)
	}
	version, err = parseVersion(verStr)
	if err != nil {
		return "", "", Version{}, err
	}
	return method, target, version, nil
}

// ReadStatusLine parses `HTTP/ver SP code SP reason`; reason may be empty.
func ReadStatusLine(r *streampair.Reader) (version Version, code int, reason string, err error) {
	line, err := r.ReadLine()
	if err != nil {
		return Version{}, 0, "", err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return Version{}, 0, "", errors.NewMalformedError("malformed status line", nil)
	}
	version, err = parseVersion(parts[0])
	if err != nil {
		return Version{}, 0, "", err
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return Version{}, 0, "", errors.NewMalformedError("invalid status code", err)
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return version, code, reason, nil
}

func parseVersion(s string) (Version, error) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(s, prefix) {
		return Version{}, errors.NewMalformedError("missing HTTP version prefix", nil)
	}
	rest := s[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return Version{}, errors.NewMalformedError("malformed HTTP version", nil)
	}
	major, err1 := strconv.Atoi(rest[:dot])
	minor, err2 := strconv.Atoi(rest[dot+1:])
	if err1 != nil || err2 != nil {
		return Version{}, errors.NewMalformedError("non-numeric HTTP version", nil)
	}
	if major != 1 || (minor != 0 && minor != 1) {
		return Version{}, errors.NewMalformedError("unsupported HTTP version", nil)
	}
	return Version{Major: major, Minor: minor}, nil
}

// ReadHeaders reads header lines up to the terminating empty line.
// Continuation (obs-fold) lines are a protocol violation and rejected
// explicitly rather than silently merged.
func ReadHeaders(r *streampair.Reader) (*headers.Headers, error) {
	h := headers.New()
	total := 0

	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, errors.NewMalformedError("reading headers", err)
		}
		total += len(line) + 2
		if total > maxHeaderBytes {
			return nil, errors.NewMalformedError("headers exceed maximum size", nil)
		}
		if line == "" {
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			return nil, errors.NewMalformedError("header continuation lines are not accepted", nil)
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, errors.NewMalformedError("malformed header line", nil)
		}
		name := line[:colon]
		if !IsToken(name) {
			return nil, errors.NewMalformedError("invalid header name", nil)
		}
		value := strings.Trim(line[colon+1:], " \t")
		h.Add(name, value)
	}

	return h, nil
}

// bodyFraming enumerates the body-framing strategies, in priority order.
type bodyFraming int

const (
	framingNone bodyFraming = iota
	framingChunked
	framingContentLength
	framingUntilClose
)

// classifyBodyFraming implements the body-framing priority rules.
// isResponse distinguishes the request-side rule (no close-delimited
// framing; absent Transfer-Encoding and Content-Length means no body)
// from the response-side rule (method HEAD / 1xx / 204 / 304 never
// have a body; otherwise an absent Transfer-Encoding and Content-Length
// means read-until-close).
func classifyBodyFraming(h *headers.Headers, method string, statusCode int, isResponse bool) (bodyFraming, int64, error) {
	if isResponse {
		noBody := method == "HEAD" || !CanHaveBody(statusCode)
		if noBody {
			return framingNone, 0, nil
		}
	}

	te := strings.ToLower(h.Get("Transfer-Encoding"))
	if strings.Contains(te, "chunked") {
		if h.Has("Content-Length") {
			// Invariant: exactly one framing rule applies; a peer
			// sending both is non-conformant and is rejected.
			return 0, 0, errors.NewMalformedError("both content-length and chunked transfer-encoding present", nil)
		}
		return framingChunked, 0, nil
	}

	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errors.NewMalformedError("invalid content-length", err)
		}
		if n > maxContentLength {
			return 0, 0, errors.NewMalformedError("content-length too large", nil)
		}
		return framingContentLength, n, nil
	}

	if isResponse {
		return framingUntilClose, 0, nil
	}
	return framingNone, 0, nil
}

// ReadBody reads a request or response body according to its framing,
// writing it into dst. allowedTrailers, if non-nil, lists lower-cased
// trailer header names to keep; all others are parsed and discarded.
func ReadBody(r *streampair.Reader, dst *buffer.Buffer, h *headers.Headers, method string, statusCode int, isResponse bool, allowedTrailers map[string]bool) error {
	framing, length, err := classifyBodyFraming(h, method, statusCode, isResponse)
	if err != nil {
		return err
	}

	switch framing {
	case framingNone:
		return nil
	case framingChunked:
		return readChunkedBody(r, dst, h, allowedTrailers)
	case framingContentLength:
		if length == 0 {
			return nil
		}
		_, err := r.CopyN(dst, length)
		if err != nil {
			return errors.NewMalformedError("reading fixed-length body", err)
		}
		return nil
	case framingUntilClose:
		_, err := r.CopyUntilEOF(dst)
		return err
	}
	return nil
}

// ParseRequest reads a full request (line, headers, body) from r.
func ParseRequest(r *streampair.Reader, bodyMemLimit int64) (*Request, error) {
	method, target, version, err := ReadRequestLine(r)
	if err != nil {
		return nil, err
	}
	h, err := ReadHeaders(r)
	if err != nil {
		return nil, err
	}
	body := buffer.New(bodyMemLimit)
	if err := ReadBody(r, body, h, method, 0, false, nil); err != nil {
		body.Close()
		return nil, err
	}
	return &Request{Method: method, Target: target, Version: version, Headers: h, Body: body}, nil
}

// ParseResponse reads a full response for a request made with method.
func ParseResponse(r *streampair.Reader, method string, bodyMemLimit int64) (*Response, error) {
	version, code, reason, err := ReadStatusLine(r)
	if err != nil {
		return nil, err
	}
	h, err := ReadHeaders(r)
	if err != nil {
		return nil, err
	}
	body := buffer.New(bodyMemLimit)
	if err := ReadBody(r, body, h, method, code, true, nil); err != nil {
		body.Close()
		return nil, err
	}
	return &Response{Version: version, StatusCode: code, Reason: reason, Headers: h, Body: body}, nil
}
