// Package wire implements the HTTP/1.1 message model and codec: request
// and status lines, headers, and the three body-framing strategies
// (chunked, content-length, close-delimited). It never talks to a
// socket directly (see pkg/streampair for that), so it can be fuzzed
// and round-tripped in isolation.
package wire

import (
	"fmt"
	"strings"

	"github.com/whileendless/gatewaycore/pkg/buffer"
	"github.com/whileendless/gatewaycore/pkg/headers"
)

// Version is an HTTP major.minor pair; only 1.0 and 1.1 are accepted.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("HTTP/%d.%d", v.Major, v.Minor)
}

// HTTP11 and HTTP10 are the only versions this engine speaks.
var (
	HTTP11 = Version{1, 1}
	HTTP10 = Version{1, 0}
)

// Request is a parsed or to-be-serialized HTTP/1.1 request.
type Request struct {
	Method  string
	Target  string // absolute-path + optional "?query"
	Version Version
	Headers *headers.Headers
	Body    *buffer.Buffer // nil if the request has no body
}

// Response is a parsed or to-be-serialized HTTP/1.1 response.
type Response struct {
	Version    Version
	StatusCode int
	Reason     string
	Headers    *headers.Headers
	Body       *buffer.Buffer
}

// CanHaveBody reports whether a response with this status code is
// permitted to carry a body per RFC 7230: false for 1xx, 204, and 304.
func CanHaveBody(status int) bool {
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

// IsToken reports whether s is a valid HTTP token (method names, header
// names): visible ASCII excluding delimiters and whitespace.
func IsToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r <= 0x20 || r >= 0x7f {
			return false
		}
		if strings.ContainsRune("()<>@,;:\\\"/[]?={} \t", r) {
			return false
		}
	}
	return true
}
