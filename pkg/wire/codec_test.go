package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whileendless/gatewaycore/pkg/buffer"
	"github.com/whileendless/gatewaycore/pkg/streampair"
)

func TestReadRequestLineParsesMethodTargetVersion(t *testing.T) {
	r := streampair.NewReader(bytes.NewBufferString("GET /foo?bar=1 HTTP/1.1\r\n"))
	method, target, version, err := ReadRequestLine(r)
	require.NoError(t, err)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/foo?bar=1", target)
	assert.Equal(t, HTTP11, version)
}

func TestReadRequestLineRejectsMalformedLine(t *testing.T) {
	r := streampair.NewReader(bytes.NewBufferString("GET /foo\r\n"))
	_, _, _, err := ReadRequestLine(r)
	assert.Error(t, err)
}

func TestReadRequestLineRejectsEmptyTarget(t *testing.T) {
	r := streampair.NewReader(bytes.NewBufferString("GET  HTTP/1.1\r\n"))
	_, _, _, err := ReadRequestLine(r)
	assert.Error(t, err)
}

func TestReadStatusLineParsesCodeAndReason(t *testing.T) {
	r := streampair.NewReader(bytes.NewBufferString("HTTP/1.1 404 Not Found\r\n"))
	version, code, reason, err := ReadStatusLine(r)
	require.NoError(t, err)
	assert.Equal(t, HTTP11, version)
	assert.Equal(t, 404, code)
	assert.Equal(t, "Not Found", reason)
}

func TestReadStatusLineAllowsEmptyReason(t *testing.T) {
	r := streampair.NewReader(bytes.NewBufferString("HTTP/1.1 204\r\n"))
	_, code, reason, err := ReadStatusLine(r)
	require.NoError(t, err)
	assert.Equal(t, 204, code)
	assert.Equal(t, "", reason)
}

func TestReadHeadersRejectsContinuationLines(t *testing.T) {
	r := streampair.NewReader(bytes.NewBufferString("X-Foo: bar\r\n baz\r\n\r\n"))
	_, err := ReadHeaders(r)
	assert.Error(t, err)
}

func TestReadHeadersStopsAtBlankLine(t *testing.T) {
	r := streampair.NewReader(bytes.NewBufferString("X-Foo: bar\r\nX-Baz: qux\r\n\r\nbody follows"))
	h, err := ReadHeaders(r)
	require.NoError(t, err)
	assert.Equal(t, "bar", h.Get("X-Foo"))
	assert.Equal(t, "qux", h.Get("X-Baz"))
}

func TestReadBodyRejectsContentLengthAndChunkedTogether(t *testing.T) {
	r := streampair.NewReader(bytes.NewBufferString(""))
	h, err := ReadHeaders(streampair.NewReader(bytes.NewBufferString("Content-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n")))
	require.NoError(t, err)
	dst := buffer.New(1024)
	defer dst.Close()
	err = ReadBody(r, dst, h, "POST", 0, false, nil)
	assert.Error(t, err)
}

func TestParseRequestContentLengthFraming(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	r := streampair.NewReader(bytes.NewBufferString(raw))
	req, err := ParseRequest(r, 1<<20)
	require.NoError(t, err)
	defer req.Body.Close()
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/submit", req.Target)
	body, err := req.Body.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), body)
}

func TestParseRequestNoBodyWhenFramingAbsent(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	r := streampair.NewReader(bytes.NewBufferString(raw))
	req, err := ParseRequest(r, 1<<20)
	require.NoError(t, err)
	defer req.Body.Close()
	assert.Equal(t, int64(0), req.Body.Size())
}

func TestParseResponseUntilCloseFraming(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-Foo: bar\r\n\r\nthe rest of the body"
	r := streampair.NewReader(bytes.NewBufferString(raw))
	resp, err := ParseResponse(r, "GET", 1<<20)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := resp.Body.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "the rest of the body", string(body))
}

func TestParseResponseHeadHasNoBodyDespiteContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	r := streampair.NewReader(bytes.NewBufferString(raw))
	resp, err := ParseResponse(r, "HEAD", 1<<20)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, int64(0), resp.Body.Size())
}

func TestParseResponse304HasNoBody(t *testing.T) {
	raw := "HTTP/1.1 304 Not Modified\r\n\r\n"
	r := streampair.NewReader(bytes.NewBufferString(raw))
	resp, err := ParseResponse(r, "GET", 1<<20)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, int64(0), resp.Body.Size())
}
