package middleware

import (
	"bytes"
	"compress/gzip"
	"strconv"
	"strings"

	"github.com/whileendless/gatewaycore/pkg/buffer"
	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// CompressionConfig configures response compression negotiation:
// negotiate against Accept-Encoding, skip if already encoded, too
// small, or the wrong content type.
type CompressionConfig struct {
	MinBytes      int64
	ContentTypes  []string // prefixes, e.g. "text/", "application/json"
	Level         int      // compress/gzip level, 0 means gzip.DefaultCompression
}

// CompressionMiddleware gzip-encodes eligible responses on the response
// phase; it never runs on the request phase.
type CompressionMiddleware struct {
	cfg CompressionConfig
}

func NewCompressionMiddleware(cfg CompressionConfig) *CompressionMiddleware {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 256
	}
	if cfg.Level == 0 {
		cfg.Level = gzip.DefaultCompression
	}
	return &CompressionMiddleware{cfg: cfg}
}

func (m *CompressionMiddleware) Name() string { return "compression" }

func (m *CompressionMiddleware) ProcessResponse(ctx *reqctx.RequestContext, req *wire.Request, resp *wire.Response) error {
	resp.Headers.Add("Vary", "Accept-Encoding")

	if resp.Headers.Has("Content-Encoding") {
		return nil
	}
	if !acceptsGzip(req.Headers.Get("Accept-Encoding")) {
		return nil
	}
	if !m.contentTypeEligible(resp.Headers.Get("Content-Type")) {
		return nil
	}
	if resp.Body == nil || resp.Body.Size() < m.cfg.MinBytes {
		return nil
	}

	payload, err := resp.Body.Snapshot()
	if err != nil {
		return errors.NewInternalError("reading body for compression", err)
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, m.cfg.Level)
	if err != nil {
		return errors.NewInternalError("creating gzip writer", err)
	}
	if _, err := gw.Write(payload); err != nil {
		return errors.NewInternalError("compressing body", err)
	}
	if err := gw.Close(); err != nil {
		return errors.NewInternalError("flushing gzip writer", err)
	}

	compressed := buffer.NewWithData(buf.Bytes())
	resp.Body.Close()
	resp.Body = compressed
	resp.Headers.Set("Content-Encoding", "gzip")
	resp.Headers.Set("Content-Length", strconv.Itoa(buf.Len()))
	return nil
}

func (m *CompressionMiddleware) contentTypeEligible(ct string) bool {
	if len(m.cfg.ContentTypes) == 0 {
		return true
	}
	for _, prefix := range m.cfg.ContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func acceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		token := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if token == "gzip" || token == "*" {
			return true
		}
	}
	return false
}
