package middleware

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/whileendless/gatewaycore/pkg/reqctx"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

const scratchArrival = "logging-arrival"

// LoggingMiddleware emits one structured access-log record on arrival
// and one on completion. Severity on completion follows the response's
// status class: 5xx -> error, 4xx -> warn, everything else -> info.
type LoggingMiddleware struct {
	log zerolog.Logger
}

func NewLoggingMiddleware(log zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{log: log}
}

func (m *LoggingMiddleware) Name() string { return "logging" }

func (m *LoggingMiddleware) ProcessRequest(ctx *reqctx.RequestContext, req *wire.Request) Result {
	ctx.Set(scratchArrival, time.Now())
	m.log.Info().
		Str("request_id", ctx.ID).
		Str("method", req.Method).
		Str("uri", req.Target).
		Str("client", ctx.ClientIP()).
		Msg("request received")
	return Continue()
}

func (m *LoggingMiddleware) ProcessResponse(ctx *reqctx.RequestContext, req *wire.Request, resp *wire.Response) error {
	var duration time.Duration
	if v, ok := ctx.Get(scratchArrival); ok {
		duration = time.Since(v.(time.Time))
	}

	var bytesOut int64
	if resp.Body != nil {
		bytesOut = resp.Body.Size()
	}

	event := m.eventForStatus(resp.StatusCode)
	event.
		Str("request_id", ctx.ID).
		Int("status", resp.StatusCode).
		Dur("duration_ms", duration).
		Int64("bytes_out", bytesOut).
		Msg("request completed")
	return nil
}

func (m *LoggingMiddleware) eventForStatus(status int) *zerolog.Event {
	switch {
	case status >= 500:
		return m.log.Error()
	case status >= 400:
		return m.log.Warn()
	default:
		return m.log.Info()
	}
}
