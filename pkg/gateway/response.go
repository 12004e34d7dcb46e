package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/whileendless/gatewaycore/pkg/buffer"
	"github.com/whileendless/gatewaycore/pkg/cache"
	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

// errorBody is the canonical JSON error shape returned to clients.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// RenderError builds the canonical JSON error response for any
// classified error, setting connection: close when the kind is fatal
// to the connection.
func RenderError(version wire.Version, err *errors.Error) *wire.Response {
	status := err.StatusCode()
	body, _ := json.Marshal(errorBody{
		Error:      string(err.Kind),
		Message:    err.Message,
		StatusCode: status,
	})

	h := headers.New()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if err.Fatal() {
		h.Set("Connection", "close")
	}
	if err.Kind == errors.KindRateLimited && err.RetryAfter > 0 {
		secs := int(err.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}

	return &wire.Response{
		Version:    version,
		StatusCode: status,
		Reason:     statusReason(status),
		Headers:    h,
		Body:       buffer.NewWithData(body),
	}
}

// cachedResponse rebuilds a wire.Response from a stored cache.Entry,
// stamping the synthetic Age header.
func cachedResponse(version wire.Version, e *cache.Entry) *wire.Response {
	h := headers.New()
	for _, name := range e.HeaderNames {
		for _, v := range e.HeaderValues[name] {
			h.Add(name, v)
		}
	}
	age := int(e.Age(time.Now()).Seconds())
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.Itoa(age))

	return &wire.Response{
		Version:    version,
		StatusCode: e.StatusCode,
		Reason:     e.Reason,
		Headers:    h,
		Body:       buffer.NewWithData(append([]byte(nil), e.Body...)),
	}
}

func statusReason(code int) string {
	switch code {
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return ""
	}
}
