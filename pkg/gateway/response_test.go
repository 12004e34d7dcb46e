package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whileendless/gatewaycore/pkg/cache"
	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/wire"
)

func TestRenderErrorCanonicalBody(t *testing.T) {
	err := errors.NewNotFoundError("/missing")
	resp := RenderError(wire.HTTP11, err)

	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))

	var body errorBody
	data, readErr := resp.Body.Snapshot()
	require.NoError(t, readErr)
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "not_found", body.Error)
	assert.Equal(t, 404, body.StatusCode)
}

func TestRenderErrorSetsConnectionCloseOnFatalKind(t *testing.T) {
	resp := RenderError(wire.HTTP11, errors.NewInternalError("boom", nil))
	assert.Equal(t, "close", resp.Headers.Get("Connection"))
}

func TestRenderErrorSetsRetryAfterOnRateLimited(t *testing.T) {
	resp := RenderError(wire.HTTP11, errors.NewRateLimitedError(30*time.Second))
	assert.Equal(t, "30", resp.Headers.Get("Retry-After"))
}

func TestCachedResponseStampsAgeHeader(t *testing.T) {
	entry := &cache.Entry{
		StatusCode:   200,
		Reason:       "OK",
		HeaderNames:  []string{"Content-Type"},
		HeaderValues: map[string][]string{"Content-Type": {"text/plain"}},
		Body:         []byte("hello"),
		StoredAt:     time.Now().Add(-10 * time.Second),
	}

	resp := cachedResponse(wire.HTTP11, entry)
	assert.Equal(t, 200, resp.StatusCode)
	age := resp.Headers.Get("Age")
	assert.NotEqual(t, "", age)
	data, err := resp.Body.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}
