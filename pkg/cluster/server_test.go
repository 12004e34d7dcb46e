package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemeStringReflectsPlainOrTLS(t *testing.T) {
	assert.Equal(t, "http", SchemePlain.String())
	assert.Equal(t, "https", SchemeTLS.String())
}

func TestUpstreamServerInFlightTracksIncDec(t *testing.T) {
	s := &UpstreamServer{ID: "s1", Host: "127.0.0.1", Port: 8080}
	s.incInFlight()
	s.incInFlight()
	s.decInFlight()
	assert.EqualValues(t, 1, s.InFlight())
}

func TestUpstreamServerPoolKeyReflectsSchemeHostPort(t *testing.T) {
	s := &UpstreamServer{Host: "example.com", Port: 443, Scheme: SchemeTLS}
	assert.Equal(t, PoolKey{Scheme: "https", Host: "example.com", Port: 443}, s.poolKey())
}
