package headers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersGetSetIsCaseInsensitive(t *testing.T) {
	h := New()
	h.Set("content-type", "text/plain")
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
	assert.True(t, h.Has("CONTENT-TYPE"))
}

func TestHeadersAddPreservesMultipleValues(t *testing.T) {
	h := New()
	h.Add("X-Forwarded-For", "1.1.1.1")
	h.Add("X-Forwarded-For", "2.2.2.2")
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, h.Values("X-Forwarded-For"))
}

func TestHeadersSetReplacesExistingValues(t *testing.T) {
	h := New()
	h.Add("X-Custom", "a")
	h.Add("X-Custom", "b")
	h.Set("X-Custom", "c")
	assert.Equal(t, []string{"c"}, h.Values("X-Custom"))
}

func TestHeadersDelRemovesValuesAndOrderEntry(t *testing.T) {
	h := New()
	h.Set("X-One", "1")
	h.Set("X-Two", "2")
	h.Del("X-One")
	assert.False(t, h.Has("X-One"))
	assert.Equal(t, []string{"X-Two"}, h.Names())
}

func TestHeadersJoinedKeepsSetCookieSeparate(t *testing.T) {
	h := New()
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	joined, ok := h.Joined("Set-Cookie")
	assert.True(t, ok)
	assert.Equal(t, "a=1", joined, "Joined must not comma-merge Set-Cookie")
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
}

func TestHeadersJoinedCommaJoinsOrdinaryHeaders(t *testing.T) {
	h := New()
	h.Add("Accept", "text/html")
	h.Add("Accept", "application/json")
	joined, ok := h.Joined("Accept")
	assert.True(t, ok)
	assert.Equal(t, "text/html, application/json", joined)
}

func TestHeadersJoinedFalseWhenAbsent(t *testing.T) {
	h := New()
	_, ok := h.Joined("X-Missing")
	assert.False(t, ok)
}

func TestHeadersNamesPreservesFirstSeenOrder(t *testing.T) {
	h := New()
	h.Set("Z-Header", "1")
	h.Set("A-Header", "2")
	h.Add("Z-Header", "3")
	assert.Equal(t, []string{"Z-Header", "A-Header"}, h.Names())
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := New()
	h.Set("X-One", "1")
	clone := h.Clone()
	clone.Set("X-One", "2")
	assert.Equal(t, "1", h.Get("X-One"))
	assert.Equal(t, "2", clone.Get("X-One"))
}

func TestHeadersWriteToFormatsWireLines(t *testing.T) {
	h := New()
	h.Set("Content-Type", "text/plain")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	var b strings.Builder
	h.WriteTo(&b)
	out := b.String()
	assert.Contains(t, out, "Content-Type: text/plain\r\n")
	assert.Contains(t, out, "Set-Cookie: a=1\r\n")
	assert.Contains(t, out, "Set-Cookie: b=2\r\n")
}

func TestHeadersSortedNames(t *testing.T) {
	h := New()
	h.Set("Zebra", "1")
	h.Set("Apple", "2")
	assert.Equal(t, []string{"Apple", "Zebra"}, h.SortedNames())
}
