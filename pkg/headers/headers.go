// Package headers implements the case-insensitive, multi-value header
// map shared by requests, responses, and every middleware that reads or
// rewrites them.
package headers

import (
	"net/textproto"
	"sort"
	"strings"
)

// setCookie is the one header name that must never be comma-joined: each
// occurrence is a distinct cookie-setting instruction and HTTP requires
// they stay on separate lines.
const setCookie = "Set-Cookie"

// Headers is an ordered-by-insertion, case-insensitive multi-value map.
// The zero value is not usable; use New.
type Headers struct {
	order  []string            // canonical names, insertion order, first-seen
	values map[string][]string // canonical name -> values in arrival order
}

// New returns an empty header map.
func New() *Headers {
	return &Headers{values: make(map[string][]string)}
}

func canon(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Add appends a value under name, preserving any existing values.
func (h *Headers) Add(name, value string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces all values under name with a single value.
func (h *Headers) Set(name, value string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = []string{value}
}

// Del removes every value under name.
func (h *Headers) Del(name string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Get returns the first value under name; any further values are not
// included (Joined comma-joins them, Values returns them all).
func (h *Headers) Get(name string) string {
	vals := h.Values(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Values returns all raw values under name, in arrival order.
func (h *Headers) Values(name string) []string {
	return h.values[canon(name)]
}

// Joined returns the values under name combined per the single
// logical-header rule: comma-joined for ordinary headers; for Set-Cookie
// only the first value is returned (Values returns them all).
func (h *Headers) Joined(name string) (string, bool) {
	vals := h.values[canon(name)]
	if len(vals) == 0 {
		return "", false
	}
	if canon(name) == setCookie {
		return vals[0], true
	}
	return strings.Join(vals, ", "), true
}

// Has reports whether name has at least one value.
func (h *Headers) Has(name string) bool {
	return len(h.values[canon(name)]) > 0
}

// Names returns canonical header names in first-seen order.
func (h *Headers) Names() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Clone deep-copies the header map.
func (h *Headers) Clone() *Headers {
	out := New()
	out.order = append([]string(nil), h.order...)
	for k, v := range h.values {
		out.values[k] = append([]string(nil), v...)
	}
	return out
}

// WriteTo appends this header map's wire representation (each logical
// header as "Name: value\r\n", Set-Cookie repeated per value) to buf.
func (h *Headers) WriteTo(buf *strings.Builder) {
	for _, name := range h.order {
		vals := h.values[name]
		if name == setCookie {
			for _, v := range vals {
				buf.WriteString(name)
				buf.WriteString(": ")
				buf.WriteString(v)
				buf.WriteString("\r\n")
			}
			continue
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(strings.Join(vals, ", "))
		buf.WriteString("\r\n")
	}
}

// SortedNames returns header names sorted lexicographically.
func (h *Headers) SortedNames() []string {
	names := h.Names()
	sort.Strings(names)
	return names
}
