package httpframe

import "strings"

// Header is an ordered multimap of HTTP header fields. Insertion order is
// preserved for emission; lookups are case-insensitive.
type Header struct {
	pairs []headerPair
}

type headerPair struct {
	name  string
	value string
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{}
}

// Add appends a header field, preserving any existing field of the same
// name (use Set to replace).
func (h *Header) Add(name, value string) {
	h.pairs = append(h.pairs, headerPair{name: name, value: value})
}

// Set replaces all existing values for name with a single value.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every field matching name (case-insensitive).
func (h *Header) Del(name string) {
	out := h.pairs[:0]
	for _, p := range h.pairs {
		if !strings.EqualFold(p.name, name) {
			out = append(out, p)
		}
	}
	h.pairs = out
}

// Get returns the first value for name (case-insensitive), and whether it
// was present.
func (h *Header) Get(name string) (string, bool) {
	for _, p := range h.pairs {
		if strings.EqualFold(p.name, name) {
			return p.value, true
		}
	}
	return "", false
}

// GetDefault returns Get's value or def if absent.
func (h *Header) GetDefault(name, def string) string {
	if v, ok := h.Get(name); ok {
		return v
	}
	return def
}

// Len reports the number of fields (counting repeats).
func (h *Header) Len() int {
	return len(h.pairs)
}

// Each calls fn for every field in insertion order.
func (h *Header) Each(fn func(name, value string)) {
	for _, p := range h.pairs {
		fn(p.name, p.value)
	}
}
