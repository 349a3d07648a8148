package httpx

import "strings"

// Field is one header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered set of header fields. Names compare
// case-insensitively. Setting a name that is already present replaces its
// value but keeps the first position and spelling, so the last value
// received for a duplicated header wins.
type Header struct {
	fields []Field
}

// NewHeader builds a Header from name/value pairs.
func NewHeader(pairs ...string) Header {
	var h Header
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

// Set adds name or replaces its value.
func (h *Header) Set(name, value string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			h.fields[i].Value = value
			return
		}
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Get returns the value for name.
func (h Header) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Len is the number of distinct names.
func (h Header) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the fields in order.
func (h Header) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

// Clone returns an independent copy.
func (h Header) Clone() Header {
	return Header{fields: h.Fields()}
}
