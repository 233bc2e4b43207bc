package http

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Headers is an ordered header multimap with case-insensitive names.
// Duplicates are kept in arrival order.
type Headers struct {
	fields []Field
}

func NewHeaders(fields ...Field) Headers {
	h := Headers{}
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every value of name with value.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

func (h *Headers) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Get returns the first value of name.
func (h Headers) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

func (h Headers) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// HasToken reports whether any comma separated element of name equals
// token, case-insensitively (e.g. "Connection: keep-alive, Upgrade").
func (h Headers) HasToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

func (h Headers) Len() int { return len(h.fields) }

// Fields returns a copy of the fields in arrival order.
func (h Headers) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

func (h Headers) Clone() Headers {
	return Headers{fields: h.Fields()}
}

var ErrInvalidField = errors.New("invalid header field")

// Validate checks every field against the token and field-value grammar.
func (h Headers) Validate() error {
	for _, f := range h.fields {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return errors.Wrapf(ErrInvalidField, "name %q", f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return errors.Wrapf(ErrInvalidField, "value of %q", f.Name)
		}
	}
	return nil
}
