// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package header provides the ordered, case-insensitive header model shared
// by the HTTP and MIME layers of AS2.
//
// A Collection keeps at most one value per header name. Names compare
// case-insensitively but keep their spelling for output, and insertion
// order is preserved when a collection is serialized.
package header

import (
	"iter"
	"net/http"
	"sort"
	"strings"
)

// Collection is an ordered, case-insensitive set of headers.
// The zero value is ready to use.
type Collection struct {
	entries []entry
	index   map[string]int
}

type entry struct {
	name  string
	value string
}

// New returns an empty collection.
func New() *Collection {
	return &Collection{}
}

// Add sets name to value. An existing header of the same name keeps its
// position and takes the new spelling and value.
func (c *Collection) Add(name, value string) {
	if c.index == nil {
		c.index = make(map[string]int)
	}
	key := strings.ToLower(name)
	if i, ok := c.index[key]; ok {
		c.entries[i] = entry{name: name, value: value}
		return
	}
	c.index[key] = len(c.entries)
	c.entries = append(c.entries, entry{name: name, value: value})
}

// AddAll copies every header of other into c.
func (c *Collection) AddAll(other *Collection) {
	if other == nil {
		return
	}
	for _, e := range other.entries {
		c.Add(e.name, e.value)
	}
}

// Get returns the value of name and whether it is present.
func (c *Collection) Get(name string) (string, bool) {
	if c == nil || c.index == nil {
		return "", false
	}
	i, ok := c.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return c.entries[i].value, true
}

// Value returns the value of name or "".
func (c *Collection) Value(name string) string {
	v, _ := c.Get(name)
	return v
}

// Has reports whether name is present.
func (c *Collection) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Remove deletes name.
func (c *Collection) Remove(name string) {
	if c.index == nil {
		return
	}
	key := strings.ToLower(name)
	i, ok := c.index[key]
	if !ok {
		return
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	delete(c.index, key)
	for k, j := range c.index {
		if j > i {
			c.index[k] = j - 1
		}
	}
}

// Len returns the number of headers.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Names returns header names in insertion order.
func (c *Collection) Names() []string {
	names := make([]string, 0, c.Len())
	for name := range c.All() {
		names = append(names, name)
	}
	return names
}

// All iterates over the headers in insertion order.
func (c *Collection) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if c == nil {
			return
		}
		for _, e := range c.entries {
			if !yield(e.name, e.value) {
				return
			}
		}
	}
}

// Clone returns an independent copy.
func (c *Collection) Clone() *Collection {
	out := New()
	out.AddAll(c)
	return out
}

// String renders the headers as "Name: value" lines joined with CRLF.
func (c *Collection) String() string {
	var b strings.Builder
	for i, e := range c.entries {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(e.name)
		b.WriteString(": ")
		b.WriteString(e.value)
	}
	return b.String()
}

// WriteTo copies the headers into h keeping their spelling.
func (c *Collection) WriteTo(h http.Header) {
	for name, value := range c.All() {
		h[name] = []string{sanitize(value)}
	}
}

// sanitize flattens line breaks, which net/http refuses in header values.
func sanitize(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.Join(strings.Fields(v), " ")
}

// ParseBlock parses a raw header block and returns the headers together
// with whatever follows the first blank line. Folded continuation lines
// are joined to the previous value with a single space.
func ParseBlock(text string) (*Collection, string) {
	block, body := Split(text)
	c := New()

	var name, value string
	flush := func() {
		if name != "" {
			c.Add(name, value)
		}
		name, value = "", ""
	}

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if name != "" {
				value = strings.TrimSpace(value + " " + strings.TrimSpace(line))
			}
			continue
		}
		flush()
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(k)
		value = strings.TrimSpace(v)
	}
	flush()

	return c, body
}

// Split cuts raw text at the first blank line. Text starting with a line
// break has no headers. Text without a blank line is
// treated as a header block with no body.
func Split(text string) (block, body string) {
	switch {
	case strings.HasPrefix(text, "\r\n"):
		return "", text[2:]
	case strings.HasPrefix(text, "\n"):
		return "", text[1:]
	}
	crlf := strings.Index(text, "\r\n\r\n")
	lf := strings.Index(text, "\n\n")
	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return text[:crlf], text[crlf+4:]
	case lf >= 0:
		return text[:lf], text[lf+2:]
	}
	return text, ""
}

// FromTransport builds a collection from CGI-style variables such as
// HTTP_AS2_FROM or CONTENT_TYPE. Other keys are ignored. Keys are processed
// in sorted order so the result is deterministic.
func FromTransport(pairs map[string]string) *Collection {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := New()
	for _, k := range keys {
		upper := strings.ToUpper(k)
		switch {
		case strings.HasPrefix(upper, "HTTP_"):
			c.Add(canonical(upper[len("HTTP_"):]), pairs[k])
		case upper == "CONTENT_TYPE" || upper == "CONTENT_LENGTH":
			c.Add(canonical(upper), pairs[k])
		}
	}
	return c
}

// FromHTTP builds a collection from request or response headers. Names are
// sorted because http.Header carries no order.
func FromHTTP(h http.Header) *Collection {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := New()
	for _, k := range keys {
		if vs := h[k]; len(vs) > 0 {
			c.Add(k, strings.Join(vs, ", "))
		}
	}
	return c
}

// canonical turns AS2_FROM into As2-From.
func canonical(key string) string {
	parts := strings.Split(strings.ToLower(key), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
