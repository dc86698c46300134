// Package transport defines the request and response views the session
// recipe needs from a web framework, and implements them for net/http.
//
// Framework adapters wrap the native request/response once; wrapping a value
// that is already a wrapper returns it unchanged, so helpers can call the
// Wrap functions freely.
package transport

import (
	"net/http"
	"slices"
	"strings"
)

// Request is the read side of an HTTP exchange. Absent values are "".
type Request interface {
	Header(name string) string
	Cookie(name string) string
	Method() string
}

// Response is the write side of an HTTP exchange. Both methods may be called
// repeatedly: a cookie replaces an earlier cookie of the same name and a
// duplicate-allowed header value is only appended once.
type Response interface {
	SetHeader(name, value string, allowDuplicate bool)
	SetCookie(c *http.Cookie)
}

// HTTPRequest adapts *http.Request.
type HTTPRequest struct {
	r *http.Request
}

var _ Request = (*HTTPRequest)(nil)

// WrapRequest returns a Request view of r.
func WrapRequest(r *http.Request) *HTTPRequest { return &HTTPRequest{r: r} }

// Raw returns the wrapped request.
func (h *HTTPRequest) Raw() *http.Request { return h.r }

func (h *HTTPRequest) Header(name string) string { return h.r.Header.Get(name) }

func (h *HTTPRequest) Cookie(name string) string {
	c, err := h.r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *HTTPRequest) Method() string { return h.r.Method }

// HTTPResponse adapts http.ResponseWriter. It is itself an
// http.ResponseWriter so handlers further down the chain can keep using it.
type HTTPResponse struct {
	http.ResponseWriter
}

var _ Response = (*HTTPResponse)(nil)

// WrapResponse returns a Response view of w. Wrapping an *HTTPResponse
// returns it unchanged.
func WrapResponse(w http.ResponseWriter) *HTTPResponse {
	if hr, ok := w.(*HTTPResponse); ok {
		return hr
	}
	return &HTTPResponse{ResponseWriter: w}
}

// Unwrap supports http.ResponseController.
func (h *HTTPResponse) Unwrap() http.ResponseWriter { return h.ResponseWriter }

func (h *HTTPResponse) SetHeader(name, value string, allowDuplicate bool) {
	hdr := h.Header()
	existing := hdr.Get(name)
	if !allowDuplicate || existing == "" {
		hdr.Set(name, value)
		return
	}
	if slices.Contains(SplitList(existing), value) {
		return
	}
	hdr.Set(name, existing+", "+value)
}

func (h *HTTPResponse) SetCookie(c *http.Cookie) {
	hdr := h.Header()
	kept := hdr.Values("Set-Cookie")[:0:0]
	for _, line := range hdr.Values("Set-Cookie") {
		if prev, err := http.ParseSetCookie(line); err == nil && prev.Name == c.Name {
			continue
		}
		kept = append(kept, line)
	}
	hdr.Del("Set-Cookie")
	for _, line := range kept {
		hdr.Add("Set-Cookie", line)
	}
	if v := c.String(); v != "" {
		hdr.Add("Set-Cookie", v)
	}
}

// SplitList splits a comma separated header value, trimming whitespace.
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
