// Package envelope contains the structured request/response forms that
// travel between the proxy and the worker fleet, together with the wire
// codec that makes them transport-safe.
package envelope

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Header is one ordered header pair. Name and Value are byte-exact:
// duplicates, casing and arbitrary bytes are all preserved.
type Header struct {
	Name  []byte
	Value []byte
}

// Request is the structured form of an intercepted HTTP request.
// It is the boundary type of the codec: everything the worker needs to
// replay the request on a raw socket is carried here.
type Request struct {
	HTTPVersion []byte
	Host        string
	Port        int
	Scheme      []byte
	Method      []byte
	Path        []byte
	Authority   []byte
	Headers     []Header
	Content     []byte
	Trailers    []Header

	TimestampStart float64
	TimestampEnd   float64
}

// Response is the structured form of an origin response.
type Response struct {
	HTTPVersion []byte
	StatusCode  int
	Reason      []byte
	Headers     []Header
	Content     []byte
	Trailers    []Header

	TimestampStart float64
	TimestampEnd   float64
}

// HeaderValue returns the value of the first header matching name,
// compared case-insensitively. The bool reports whether it was found.
func (r *Request) HeaderValue(name string) ([]byte, bool) {
	return headerValue(r.Headers, name)
}

// HeaderValue returns the value of the first header matching name,
// compared case-insensitively.
func (r *Response) HeaderValue(name string) ([]byte, bool) {
	return headerValue(r.Headers, name)
}

func headerValue(headers []Header, name string) ([]byte, bool) {
	for _, h := range headers {
		if strings.EqualFold(string(h.Name), name) {
			return h.Value, true
		}
	}
	return nil, false
}

// StripHeader removes every occurrence of name from the header list.
func (r *Request) StripHeader(name string) {
	kept := r.Headers[:0]
	for _, h := range r.Headers {
		if !strings.EqualFold(string(h.Name), name) {
			kept = append(kept, h)
		}
	}
	r.Headers = kept
}

// AddHeader appends a header to the end of the list.
func (r *Request) AddHeader(name, value string) {
	r.Headers = append(r.Headers, Header{Name: []byte(name), Value: []byte(value)})
}

// TargetHost returns the host to dial, with any ":port" suffix stripped.
// The port always comes from the Port field; some front ends leave the
// authority port inside the host string.
func (r *Request) TargetHost() string {
	if i := strings.IndexByte(r.Host, ':'); i >= 0 {
		return r.Host[:i]
	}
	return r.Host
}

// NormalizedURL returns the canonical "scheme://host[:port]/path" form
// used as the endpoint metadata key. The query string is dropped and
// default ports are omitted.
func (r *Request) NormalizedURL() string {
	path := r.Path
	if i := bytes.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	scheme := string(r.Scheme)
	host := r.TargetHost()
	if (scheme == "http" && r.Port == 80) || (scheme == "https" && r.Port == 443) {
		return fmt.Sprintf("%s://%s%s", scheme, host, path)
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, r.Port, path)
}

// WireBytes assembles the on-wire HTTP/1.x request exactly as it will be
// written to the origin socket. Header bytes pass through untouched.
func (r *Request) WireBytes() []byte {
	var buf bytes.Buffer
	buf.Write(r.Method)
	buf.WriteByte(' ')
	buf.Write(r.Path)
	buf.WriteByte(' ')
	buf.Write(r.HTTPVersion)
	buf.WriteString("\r\n")
	for _, h := range r.Headers {
		buf.Write(h.Name)
		buf.WriteString(": ")
		buf.Write(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.Content)
	return buf.Bytes()
}

// NewSyntheticResponse builds a proxy-generated response carrying msg as
// a plain-text body. Used for the 502/504 error taxonomy, never for
// origin traffic.
func NewSyntheticResponse(status int, reason string, msg string) *Response {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	body := []byte(msg)
	return &Response{
		HTTPVersion: []byte("HTTP/1.1"),
		StatusCode:  status,
		Reason:      []byte(reason),
		Headers: []Header{
			{Name: []byte("Content-Type"), Value: []byte("text/plain; charset=utf-8")},
			{Name: []byte("Content-Length"), Value: []byte(fmt.Sprintf("%d", len(body)))},
		},
		Content:        body,
		TimestampStart: now,
		TimestampEnd:   now,
	}
}
