// Package httpwire reads HTTP/1.x responses off a raw connection into
// response envelopes. The standard library parser canonicalizes header
// names and reorders them; traffic history must keep the bytes the
// origin actually sent, so the reading is done here.
package httpwire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/unicornbottle/ub-httpproxy/pkg/envelope"
)

// maxHeaderBytes bounds the response head to keep a hostile origin
// from ballooning memory.
const maxHeaderBytes = 1 << 20

// ReadResponse parses one HTTP/1.x response from r. requestMethod
// decides whether a body is expected (HEAD never has one). Header
// order, casing and duplicates are preserved byte-exact.
func ReadResponse(r *bufio.Reader, requestMethod []byte) (*envelope.Response, error) {
	version, status, reason, err := readStatusLine(r)
	if err != nil {
		return nil, err
	}

	headers, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}

	resp := &envelope.Response{
		HTTPVersion: version,
		StatusCode:  status,
		Reason:      reason,
		Headers:     headers,
	}

	if !bodyExpected(requestMethod, status) {
		resp.Content = []byte{}
		return resp, nil
	}

	switch {
	case isChunked(headers):
		body, trailers, err := readChunkedBody(r)
		if err != nil {
			return nil, err
		}
		resp.Content = body
		resp.Trailers = trailers
	case hasContentLength(headers):
		n, err := contentLength(headers)
		if err != nil {
			return nil, err
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("httpwire: short body: %w", err)
		}
		resp.Content = body
	default:
		// No framing: the origin signals the end by closing.
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("httpwire: read to EOF: %w", err)
		}
		resp.Content = body
	}
	return resp, nil
}

func readStatusLine(r *bufio.Reader) (version []byte, status int, reason []byte, err error) {
	line, err := readLine(r)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("httpwire: status line: %w", err)
	}
	// "HTTP/1.1 404 Not Found" — the reason phrase may be empty.
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 || !bytes.HasPrefix(parts[0], []byte("HTTP/")) {
		return nil, 0, nil, fmt.Errorf("httpwire: malformed status line %q", line)
	}
	status, convErr := strconv.Atoi(string(parts[1]))
	if convErr != nil || status < 100 || status > 999 {
		return nil, 0, nil, fmt.Errorf("httpwire: malformed status code %q", parts[1])
	}
	reason = []byte{}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], status, reason, nil
}

func readHeaderBlock(r *bufio.Reader) ([]envelope.Header, error) {
	var headers []envelope.Header
	total := 0
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("httpwire: header block: %w", err)
		}
		if len(line) == 0 {
			return headers, nil
		}
		total += len(line)
		if total > maxHeaderBytes {
			return nil, fmt.Errorf("httpwire: header block exceeds %d bytes", maxHeaderBytes)
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("httpwire: malformed header line %q", line)
		}
		name := line[:colon]
		value := bytes.TrimLeft(line[colon+1:], " \t")
		headers = append(headers, envelope.Header{
			Name:  append([]byte(nil), name...),
			Value: append([]byte(nil), value...),
		})
	}
}

// readLine reads one CRLF- or LF-terminated line, without the
// terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

func bodyExpected(requestMethod []byte, status int) bool {
	if bytes.EqualFold(requestMethod, []byte("HEAD")) {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

func isChunked(headers []envelope.Header) bool {
	for _, h := range headers {
		if strings.EqualFold(string(h.Name), "Transfer-Encoding") &&
			strings.Contains(strings.ToLower(string(h.Value)), "chunked") {
			return true
		}
	}
	return false
}

func hasContentLength(headers []envelope.Header) bool {
	for _, h := range headers {
		if strings.EqualFold(string(h.Name), "Content-Length") {
			return true
		}
	}
	return false
}

func contentLength(headers []envelope.Header) (int64, error) {
	for _, h := range headers {
		if strings.EqualFold(string(h.Name), "Content-Length") {
			n, err := strconv.ParseInt(strings.TrimSpace(string(h.Value)), 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("httpwire: bad Content-Length %q", h.Value)
			}
			return n, nil
		}
	}
	return 0, nil
}

// readChunkedBody decodes a chunked body and any trailer block after
// the zero-size chunk.
func readChunkedBody(r *bufio.Reader) ([]byte, []envelope.Header, error) {
	var body bytes.Buffer
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, nil, fmt.Errorf("httpwire: chunk size: %w", err)
		}
		// Chunk extensions after ';' are ignored.
		sizeField := line
		if i := bytes.IndexByte(sizeField, ';'); i >= 0 {
			sizeField = sizeField[:i]
		}
		size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeField)), 16, 64)
		if err != nil || size < 0 {
			return nil, nil, fmt.Errorf("httpwire: bad chunk size %q", line)
		}
		if size == 0 {
			trailers, err := readHeaderBlock(r)
			if err != nil {
				return nil, nil, err
			}
			return body.Bytes(), trailers, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, nil, fmt.Errorf("httpwire: short chunk: %w", err)
		}
		body.Write(chunk)
		// The CRLF closing the chunk data.
		if _, err := readLine(r); err != nil {
			return nil, nil, fmt.Errorf("httpwire: chunk terminator: %w", err)
		}
	}
}
