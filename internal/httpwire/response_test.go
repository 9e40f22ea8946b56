package httpwire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadResponse_ContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Date: Mon, 27 Jul 2009 12:28:53 GMT\r\n" +
		"Server: Apache/2.2.14 (Win32)\r\n" +
		"Content-Length: 2\r\n" +
		"Content-Type: text/html\r\n" +
		"Connection: Closed\r\n" +
		"\r\n" +
		"OK"

	resp, err := ReadResponse(reader(raw), []byte("GET"))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Reason) != "OK" {
		t.Errorf("reason = %q, want OK", resp.Reason)
	}
	if string(resp.Content) != "OK" {
		t.Errorf("content = %q, want OK", resp.Content)
	}
	if len(resp.Headers) != 5 {
		t.Fatalf("got %d headers, want 5", len(resp.Headers))
	}
	// First header exactly as sent, order preserved.
	if string(resp.Headers[0].Name) != "Date" {
		t.Errorf("first header = %q, want Date", resp.Headers[0].Name)
	}
	if string(resp.Headers[4].Name) != "Connection" {
		t.Errorf("last header = %q, want Connection", resp.Headers[4].Name)
	}
}

func TestReadResponse_PreservesCasingAndDuplicates(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"x-custom: one\r\n" +
		"X-CUSTOM: two\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	resp, err := ReadResponse(reader(raw), []byte("GET"))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if string(resp.Headers[0].Name) != "x-custom" || string(resp.Headers[1].Name) != "X-CUSTOM" {
		t.Errorf("header casing not preserved: %q, %q", resp.Headers[0].Name, resp.Headers[1].Name)
	}
	if string(resp.Headers[0].Value) != "one" || string(resp.Headers[1].Value) != "two" {
		t.Errorf("duplicate header values mangled: %q, %q", resp.Headers[0].Value, resp.Headers[1].Value)
	}
}

func TestReadResponse_Chunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\n" +
		"X-Trailer: yes\r\n" +
		"\r\n"

	resp, err := ReadResponse(reader(raw), []byte("GET"))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if string(resp.Content) != "hello world" {
		t.Errorf("content = %q, want %q", resp.Content, "hello world")
	}
	if len(resp.Trailers) != 1 || string(resp.Trailers[0].Name) != "X-Trailer" {
		t.Errorf("trailers = %v, want X-Trailer", resp.Trailers)
	}
}

func TestReadResponse_UntilEOF(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"no framing here"

	resp, err := ReadResponse(reader(raw), []byte("GET"))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if string(resp.Content) != "no framing here" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestReadResponse_HeadHasNoBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Content-Length: 1563\r\n" +
		"\r\n"

	resp, err := ReadResponse(reader(raw), []byte("HEAD"))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if len(resp.Content) != 0 {
		t.Errorf("HEAD response carried %d body bytes", len(resp.Content))
	}
	cl, ok := resp.HeaderValue("Content-Length")
	if !ok || string(cl) != "1563" {
		t.Errorf("Content-Length header = %q, %v", cl, ok)
	}
}

func TestReadResponse_NoBodyStatuses(t *testing.T) {
	for _, status := range []string{"204 No Content", "304 Not Modified"} {
		raw := "HTTP/1.1 " + status + "\r\n\r\n"
		resp, err := ReadResponse(reader(raw), []byte("GET"))
		if err != nil {
			t.Fatalf("ReadResponse %s: %v", status, err)
		}
		if len(resp.Content) != 0 {
			t.Errorf("%s response carried a body", status)
		}
	}
}

func TestReadResponse_EmptyReason(t *testing.T) {
	raw := "HTTP/1.1 200\r\nContent-Length: 0\r\n\r\n"
	resp, err := ReadResponse(reader(raw), []byte("GET"))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if len(resp.Reason) != 0 {
		t.Errorf("reason = %q, want empty", resp.Reason)
	}
}

func TestReadResponse_Binary(t *testing.T) {
	body := []byte{0x00, 0xff, 0x13, 0x37}
	raw := append([]byte("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\n"), body...)

	resp, err := ReadResponse(bufio.NewReader(bytes.NewReader(raw)), []byte("GET"))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !bytes.Equal(resp.Content, body) {
		t.Errorf("content = %v, want %v", resp.Content, body)
	}
}

func TestReadResponse_Malformed(t *testing.T) {
	cases := []string{
		"garbage\r\n\r\n",
		"HTTP/1.1\r\n\r\n",
		"HTTP/1.1 banana OK\r\n\r\n",
		"HTTP/1.1 200 OK\r\nno-colon-here\r\n\r\n",
	}
	for _, raw := range cases {
		if _, err := ReadResponse(reader(raw), []byte("GET")); err == nil {
			t.Errorf("ReadResponse(%q) succeeded, want error", raw)
		}
	}
}
