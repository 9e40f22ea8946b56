package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func exampleRequest() *Request {
	return &Request{
		HTTPVersion: []byte("HTTP/1.1"),
		Host:        "www.testing.local",
		Port:        80,
		Scheme:      []byte("http"),
		Method:      []byte("GET"),
		Path:        []byte("/testpath"),
		Authority:   []byte{},
		Headers: []Header{
			{[]byte("User-Agent"), []byte("Wget/1.21")},
			{[]byte("Accept"), []byte("*/*")},
			{[]byte("Accept-Encoding"), []byte("identity")},
			{[]byte("Host"), []byte("www.testing.local")},
			{[]byte("Connection"), []byte("Keep-Alive")},
			{[]byte("Proxy-Connection"), []byte("Keep-Alive")},
			{[]byte("X-UB-GUID"), []byte("3935729b-c1f7-40ab-9dfc-e19b699c2eae")},
		},
		Content:        []byte{},
		TimestampStart: 1623276395.5825248,
		TimestampEnd:   1623276395.5842779,
	}
}

func exampleResponse() *Response {
	return &Response{
		HTTPVersion: []byte("HTTP/1.1"),
		StatusCode:  404,
		Reason:      []byte("Not Found"),
		Headers: []Header{
			{[]byte("Content-Type"), []byte("text/html; charset=UTF-8")},
			{[]byte("Referrer-Policy"), []byte("no-referrer")},
			{[]byte("Content-Length"), []byte("1563")},
			{[]byte("Date"), []byte("Thu, 10 Jun 2021 01:59:56 GMT")},
		},
		Content:        []byte("<!DOCTYPE html>\n<html lang=en>\n  <title>Error 404 (Not Found)!!1</title>\n"),
		TimestampStart: 1623290396.0925732,
		TimestampEnd:   1623290396.127658,
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := exampleRequest()

	wire, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	got, err := DecodeRequest(wire)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if !reflect.DeepEqual(req, got) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, req)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := exampleResponse()

	wire, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	got, err := DecodeResponse(wire)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !reflect.DeepEqual(resp, got) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, resp)
	}
}

func TestRoundTripArbitraryBytes(t *testing.T) {
	// Header values and bodies may carry any byte, including sequences
	// that are not valid UTF-8 or that collide with the sentinel prefix.
	req := exampleRequest()
	req.Headers = []Header{
		{[]byte("X-Binary"), []byte{0x00, 0xff, 0x80, 0x0a, 0x0d}},
		{[]byte("X-Binary"), []byte{0x01, 0x02}}, // duplicate key, distinct value
		{[]byte("X-Collider"), []byte("application/base64:not-actually-encoded")},
	}
	req.Content = []byte{0xde, 0xad, 0xbe, 0xef, 0x00}

	wire, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	got, err := DecodeRequest(wire)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if !reflect.DeepEqual(req.Headers, got.Headers) {
		t.Errorf("headers mismatch: got %v want %v", got.Headers, req.Headers)
	}
	if !bytes.Equal(req.Content, got.Content) {
		t.Errorf("content mismatch: got %v want %v", got.Content, req.Content)
	}
}

func TestHeaderOrderPreserved(t *testing.T) {
	req := exampleRequest()

	wire, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	got, err := DecodeRequest(wire)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	for i, h := range req.Headers {
		if !bytes.Equal(got.Headers[i].Name, h.Name) {
			t.Errorf("header %d name = %q, want %q", i, got.Headers[i].Name, h.Name)
		}
	}
}

func TestWireBodyIsText(t *testing.T) {
	req := exampleRequest()
	req.Content = []byte{0x00, 0x01, 0x02}

	wire, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if !json.Valid(wire) {
		t.Fatal("wire body is not valid JSON")
	}
	var m map[string]any
	if err := json.Unmarshal(wire, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	content, ok := m["content"].(string)
	if !ok || !strings.HasPrefix(content, "application/base64:") {
		t.Errorf("content field = %v, want sentinel-prefixed string", m["content"])
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("not json")},
		{"json scalar", []byte(`42`)},
		{"missing fields", []byte(`{"host":"example.com"}`)},
		{"bad base64", []byte(`{"http_version":"application/base64:!!!"}`)},
		{"malformed headers", []byte(`{"http_version":"application/base64:","host":"h","port":80,"scheme":"application/base64:","method":"application/base64:","path":"application/base64:","authority":"application/base64:","headers":[["only-one"]],"content":"application/base64:","trailers":null,"timestamp_start":0,"timestamp_end":0}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeRequest(tc.body)
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("DecodeRequest error = %v, want *DecodeError", err)
			}
		})
	}
}

func TestNonPrefixedStringsLeftVerbatim(t *testing.T) {
	wire, err := EncodeRequest(exampleRequest())
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	got, err := DecodeRequest(wire)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Host != "www.testing.local" {
		t.Errorf("host = %q, want www.testing.local", got.Host)
	}
}
