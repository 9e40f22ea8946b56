package httpfront

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unicornbottle/ub-httpproxy/pkg/envelope"
)

// fakeDispatch records the envelopes it receives and replies with a
// canned response.
type fakeDispatch struct {
	mu       sync.Mutex
	requests []*envelope.Request
	reply    *envelope.Response
}

func (f *fakeDispatch) Handle(_ context.Context, req *envelope.Request) *envelope.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.reply
}

func (f *fakeDispatch) last(t *testing.T) *envelope.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request reached the dispatcher")
	}
	return f.requests[len(f.requests)-1]
}

func cannedReply() *envelope.Response {
	return &envelope.Response{
		HTTPVersion: []byte("HTTP/1.1"),
		StatusCode:  200,
		Reason:      []byte("OK"),
		Headers: []envelope.Header{
			{Name: []byte("X-Origin"), Value: []byte("fake")},
		},
		Content: []byte("intercepted"),
	}
}

func TestServePlain_ForwardProxyRequest(t *testing.T) {
	fd := &fakeDispatch{reply: cannedReply()}
	h := NewHandler(fd, nil, testLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	proxyURL, _ := url.Parse(srv.URL)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	resp, err := client.Get("http://www.testing.local:8081/some/path?q=1")
	if err != nil {
		t.Fatalf("proxied GET: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "intercepted" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Origin") != "fake" {
		t.Errorf("reply header missing: %v", resp.Header)
	}

	req := fd.last(t)
	if req.Host != "www.testing.local" || req.Port != 8081 {
		t.Errorf("target = %s:%d, want www.testing.local:8081", req.Host, req.Port)
	}
	if string(req.Scheme) != "http" {
		t.Errorf("scheme = %q", req.Scheme)
	}
	if string(req.Path) != "/some/path?q=1" {
		t.Errorf("path = %q", req.Path)
	}
	if req.TimestampStart == 0 {
		t.Error("timestamp_start not set")
	}
	if _, ok := req.HeaderValue("Host"); !ok {
		t.Error("Host header not carried in the envelope")
	}
}

func TestServePlain_PostBody(t *testing.T) {
	fd := &fakeDispatch{reply: cannedReply()}
	srv := httptest.NewServer(NewHandler(fd, nil, testLogger()))
	defer srv.Close()

	proxyURL, _ := url.Parse(srv.URL)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	resp, err := client.Post("http://www.testing.local/submit", "text/plain",
		strings.NewReader("payload bytes"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	req := fd.last(t)
	if string(req.Method) != "POST" {
		t.Errorf("method = %q", req.Method)
	}
	if string(req.Content) != "payload bytes" {
		t.Errorf("content = %q", req.Content)
	}
	if req.Port != 80 {
		t.Errorf("port = %d, want default 80", req.Port)
	}
}

func TestIntercept_ConnectRoundTrip(t *testing.T) {
	cm, err := NewCAManager(testCAConfig(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	certs := NewCertCache(cm, time.Minute, testLogger())
	fd := &fakeDispatch{reply: cannedReply()}
	srv := httptest.NewServer(NewHandler(fd, certs, testLogger()))
	defer srv.Close()

	// Open the tunnel by hand: CONNECT, then a TLS handshake that
	// trusts the interception CA, then one raw request.
	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn,
		"CONNECT secure.testing.local:8443 HTTP/1.1\r\nHost: secure.testing.local:8443\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil || !strings.Contains(status, "200") {
		t.Fatalf("CONNECT status = %q, err %v", status, err)
	}
	// Blank line ending the CONNECT response.
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatal(err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(cm.caCert)
	tlsConn := tls.Client(conn, &tls.Config{
		RootCAs:    roots,
		ServerName: "secure.testing.local",
	})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake with minted cert: %v", err)
	}

	if _, err := io.WriteString(tlsConn,
		"GET /inner?x=2 HTTP/1.1\r\nHost: secure.testing.local:8443\r\nConnection: close\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	if err != nil {
		t.Fatalf("read intercepted response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "intercepted" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}

	req := fd.last(t)
	if string(req.Scheme) != "https" {
		t.Errorf("scheme = %q, want https", req.Scheme)
	}
	if req.Host != "secure.testing.local" || req.Port != 8443 {
		t.Errorf("target = %s:%d, want secure.testing.local:8443", req.Host, req.Port)
	}
	if string(req.Path) != "/inner?x=2" {
		t.Errorf("path = %q", req.Path)
	}
}

func TestIntercept_DisabledWithoutCertCache(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&fakeDispatch{reply: cannedReply()}, nil, testLogger()))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn,
		"CONNECT x:443 HTTP/1.1\r\nHost: x:443\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || !strings.Contains(status, "403") {
		t.Errorf("CONNECT status = %q, want 403", status)
	}
}

func TestWriteRawResponse_StripsOriginFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	resp := cannedReply()
	resp.Headers = append(resp.Headers,
		envelope.Header{Name: []byte("Transfer-Encoding"), Value: []byte("chunked")},
		envelope.Header{Name: []byte("Content-Length"), Value: []byte("9999")},
	)
	go func() {
		defer server.Close()
		_ = writeRawResponse(server, resp)
	}()

	parsed, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("parse raw response: %v", err)
	}
	defer parsed.Body.Close()
	body, _ := io.ReadAll(parsed.Body)
	if string(body) != "intercepted" {
		t.Errorf("body = %q", body)
	}
	if got := parsed.ContentLength; got != int64(len("intercepted")) {
		t.Errorf("content length = %d, want %d", got, len("intercepted"))
	}
}
