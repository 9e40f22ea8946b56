// Package httpfront is the client-facing proxy surface. It accepts
// forward-proxy HTTP requests and CONNECT tunnels, terminates TLS with
// certificates minted by the interception CA, converts each request to
// an envelope and hands it to the dispatcher.
package httpfront

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/unicornbottle/ub-httpproxy/pkg/envelope"
)

// maxRequestBody bounds buffered request bodies.
const maxRequestBody = 64 * 1024 * 1024

// RequestHandler runs one intercepted request end to end. Implemented
// by the dispatcher.
type RequestHandler interface {
	Handle(ctx context.Context, req *envelope.Request) *envelope.Response
}

// Handler serves the proxy listener. Plain HTTP requests are converted
// and dispatched directly; CONNECT requests are hijacked and the inner
// TLS stream is decrypted and served request by request.
type Handler struct {
	dispatch RequestHandler
	certs    *CertCache
	logger   *slog.Logger
}

// NewHandler wires the front end. certs may be nil, in which case
// CONNECT requests are refused instead of intercepted.
func NewHandler(dispatch RequestHandler, certs *CertCache, logger *slog.Logger) *Handler {
	return &Handler{dispatch: dispatch, certs: certs, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.intercept(w, r)
		return
	}
	h.servePlain(w, r)
}

// servePlain handles forward-proxy (absolute-form) and origin-form
// plain HTTP requests.
func (h *Handler) servePlain(w http.ResponseWriter, r *http.Request) {
	req, err := toEnvelope(r, "http", r.Host)
	if err != nil {
		h.logger.Warn("unconvertible request", "host", r.Host, "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp := h.dispatch.Handle(r.Context(), req)
	writeResponse(w, resp)
}

// intercept hijacks a CONNECT tunnel, terminates TLS with a minted
// leaf certificate and serves the decrypted requests until the client
// closes or sends Connection: close.
func (h *Handler) intercept(w http.ResponseWriter, r *http.Request) {
	if h.certs == nil {
		http.Error(w, "TLS interception disabled", http.StatusForbidden)
		return
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.logger.Error("response writer does not support hijacking")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	host := hostOnly(r.Host)
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		h.logger.Error("hijack failed", "error", err)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		h.logger.Warn("CONNECT response write failed", "error", err)
		return
	}

	leaf, err := h.certs.GetCert(host)
	if err != nil {
		h.logger.Error("leaf certificate unavailable", "host", host, "error", err)
		return
	}
	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		h.logger.Warn("client TLS handshake failed", "host", host, "error", err)
		return
	}
	defer tlsConn.Close()

	br := bufio.NewReader(tlsConn)
	for {
		inner, err := http.ReadRequest(br)
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("inner request read failed", "host", host, "error", err)
			}
			return
		}

		req, err := toEnvelope(inner, "https", r.Host)
		_ = inner.Body.Close()
		if err != nil {
			h.logger.Warn("unconvertible inner request", "host", host, "error", err)
			return
		}

		resp := h.dispatch.Handle(inner.Context(), req)
		if err := writeRawResponse(tlsConn, resp); err != nil {
			h.logger.Debug("response write failed", "host", host, "error", err)
			return
		}
		if inner.Close {
			return
		}
	}
}

// toEnvelope converts a parsed request into the wire envelope.
// connectTarget is the CONNECT authority for intercepted requests, or
// the Host header for plain ones; it decides where the worker dials.
func toEnvelope(r *http.Request, scheme, connectTarget string) (*envelope.Request, error) {
	target := connectTarget
	if r.URL.Host != "" {
		// Absolute-form forward proxy request.
		target = r.URL.Host
	}
	if target == "" {
		return nil, fmt.Errorf("httpfront: request has no target host")
	}
	host, port := splitTarget(target, scheme)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("httpfront: read body: %w", err)
	}
	if len(body) > maxRequestBody {
		return nil, fmt.Errorf("httpfront: request body exceeds %d bytes", maxRequestBody)
	}

	path := r.URL.RequestURI()
	if path == "" {
		path = "/"
	}

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	return &envelope.Request{
		HTTPVersion:    []byte(r.Proto),
		Scheme:         []byte(scheme),
		Method:         []byte(r.Method),
		Path:           []byte(path),
		Authority:      []byte{},
		Host:           host,
		Port:           port,
		Headers:        headersFromStd(r),
		Content:        body,
		TimestampStart: now,
	}, nil
}

// headersFromStd flattens the canonicalized header map. The listener
// side cannot recover the client's original ordering, so headers are
// emitted Host first, then sorted by name for stable output.
func headersFromStd(r *http.Request) []envelope.Header {
	headers := []envelope.Header{
		{Name: []byte("Host"), Value: []byte(r.Host)},
	}
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range r.Header[name] {
			headers = append(headers, envelope.Header{
				Name:  []byte(name),
				Value: []byte(v),
			})
		}
	}
	return headers
}

func splitTarget(target, scheme string) (string, int) {
	defaultPort := 80
	if scheme == "https" {
		defaultPort = 443
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return host, defaultPort
	}
	return host, port
}

func hostOnly(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return host
}

// framingHeaders are rewritten by the front end: bodies arrive already
// decoded, so origin framing no longer applies.
func isFramingHeader(name []byte) bool {
	s := string(name)
	return strings.EqualFold(s, "Content-Length") || strings.EqualFold(s, "Transfer-Encoding")
}

// writeResponse renders an envelope through an http.ResponseWriter.
func writeResponse(w http.ResponseWriter, resp *envelope.Response) {
	for _, hd := range resp.Headers {
		if isFramingHeader(hd.Name) {
			continue
		}
		w.Header().Add(string(hd.Name), string(hd.Value))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Content)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Content)
}

// writeRawResponse renders an envelope straight onto the decrypted
// connection, preserving the origin's header order and casing.
func writeRawResponse(conn net.Conn, resp *envelope.Response) error {
	var sb strings.Builder
	version := string(resp.HTTPVersion)
	if version == "" {
		version = "HTTP/1.1"
	}
	reason := string(resp.Reason)
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(&sb, "%s %d %s\r\n", version, resp.StatusCode, reason)
	for _, hd := range resp.Headers {
		if isFramingHeader(hd.Name) {
			continue
		}
		sb.Write(hd.Name)
		sb.WriteString(": ")
		sb.Write(hd.Value)
		sb.WriteString("\r\n")
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(resp.Content))

	if _, err := io.WriteString(conn, sb.String()); err != nil {
		return err
	}
	_, err := conn.Write(resp.Content)
	return err
}
