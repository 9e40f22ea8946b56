// Package worker consumes request envelopes from the broker, performs
// the actual outbound socket I/O against the origin, and publishes a
// reply envelope to the requesting proxy.
//
// A worker is single-threaded by design: prefetch is pinned to 1 so a
// hung origin blocks only its own process, and scale-out happens by
// running more worker processes.
package worker

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/unicornbottle/ub-httpproxy/internal/broker"
	"github.com/unicornbottle/ub-httpproxy/internal/httpwire"
	"github.com/unicornbottle/ub-httpproxy/internal/metrics"
	"github.com/unicornbottle/ub-httpproxy/pkg/envelope"
)

// maxReplySize caps the serialized reply envelope. The broker refuses
// messages past ~134MB; staying a margin below that turns an oversize
// response into a clean 502 instead of a publish failure.
const maxReplySize = 130 * 1024 * 1024

const decodeFailureBody = "Couldn't decode a JSON object and am having a bad time."

// Executor is the worker-side request executor.
type Executor struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger
	m       *metrics.Metrics

	maxReply int
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the outbound socket timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithMaxReplySize overrides the reply size cap.
func WithMaxReplySize(n int) Option {
	return func(e *Executor) { e.maxReply = n }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.m = m }
}

// NewExecutor creates an executor that will consume from brokerURL.
func NewExecutor(brokerURL string, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		url:      brokerURL,
		timeout:  15 * time.Second,
		logger:   logger,
		maxReply: maxReplySize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run connects to the broker and consumes until the connection drops
// or ctx is cancelled. The caller restarts on error.
func (e *Executor) Run(ctx context.Context) error {
	conn, err := amqp.Dial(e.url)
	if err != nil {
		return fmt.Errorf("worker: connect: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("worker: channel: %w", err)
	}
	if _, err := ch.QueueDeclare(broker.RequestQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("worker: declare %s: %w", broker.RequestQueue, err)
	}
	// Prefetch 1: a slow outbound request must not hoard queued work
	// that an idle co-worker could take.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("worker: qos: %w", err)
	}

	deliveries, err := ch.Consume(broker.RequestQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("worker: consume: %w", err)
	}

	e.logger.Info("worker consuming", "queue", broker.RequestQueue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("worker: deliveries channel closed")
			}
			e.handle(ctx, ch, d)
		}
	}
}

// replyPublisher is the slice of *amqp.Channel the handler needs.
type replyPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// handle executes one delivery. The ack is deferred so redelivery
// cannot pile up behind a panic or publish failure.
func (e *Executor) handle(ctx context.Context, ch replyPublisher, d amqp.Delivery) {
	defer func() {
		if err := d.Ack(false); err != nil {
			e.logger.Error("ack failed", "delivery_tag", d.DeliveryTag, "error", err)
		}
	}()

	if d.ReplyTo == "" {
		e.logger.Warn("request without reply_to dropped", "correlation_id", d.CorrelationId)
		return
	}

	reply := e.process(d.Body)

	err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          reply,
	})
	if err != nil {
		e.logger.Error("publish reply failed", "reply_to", d.ReplyTo, "error", err)
	}
}

// process turns an inbound request body into an encoded reply envelope.
// It never fails: every error path yields a synthetic error response.
func (e *Executor) process(body []byte) []byte {
	req, err := envelope.DecodeRequest(body)
	if err != nil {
		e.logger.Warn("undecodable request", "error", err)
		e.count("decode_error")
		return mustEncode(envelope.NewSyntheticResponse(502, "Bad Gateway", decodeFailureBody))
	}

	resp, err := e.execute(req)
	if err != nil {
		e.logger.Warn("outbound request failed",
			"host", req.Host, "port", req.Port, "error", err)
		e.count("upstream_error")
		return mustEncode(envelope.NewSyntheticResponse(504, "Gateway Timeout", err.Error()))
	}

	encoded, err := envelope.EncodeResponse(resp)
	if err != nil {
		e.count("encode_error")
		return mustEncode(envelope.NewSyntheticResponse(502, "Bad Gateway", err.Error()))
	}
	if len(encoded) > e.maxReply {
		e.logger.Warn("oversize response replaced", "size", len(encoded), "cap", e.maxReply)
		e.count("oversize")
		return mustEncode(envelope.NewSyntheticResponse(502, "Bad Gateway", "Message response too large."))
	}
	e.count("ok")
	return encoded
}

// execute opens the socket, transmits the pre-assembled request bytes
// and parses the origin's response.
func (e *Executor) execute(req *envelope.Request) (*envelope.Response, error) {
	start := time.Now()

	addr := net.JoinHostPort(req.TargetHost(), strconv.Itoa(req.Port))
	dialer := &net.Dialer{Timeout: e.timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(e.timeout)); err != nil {
		return nil, err
	}

	if string(req.Scheme) == "https" {
		tlsConn := tls.Client(conn, insecureTLSConfig())
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	if _, err := conn.Write(req.WireBytes()); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := httpwire.ReadResponse(bufio.NewReader(conn), req.Method)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	resp.TimestampStart = float64(start.UnixNano()) / float64(time.Second)
	resp.TimestampEnd = float64(time.Now().UnixNano()) / float64(time.Second)
	return resp, nil
}

// insecureTLSConfig disables all verification on purpose: the system
// exists to test deliberately broken origins. The runtime no longer
// ships SSLv2/SSLv3, so TLS 1.0 is the lowest reachable floor.
func insecureTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
	}
}

func (e *Executor) count(outcome string) {
	if e.m != nil {
		e.m.WorkerRequests.WithLabelValues(outcome).Inc()
	}
}

// mustEncode serializes a synthetic response. Synthetic responses are
// built from plain text and cannot fail to encode.
func mustEncode(resp *envelope.Response) []byte {
	b, err := envelope.EncodeResponse(resp)
	if err != nil {
		panic(fmt.Sprintf("worker: encode synthetic response: %v", err))
	}
	return b
}
