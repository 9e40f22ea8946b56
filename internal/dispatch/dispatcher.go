// Package dispatch is the proxy-side entry point: it ships each
// intercepted request over the broker to the worker fleet, blocks on
// the correlation registry for the reply, and records the outcome into
// the persistence pipeline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/unicornbottle/ub-httpproxy/internal/broker"
	"github.com/unicornbottle/ub-httpproxy/internal/metrics"
	"github.com/unicornbottle/ub-httpproxy/internal/persist"
	"github.com/unicornbottle/ub-httpproxy/internal/rpc"
	"github.com/unicornbottle/ub-httpproxy/pkg/envelope"
)

// TenantHeader carries the tenant UUID on every intercepted request.
// It is consumed by the proxy and stripped before the request leaves.
const TenantHeader = "X-UB-GUID"

// Tag header appended to outbound requests so origins can identify the
// traffic source.
const (
	tagHeaderName  = "X-Hackerone"
	tagHeaderValue = "benteveo"
)

// ErrUnauthorized is returned when the tenant header is missing or not
// a well-formed UUID. No write record is enqueued in that case.
var ErrUnauthorized = errors.New("dispatch: missing or malformed tenant header")

// Publisher is the slice of the broker session the dispatcher needs.
type Publisher interface {
	Ready() bool
	PublishRequest(correlationID string, body []byte) error
}

// RecordQueue accepts write records for asynchronous persistence.
type RecordQueue interface {
	Enqueue(rec persist.WriteRecord)
}

// Restarter revives dead background workers. Implemented by the
// supervisor.
type Restarter interface {
	RestartWorkers()
}

// Dispatcher is safe for use from many goroutines at once; all shared
// state lives in the registry and the record queue.
type Dispatcher struct {
	session  Publisher
	registry *rpc.Registry
	queue    RecordQueue
	sup      Restarter
	timeout  time.Duration
	logger   *slog.Logger
	m        *metrics.Metrics
}

// NewDispatcher wires a dispatcher. timeout is the wall-clock RPC
// deadline per call.
func NewDispatcher(session Publisher, registry *rpc.Registry, queue RecordQueue,
	sup Restarter, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		session:  session,
		registry: registry,
		queue:    queue,
		sup:      sup,
		timeout:  timeout,
		logger:   logger,
		m:        m,
	}
}

// Handle runs one intercepted request end to end and always produces a
// response for the front end. Operational faults become a synthetic 502
// so the client never sees a raw error.
func (d *Dispatcher) Handle(ctx context.Context, req *envelope.Request) *envelope.Response {
	resp, err := d.Dispatch(ctx, req)
	if err != nil {
		d.logger.Warn("dispatch failed", "host", req.Host, "error", err)
		return envelope.NewSyntheticResponse(502, "Bad Gateway",
			fmt.Sprintf("Proxy error: %s.", errorKind(err)))
	}
	return resp
}

// Dispatch performs the RPC round trip and enqueues exactly one write
// record for every request whose tenant header parsed, success or
// failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	tenant, err := tenantID(req)
	if err != nil {
		d.count("unauthorized")
		return nil, err
	}

	start := time.Now()
	resp, err := d.roundTrip(ctx, req)
	if err != nil {
		d.queue.Enqueue(persist.WriteRecord{
			Tenant:  tenant,
			Request: req,
			Error:   captureError(err),
		})
		d.count(outcomeOf(err))
		return nil, err
	}

	d.queue.Enqueue(persist.WriteRecord{
		Tenant:   tenant,
		Request:  req,
		Response: resp,
	})
	d.count("ok")
	if d.m != nil {
		d.m.RequestDuration.Observe(time.Since(start).Seconds())
	}
	return resp, nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	// Rewrite the headers before any failure can be recorded, so
	// persisted requests look the same on every outcome.
	req.StripHeader(TenantHeader)
	req.AddHeader(tagHeaderName, tagHeaderValue)

	if !d.session.Ready() {
		d.sup.RestartWorkers()
		return nil, broker.ErrNotConnected
	}

	body, err := envelope.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	deadline := time.Now().Add(d.timeout)
	if err := d.registry.Begin(id, deadline); err != nil {
		return nil, err
	}

	if err := d.session.PublishRequest(id.String(), body); err != nil {
		d.registry.Cancel(id)
		return nil, err
	}

	reply, err := d.registry.Await(ctx, id)
	if err != nil {
		return nil, err
	}

	resp, err := envelope.DecodeResponse(reply)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) count(outcome string) {
	if d.m != nil {
		d.m.RequestsTotal.WithLabelValues(outcome).Inc()
	}
	if outcome == "timeout" && d.m != nil {
		d.m.RPCTimeouts.Inc()
	}
}

// tenantID extracts and shape-validates the tenant UUID. The value is
// otherwise opaque.
func tenantID(req *envelope.Request) (uuid.UUID, error) {
	raw, ok := req.HeaderValue(TenantHeader)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: header absent", ErrUnauthorized)
	}
	if len(raw) != 36 {
		return uuid.Nil, fmt.Errorf("%w: bad length", ErrUnauthorized)
	}
	id, err := uuid.Parse(string(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return id, nil
}

// captureError freezes a failure for the write record. The stack is
// captured here, at the failure boundary.
func captureError(err error) *persist.ErrorCapture {
	return &persist.ErrorCapture{
		Kind:    errorKind(err),
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
}

// errorKind maps an error to its stable taxonomy name.
func errorKind(err error) string {
	var derr *envelope.DecodeError
	switch {
	case errors.Is(err, rpc.ErrTimedOut):
		return "TimeoutException"
	case errors.Is(err, broker.ErrNotConnected):
		return "NotConnectedException"
	case errors.Is(err, ErrUnauthorized):
		return "UnauthorizedException"
	case errors.As(err, &derr):
		return "DecodeError"
	default:
		return "Exception"
	}
}

func outcomeOf(err error) string {
	switch errorKind(err) {
	case "TimeoutException":
		return "timeout"
	case "NotConnectedException":
		return "not_connected"
	case "DecodeError":
		return "decode_error"
	default:
		return "error"
	}
}
