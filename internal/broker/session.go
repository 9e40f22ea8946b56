// Package broker maintains the long-lived AMQP session the proxy side
// uses for RPC: one connection, one channel, one exclusive reply queue.
//
// AMQP channels are not safe for concurrent use. The channel here is
// owned by the goroutine running Run; every other goroutine hands it
// work through EnqueueOp, which posts a callback onto that goroutine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RequestQueue is the durable queue workers consume requests from.
const RequestQueue = "rpc_queue"

// ErrNotConnected is returned when an operation is posted while the
// session is not in StateReady. Callers retry at the HTTP layer after
// the supervisor has restarted the session.
var ErrNotConnected = errors.New("broker: session not connected")

// State is the lifecycle position of a session.
type State int32

// Session states. A disconnected session is never revived in place;
// the supervisor creates a fresh one.
const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateDisconnected
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ReplyHandler consumes raw reply bodies from the reply queue, keyed by
// the correlation id the reply carried.
type ReplyHandler func(correlationID string, body []byte)

// Op is a channel callback. It runs on the session's I/O goroutine and
// may use the channel freely.
type Op func(ch *amqp.Channel) error

// Session owns one broker connection and its channel.
type Session struct {
	url     string
	onReply ReplyHandler
	logger  *slog.Logger

	state      atomic.Int32
	ops        chan Op
	replyQueue atomic.Value // string

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewSession creates a session in StateInit. Run must be called to
// connect.
func NewSession(url string, onReply ReplyHandler, logger *slog.Logger) *Session {
	s := &Session{
		url:     url,
		onReply: onReply,
		logger:  logger,
		ops:     make(chan Op, 128),
	}
	s.replyQueue.Store("")
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ready reports whether the session can accept channel operations.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// ReplyQueue returns the auto-named exclusive reply queue, or "" before
// the session is ready.
func (s *Session) ReplyQueue() string {
	return s.replyQueue.Load().(string)
}

// EnqueueOp posts a callback onto the channel's I/O goroutine. It fails
// synchronously with ErrNotConnected while the session is not ready,
// and when the op mailbox is full.
func (s *Session) EnqueueOp(op Op) error {
	if !s.Ready() {
		return ErrNotConnected
	}
	select {
	case s.ops <- op:
		return nil
	default:
		return ErrNotConnected
	}
}

// PublishRequest enqueues a publish of body to the request queue,
// tagged with the correlation id and this session's reply queue.
func (s *Session) PublishRequest(correlationID string, body []byte) error {
	replyTo := s.ReplyQueue()
	return s.EnqueueOp(func(ch *amqp.Channel) error {
		return ch.PublishWithContext(context.Background(), "", RequestQueue, false, false,
			amqp.Publishing{
				ContentType:   "application/json",
				CorrelationId: correlationID,
				ReplyTo:       replyTo,
				Body:          body,
			})
	})
}

// Run connects and then serves as the channel's I/O goroutine until the
// connection drops or ctx is cancelled. It returns nil only on a clean
// shutdown; any other exit leaves the session in StateDisconnected.
func (s *Session) Run(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))

	if err := s.connect(); err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("broker: connect: %w", err)
	}
	defer func() { _ = s.conn.Close() }()

	// An explicit tag: Consume with "" gets a server-generated tag that
	// Cancel could not name at shutdown.
	tag := consumerTag(s.ReplyQueue())
	deliveries, err := s.ch.Consume(s.ReplyQueue(), tag, true, true, false, false, nil)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("broker: consume %s: %w", s.ReplyQueue(), err)
	}

	closed := s.conn.NotifyClose(make(chan *amqp.Error, 1))

	s.state.Store(int32(StateReady))
	s.logger.Info("broker session ready", "reply_queue", s.ReplyQueue())

	for {
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateTerminal))
			if err := s.ch.Cancel(tag, false); err != nil {
				s.logger.Warn("cancel consumer", "error", err)
			}
			return nil

		case op := <-s.ops:
			if err := op(s.ch); err != nil {
				s.logger.Error("channel op failed", "error", err)
			}

		case amqpErr := <-closed:
			s.state.Store(int32(StateDisconnected))
			if amqpErr != nil {
				return fmt.Errorf("broker: connection closed: %w", amqpErr)
			}
			return errors.New("broker: connection closed")

		case d, ok := <-deliveries:
			if !ok {
				s.state.Store(int32(StateDisconnected))
				return errors.New("broker: reply consumer cancelled")
			}
			s.handleReply(d)
		}
	}
}

// connect dials the broker, opens the channel and declares both queues.
// The request queue declaration is idempotent; workers declare it too.
func (s *Session) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := ch.QueueDeclare(RequestQueue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.conn = conn
	s.ch = ch
	s.replyQueue.Store(q.Name)
	return nil
}

// consumerTag names the reply consumer after its queue. Reply queue
// names are server-generated and unique, so the tag is too.
func consumerTag(replyQueue string) string {
	return "proxy." + replyQueue
}

func (s *Session) handleReply(d amqp.Delivery) {
	if d.CorrelationId == "" {
		s.logger.Warn("reply without correlation id dropped")
		return
	}
	s.onReply(d.CorrelationId, d.Body)
}
