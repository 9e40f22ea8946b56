package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Manager hands the supervisor a restartable broker task. Sessions are
// one-shot, so every Run builds a fresh one; the dispatcher publishes
// through whichever session is currently live.
type Manager struct {
	url     string
	onReply ReplyHandler
	logger  *slog.Logger
	current atomic.Pointer[Session]
}

// NewManager creates a manager. No connection is made until Run.
func NewManager(url string, onReply ReplyHandler, logger *slog.Logger) *Manager {
	return &Manager{url: url, onReply: onReply, logger: logger}
}

// Run creates a session and drives it until it dies or ctx is
// cancelled. Suitable for supervisor registration.
func (m *Manager) Run(ctx context.Context) error {
	s := NewSession(m.url, m.onReply, m.logger)
	m.current.Store(s)
	return s.Run(ctx)
}

// Ready reports whether the live session accepts operations.
func (m *Manager) Ready() bool {
	s := m.current.Load()
	return s != nil && s.Ready()
}

// PublishRequest publishes through the live session.
func (m *Manager) PublishRequest(correlationID string, body []byte) error {
	s := m.current.Load()
	if s == nil {
		return ErrNotConnected
	}
	return s.PublishRequest(correlationID, body)
}
