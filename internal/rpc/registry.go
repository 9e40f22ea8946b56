// Package rpc implements the correlation registry that matches replies
// arriving on the broker reply queue with the dispatcher goroutine that
// published the request.
package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for registry operations.
var (
	// ErrDuplicateID is returned by Begin when the correlation id is
	// already registered. This is a programmer error, not an
	// operational fault.
	ErrDuplicateID = errors.New("rpc: correlation id already registered")

	// ErrTimedOut is returned by Await when the entry deadline elapses
	// before a reply lands.
	ErrTimedOut = errors.New("rpc: request timed out")

	// ErrUnknownID is returned by Await for an id that was never begun.
	ErrUnknownID = errors.New("rpc: unknown correlation id")
)

// entry is one in-flight call. The reply channel is buffered so that
// Resolve never blocks and a reply delivered before Await is not lost.
type entry struct {
	deadline time.Time
	reply    chan []byte
}

// Registry maps correlation ids to pending waiters. Many dispatcher
// goroutines write concurrently; the broker session goroutine is the
// single resolver. One mutex guards the map and nothing else is locked
// while it is held.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	lateReplies atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*entry)}
}

// Begin registers a fresh correlation id with an absolute deadline.
// The waiter is pre-registered here, so a reply resolved before Await
// runs still wakes it.
func (g *Registry) Begin(id uuid.UUID, deadline time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.entries[id]; exists {
		return ErrDuplicateID
	}
	g.entries[id] = &entry{deadline: deadline, reply: make(chan []byte, 1)}
	return nil
}

// Await blocks until the entry is resolved, its deadline elapses, or
// ctx is cancelled. The entry is removed before Await returns, whatever
// the outcome.
func (g *Registry) Await(ctx context.Context, id uuid.UUID) ([]byte, error) {
	g.mu.Lock()
	e, ok := g.entries[id]
	g.mu.Unlock()
	if !ok {
		return nil, ErrUnknownID
	}
	defer g.remove(id)

	timer := time.NewTimer(time.Until(e.deadline))
	defer timer.Stop()

	select {
	case body := <-e.reply:
		return body, nil
	case <-timer.C:
		// A reply may have raced the deadline; prefer it.
		select {
		case body := <-e.reply:
			return body, nil
		default:
			return nil, ErrTimedOut
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve hands an inbound reply to the waiter for id. A reply whose id
// is no longer registered arrived after the deadline; it is discarded
// and counted. Returns whether a waiter was woken.
func (g *Registry) Resolve(id uuid.UUID, body []byte) bool {
	g.mu.Lock()
	e, ok := g.entries[id]
	g.mu.Unlock()
	if !ok {
		g.lateReplies.Add(1)
		return false
	}
	// Buffered channel, exactly one Resolve can win per entry.
	select {
	case e.reply <- body:
		return true
	default:
		g.lateReplies.Add(1)
		return false
	}
}

// Cancel removes an entry whose call aborted between Begin and Await,
// for example when the publish failed. Without this the entry would
// linger until a sweep that never comes.
func (g *Registry) Cancel(id uuid.UUID) {
	g.remove(id)
}

func (g *Registry) remove(id uuid.UUID) {
	g.mu.Lock()
	delete(g.entries, id)
	g.mu.Unlock()
}

// Len reports the number of in-flight entries.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// LateReplies reports how many replies were dropped because their id
// was no longer registered.
func (g *Registry) LateReplies() int64 {
	return g.lateReplies.Load()
}
