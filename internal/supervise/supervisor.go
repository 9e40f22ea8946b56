// Package supervise keeps the proxy's background loops alive: the
// broker session and the persistence pipeline each run as a named task,
// and dead tasks are relaunched on demand.
package supervise

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when tasks do not stop in time.
var ErrShutdownTimeout = errors.New("supervise: tasks did not stop before the deadline")

// Task is a long-running loop. It returns when its work is done, its
// connection died, or ctx was cancelled.
type Task func(ctx context.Context) error

type taskState struct {
	name  string
	run   Task
	alive bool
}

// Supervisor launches registered tasks and restarts the ones that have
// exited. Restarts are rate-limited because the restart trigger fires
// on every request that finds the broker down.
type Supervisor struct {
	logger *slog.Logger

	mu          sync.Mutex
	tasks       []*taskState
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	lastRestart time.Time
	minInterval time.Duration
}

// New creates an idle supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:      logger,
		minInterval: time.Second,
	}
}

// Register adds a named task. Must be called before Start.
func (s *Supervisor) Register(name string, run Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &taskState{name: name, run: run})
}

// Start launches every registered task.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, ts := range s.tasks {
		s.launch(ts)
	}
}

// launch runs one task until it returns. Caller holds s.mu.
func (s *Supervisor) launch(ts *taskState) {
	ts.alive = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := ts.run(s.ctx)
		s.mu.Lock()
		ts.alive = false
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("task exited", "task", ts.name, "error", err)
		} else {
			s.logger.Info("task finished", "task", ts.name)
		}
	}()
}

// RestartWorkers relaunches every task that has exited. Calls inside
// the rate-limit window are no-ops.
func (s *Supervisor) RestartWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.ctx.Err() != nil {
		return
	}
	if time.Since(s.lastRestart) < s.minInterval {
		return
	}
	restarted := 0
	for _, ts := range s.tasks {
		if !ts.alive {
			s.logger.Warn("restarting task", "task", ts.name)
			s.launch(ts)
			restarted++
		}
	}
	if restarted > 0 {
		s.lastRestart = time.Now()
	}
}

// Alive reports whether the named task is currently running.
func (s *Supervisor) Alive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.tasks {
		if ts.name == name {
			return ts.alive
		}
	}
	return false
}

// Shutdown cancels all tasks and waits up to timeout for them to stop.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}
