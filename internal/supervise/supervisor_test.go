package supervise

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRestartRelaunchesDeadTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	var runs atomic.Int64
	s := New(testLogger())
	s.minInterval = 0
	s.Register("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("connection lost")
	})
	s.Start(context.Background())

	waitFor(t, func() bool { return !s.Alive("flaky") })
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	s.RestartWorkers()
	waitFor(t, func() bool { return runs.Load() == 2 })

	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRestartSkipsLiveTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	var runs atomic.Int64
	s := New(testLogger())
	s.minInterval = 0
	s.Register("steady", func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return nil
	})
	s.Start(context.Background())

	waitFor(t, func() bool { return s.Alive("steady") })
	s.RestartWorkers()
	s.RestartWorkers()

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 (live task restarted)", got)
	}
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRestartRateLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	var runs atomic.Int64
	s := New(testLogger())
	s.minInterval = time.Hour
	s.Register("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("down")
	})
	s.Start(context.Background())

	waitFor(t, func() bool { return runs.Load() == 1 && !s.Alive("flaky") })
	s.RestartWorkers()
	waitFor(t, func() bool { return runs.Load() == 2 && !s.Alive("flaky") })

	// Inside the window: no relaunch.
	s.RestartWorkers()
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2 (rate limit ignored)", got)
	}
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownCancelsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(testLogger())
	s.Register("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	s.Start(context.Background())

	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Alive("blocker") {
		t.Error("task still alive after Shutdown")
	}

	// Restart after shutdown is a no-op.
	s.RestartWorkers()
	if s.Alive("blocker") {
		t.Error("task relaunched after Shutdown")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
