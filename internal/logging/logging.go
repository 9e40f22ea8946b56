// Package logging builds the process logger. Each process logs to its
// own file so concurrent workers never interleave, and mirrors to
// stderr for interactive runs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const baseDir = "/var/log"

// NewProxyLogger logs to /var/log/ub-httpproxy-proxy/<pid>.log.
func NewProxyLogger(level slog.Level) *slog.Logger {
	name := fmt.Sprintf("%d.log", os.Getpid())
	return newLogger(filepath.Join(baseDir, "ub-httpproxy-proxy"), name, level)
}

// NewWorkerLogger logs to /var/log/ub-httpproxy-server/worker-<id>.log.
// The id exists purely to keep worker logs apart.
func NewWorkerLogger(workerID int, level slog.Level) *slog.Logger {
	name := fmt.Sprintf("worker-%d.log", workerID)
	return newLogger(filepath.Join(baseDir, "ub-httpproxy-server"), name, level)
}

// newLogger opens the log file and tees to stderr. If the directory is
// not writable the logger degrades to stderr only instead of failing
// the process.
func newLogger(dir, name string, level slog.Level) *slog.Logger {
	var w io.Writer = os.Stderr
	if f, err := openLogFile(dir, name); err == nil {
		w = io.MultiWriter(os.Stderr, f)
	} else {
		fmt.Fprintf(os.Stderr, "logging: %v, using stderr only\n", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func openLogFile(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
