// Package logger hands out per-subsystem structured loggers.
//
// Level and format come from the environment:
//
//	PANTHEON_LOG_LEVEL=debug|info|warn|error   (default info)
//	PANTHEON_LOG_FORMAT=text|json              (default text)
//
// Usage:
//
//	var log = logger.Logger("hub")
//	log.Info("peer joined", "peer", deviceID, "scope", scopeID)
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu      sync.RWMutex
	output  io.Writer = os.Stderr
	root    *slog.Logger
	loggers = make(map[string]*slog.Logger)
)

// Logger returns the logger for a subsystem. Repeated calls return the same instance
// until SetOutput replaces the root handler.
func Logger(subsystem string) *slog.Logger {
	mu.RLock()
	l, ok := loggers[subsystem]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[subsystem]; ok {
		return l
	}
	if root == nil {
		root = newRoot(output)
	}
	l = root.With("subsystem", subsystem)
	loggers[subsystem] = l
	return l
}

// SetOutput redirects every subsystem logger created afterwards to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	root = newRoot(w)
	loggers = make(map[string]*slog.Logger)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRoot(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("PANTHEON_LOG_LEVEL"))}
	if strings.EqualFold(os.Getenv("PANTHEON_LOG_FORMAT"), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
