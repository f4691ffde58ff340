package util

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a text logger at debug level in development and a JSON
// logger at info level everywhere else. Every record carries the process name.
func NewLogger(env, service string) *slog.Logger {
	return newLogger(os.Stdout, env, service)
}

func newLogger(w io.Writer, env, service string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "development" {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("service", service)
}

// DiscardLogger is used by tests and by components built without a logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
