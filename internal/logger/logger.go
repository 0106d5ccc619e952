package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a new slog.Logger instance with the specified logging level
// level can be: "debug", "info", "warn", "error"
// Default is "info"
func New(level string) *slog.Logger {
	return newWithWriter(os.Stdout, level, false)
}

// NewJSON creates a new slog.Logger with JSON output.
// Used when the ingestor runs under a scheduler that ships stdout to a log index.
func NewJSON(level string) *slog.Logger {
	return newWithWriter(os.Stdout, level, true)
}

func newWithWriter(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel converts string level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo // Default to info
	}
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(log *slog.Logger, component string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", component)
}
