package testhelpers

import (
	"bytes"
	"io"
	"log/slog"
)

// NewTestLogger returns a logger that drops everything below error
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// NewCapturingLogger returns a JSON logger writing info and above into the
// returned buffer, one object per line.
func NewCapturingLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, nil)), buf
}
