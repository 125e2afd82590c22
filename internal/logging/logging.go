// Package logging builds the slog logger used by the binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Cfg struct {
	Level string
	JSON  bool
}

// New returns a logger writing to stderr.
func New(c Cfg) *slog.Logger { return NewWriter(os.Stderr, c) }

// NewWriter returns a logger writing to w. Unknown levels fall back to info.
func NewWriter(w io.Writer, c Cfg) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}

	if c.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}

	return l
}
