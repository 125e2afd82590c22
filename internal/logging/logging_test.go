package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/next-trace/scg-message-bus/internal/logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}

	for in, want := range cases {
		if got := logging.ParseLevel(in); got != want {
			t.Fatalf("level %q: want %v, got %v", in, want, got)
		}
	}
}

func TestNewWriter_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer

	l := logging.NewWriter(&buf, logging.Cfg{Level: "warn", JSON: true})
	l.Info("hidden")
	l.Warn("shown", "channel", "pong-service")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("want a single json record, got %q: %v", buf.String(), err)
	}

	if rec["msg"] != "shown" || rec["channel"] != "pong-service" {
		t.Fatalf("unexpected record: %v", rec)
	}

	buf.Reset()
	logging.NewWriter(&buf, logging.Cfg{}).Info("text", "k", "v")

	if !strings.Contains(buf.String(), "msg=text k=v") {
		t.Fatalf("want text output, got %q", buf.String())
	}
}
