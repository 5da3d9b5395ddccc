package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" Warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"trace":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", in, got, want)
		}
	}
}

func TestNewLogHandler_JSONCarriesLevelAndSource(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newLogHandler(&buf, "warn", "json", true))
	log.Info("chat.message.append", "conversation_id", "c1")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}

	log.Warn("chat.store.retry", "op", "chat.SendMessage")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output=%q err=%v", buf.String(), err)
	}
	if rec["msg"] != "chat.store.retry" || rec["op"] != "chat.SendMessage" || rec["source"] == nil {
		t.Fatalf("record=%v", rec)
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("json output has color codes: %q", buf.String())
	}
}

func TestNewLogHandler_PrettyHonorsNoColor(t *testing.T) {
	var buf bytes.Buffer

	t.Setenv("NO_COLOR", "")
	slog.New(newLogHandler(&buf, "info", "PRETTY", true)).Info("ws.accept", "session_id", "s1")
	if !strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("pretty output without color: %q", buf.String())
	}

	buf.Reset()
	t.Setenv("NO_COLOR", "1")
	slog.New(newLogHandler(&buf, "info", "pretty", true)).Info("ws.accept", "session_id", "s1")
	out := buf.String()
	if strings.Contains(out, "\x1b[") || !strings.Contains(out, "session_id=s1") {
		t.Fatalf("NO_COLOR output=%q", out)
	}
}
