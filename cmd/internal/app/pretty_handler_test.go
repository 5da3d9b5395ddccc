package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("component", "delivery").Warn("delivery.queue.drop",
		"conversation_id", "01J0CONV",
		"participant_id", "evil\x1b[31mred",
		"err", errors.New("queue full"),
		"status", 503,
		"duration_ms", int64(12),
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=delivery.queue.drop",
		"component=delivery",
		"conversation_id=01J0CONV",
		"participant_id=evilred",
		`err="queue full"`,
		"status=503",
		"duration=12ms",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b") {
		t.Fatalf("uncoloured line contains escape codes: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("line not newline terminated")
	}
}

func TestPrettyHandler_LevelAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %q", buf.String())
	}

	log.WithGroup("ws").Info("ws.session.open", "session_id", "s1")
	if !strings.Contains(buf.String(), "ws.session_id=s1") {
		t.Fatalf("group prefix missing: %q", buf.String())
	}
}

func TestPrettyHandler_Colors(t *testing.T) {
	t.Parallel()

	if got := colorizeStatusCode(503, true); got != ansiRed+"503"+ansiReset {
		t.Fatalf("colorizeStatusCode(503)=%q", got)
	}
	if got := colorizeHTTPMethod("GET", false); got != "GET" {
		t.Fatalf("colorizeHTTPMethod without color=%q", got)
	}
	if got := levelTag(slog.LevelError, true); stripANSI(got) != "[ERROR]" || got == "[ERROR]" {
		t.Fatalf("levelTag(error)=%q", got)
	}
}

func TestNewLogHandler_Format(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newLogHandler(&buf, "info", "json", false)).Info("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("json handler output=%q", buf.String())
	}

	buf.Reset()
	slog.New(newLogHandler(&buf, "info", "pretty", false)).Info("x")
	if !strings.Contains(buf.String(), "msg=x") {
		t.Fatalf("pretty handler output=%q", buf.String())
	}
}
