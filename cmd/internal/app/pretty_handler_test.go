package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.With("conn_id", "c1").Info("room.member.join", "conversation_id", "conv-1", "status_class", "2xx", "duration_ms", int64(12), "note", "two words")
	log.Debug("hidden")

	line := buf.String()
	for _, want := range []string{"INFO", "room.member.join", "conn_id=c1", "conversation_id=conv-1", "class=2xx", "took=12ms", `note="two words"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "hidden") || strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected content in %q", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected one line, got %q", line)
	}
}

func TestPrettyHandler_ColorAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))

	log.WithGroup("ws").Error("ws.accept.fail", "status", 503, "err", "boom")

	line := buf.String()
	if !strings.Contains(line, ansiRed+"ERROR"+ansiReset) {
		t.Fatalf("level not colored: %q", line)
	}
	if !strings.Contains(line, "ws.status=") || !strings.Contains(line, "ws.err=") {
		t.Fatalf("group prefix missing: %q", line)
	}
}

func TestClassToStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]int{"2xx": 200, "4xx": 400, "5xx": 500, "unknown": 0, "9xx": 0}
	for in, want := range cases {
		if got := classToStatus(in); got != want {
			t.Fatalf("classToStatus(%q)=%d want=%d", in, got, want)
		}
	}
}
