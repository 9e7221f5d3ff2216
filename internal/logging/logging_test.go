package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestZapBackendWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Backend: "zap", Output: &buf})
	l.With(TalID(7)).Info(context.Background(), "allocation", Superframe(12), Error(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["msg"] != "allocation" {
		t.Fatalf("msg = %v, want allocation", rec["msg"])
	}
	if rec["tal_id"] != float64(7) {
		t.Fatalf("tal_id = %v, want 7", rec["tal_id"])
	}
	if rec["sf"] != float64(12) {
		t.Fatalf("sf = %v, want 12", rec["sf"])
	}
	if rec["error"] != "boom" {
		t.Fatalf("error = %v, want boom", rec["error"])
	}
}

func TestZapBackendFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Format: "json", Backend: "zap", Output: &buf})
	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	l.Warn(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("expected warn record")
	}
}

func TestContextLogger(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on empty context")
	}
	l := Noop()
	ctx := ContextWithLogger(context.Background(), l)
	if FromContextOr(ctx, nil) != l {
		t.Fatalf("expected context logger")
	}
	if FromContextOr(context.Background(), nil) == nil {
		t.Fatalf("expected noop fallback")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, ok := New(Config{Backend: "zap"}).(*zapLogger); !ok {
		t.Fatalf("expected zap backend")
	}
	if _, ok := New(Config{}).(*slogger); !ok {
		t.Fatalf("expected slog backend by default")
	}
}

func TestSlogBackendWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Format: "json", Output: &buf})
	l.Debug(context.Background(), "hidden")
	l.With(TalID(3)).Warn(context.Background(), "dropped", Uint32("pkt", 40))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["msg"] != "dropped" || rec["level"] != "WARN" {
		t.Fatalf("record = %v", rec)
	}
	if rec["tal_id"] != float64(3) || rec["pkt"] != float64(40) {
		t.Fatalf("fields = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"":        LevelInfo,
		"DEBUG":   LevelDebug,
		"warning": LevelWarn,
		" error ": LevelError,
		"trace":   LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
