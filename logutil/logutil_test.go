package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"maps"
	"strings"
	"testing"
)

func TestNewLoggerTrace(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, LevelTrace)

	prev := slog.Default()
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(prev) })

	Trace("sampling step", "t", 999)

	out := b.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("expected TRACE level, got %q", out)
	}
	if !strings.Contains(out, "source=logutil_test.go:") {
		t.Errorf("expected base name source, got %q", out)
	}
	if !strings.Contains(out, "t=999") {
		t.Errorf("expected attribute, got %q", out)
	}
}

func TestValues(t *testing.T) {
	var b bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(NewLogger(&b, slog.LevelInfo))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Values(context.Background(), slog.LevelDebug, "hidden", maps.All(map[string]float64{"a": 1}))
	if b.Len() != 0 {
		t.Fatalf("debug record written at info level: %q", b.String())
	}

	Values(context.Background(), slog.LevelInfo, "loss", maps.All(map[string]float64{"train/loss": 0.5}))
	out := b.String()
	if !strings.Contains(out, "train/loss=0.5") {
		t.Errorf("expected loss attribute, got %q", out)
	}
	if !strings.Contains(out, "source=logutil_test.go:") {
		t.Errorf("expected caller source, got %q", out)
	}
}
