package observe

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, true)

	if obs == nil {
		t.Fatal("expected non-nil Observer")
	}
	if obs.log == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := NewJSON(buf, true)

	if obs == nil {
		t.Fatal("expected non-nil Observer")
	}
}

func TestObserver_Log(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, true)

	obs.Log().Info().
		Str("session", "sess-123").
		Int("round", 2).
		Msg("round complete")

	output := buf.String()
	if !strings.Contains(output, "round complete") {
		t.Errorf("expected output to contain 'round complete', got %q", output)
	}
}

func TestObserver_QuietByDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, false)

	obs.Log().Info().Msg("chatty")
	if strings.Contains(buf.String(), "chatty") {
		t.Error("info logs should be suppressed when not verbose")
	}

	obs.Log().Warn().Msg("important")
	if !strings.Contains(buf.String(), "important") {
		t.Error("warnings should always be shown")
	}
}

func TestObserver_TurnRecorded(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, true)

	obs.TurnRecorded("sess-123", 2, 1200, 340, 0.0087)

	output := buf.String()
	if !strings.Contains(output, "turn recorded") {
		t.Errorf("expected a turn-recorded line, got %q", output)
	}
	if !strings.Contains(output, "$0.0087") {
		t.Errorf("cost missing from log line: %q", output)
	}
}

func TestObserver_RecallInjected(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, true)

	obs.RecallInjected("/proj/a", 512)
	if !strings.Contains(buf.String(), "prior context injected") {
		t.Errorf("expected a recall line, got %q", buf.String())
	}
}

func TestObserver_StartSpan(t *testing.T) {
	obs := New(&bytes.Buffer{}, true)

	spanCtx, span := obs.StartSpan(context.Background(), "test-span")
	if spanCtx == nil {
		t.Fatal("expected non-nil context from StartSpan")
	}
	if span == nil {
		t.Fatal("expected non-nil span from StartSpan")
	}
	span.End()
}

func TestObserver_Close(t *testing.T) {
	obs := New(&bytes.Buffer{}, true)
	if err := obs.Close(); err != nil {
		t.Errorf("expected nil error from Close, got %v", err)
	}
}
