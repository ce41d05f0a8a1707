// Package e2e exercises the assembled pipeline: guard, tools, history,
// retry, memory and the loop working together against a real temp workspace.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/fsbridge/internal/guard"
	"github.com/felixgeelhaar/fsbridge/internal/history"
	"github.com/felixgeelhaar/fsbridge/internal/memory"
	"github.com/felixgeelhaar/fsbridge/internal/observe"
	"github.com/felixgeelhaar/fsbridge/internal/provider"
	"github.com/felixgeelhaar/fsbridge/internal/retry"
	"github.com/felixgeelhaar/fsbridge/internal/runtime"
	"github.com/felixgeelhaar/fsbridge/internal/tools"
)

type world struct {
	root  string
	reg   *tools.Registry
	store *memory.Store
}

func newWorld(t *testing.T) *world {
	t.Helper()
	root := t.TempDir()
	g, err := guard.New(root, []string{".git", "*.bak-*"})
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	if err := tools.RegisterFS(reg, g, 200); err != nil {
		t.Fatal(err)
	}
	store, err := memory.Open(filepath.Join(root, "memory.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &world{root: root, reg: reg, store: store}
}

func (w *world) loop(t *testing.T, stub *provider.StubProvider) *runtime.Loop {
	t.Helper()
	ret := retry.New(retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	ret.SetSleep(func(context.Context, time.Duration) error { return nil })
	return runtime.NewLoop(stub, w.reg, history.NewManager(24), ret, w.store,
		observe.New(io.Discard, false), runtime.Options{
			SystemPrompt:       "You are a file assistant.",
			ProjectPath:        w.root,
			MaxToolRounds:      8,
			ContextTokenBudget: 500,
		})
}

// The model edits a file, the edit is backed up, and a clipped read comes
// back marked as partial.
func TestEditBackupAndClippedRead(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	seed := strings.Repeat("0123456789", 30) // 300 bytes, read cap is 200
	if err := os.WriteFile(filepath.Join(w.root, "data.txt"), []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	read := w.reg.Dispatch(ctx, provider.ToolCall{ID: "r", Name: "read_file", Args: `{"path":"data.txt"}`})
	var readOut struct {
		Content string `json:"content"`
		Clipped bool   `json:"clipped"`
		Size    int    `json:"size"`
	}
	if err := json.Unmarshal([]byte(read), &readOut); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !readOut.Clipped || len(readOut.Content) != 200 || readOut.Size != 300 {
		t.Fatalf("clipping wrong: clipped=%v len=%d size=%d", readOut.Clipped, len(readOut.Content), readOut.Size)
	}

	write := w.reg.Dispatch(ctx, provider.ToolCall{ID: "w", Name: "write_file",
		Args: `{"path":"data.txt","content":"rewritten"}`})
	var writeOut struct {
		Backup string `json:"backup"`
	}
	if err := json.Unmarshal([]byte(write), &writeOut); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if writeOut.Backup == "" {
		t.Fatal("overwrite produced no backup")
	}

	bak, err := os.ReadFile(filepath.Join(w.root, writeOut.Backup))
	if err != nil {
		t.Fatalf("backup unreadable: %v", err)
	}
	if string(bak) != seed {
		t.Error("backup does not hold the original content")
	}
	cur, _ := os.ReadFile(filepath.Join(w.root, "data.txt"))
	if string(cur) != "rewritten" {
		t.Errorf("file holds %q", cur)
	}
}

// A full conversation: the model searches, reads, edits and answers, with a
// transient rate limit in the middle, and the whole exchange lands in the
// memory store for the next session to recall.
func TestConversationEndToEnd(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	src := "package main\n\nconst greeting = \"helo\"\n"
	if err := os.WriteFile(filepath.Join(w.root, "main.go"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	stub := provider.NewStubProvider(
		provider.Response{ToolCalls: []provider.ToolCall{
			{ID: "s1", Name: "search_text", Args: `{"pattern":"helo"}`},
		}},
		provider.Response{ToolCalls: []provider.ToolCall{
			{ID: "f1", Name: "replace_text", Args: `{"path":"main.go","old":"helo","new":"hello"}`},
		}},
		provider.Response{Content: "Fixed the typo in main.go."},
	)
	// A rate limit interrupts the second call; the retry layer rides it out.
	stub.Errors = []error{nil, &provider.APIError{Status: 429, Message: "rate limited"}}

	loop := w.loop(t, stub)
	loop.StartSession(ctx)

	answer, err := loop.ExecuteTurn(ctx, "fix the typo in the greeting", nil)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if answer != "Fixed the typo in main.go." {
		t.Errorf("unexpected answer: %q", answer)
	}

	fixed, _ := os.ReadFile(filepath.Join(w.root, "main.go"))
	if !strings.Contains(string(fixed), `"hello"`) {
		t.Errorf("edit not applied:\n%s", fixed)
	}

	loop.EndSession(ctx)

	stats, err := w.store.Stats(ctx, w.root)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sessions != 1 {
		t.Errorf("expected 1 recorded session, got %d", stats.Sessions)
	}
	// The whole exchange, tool rounds included, is one stored turn.
	if stats.Turns != 1 {
		t.Errorf("exchange should persist as one turn, got %d", stats.Turns)
	}

	// A fresh loop in the same workspace recalls the work.
	next := w.loop(t, provider.NewStubProvider(provider.Response{Content: "ok"}))
	next.StartSession(ctx)
	if _, err := next.ExecuteTurn(ctx, "what did we do last time?", nil); err != nil {
		t.Fatal(err)
	}

	stub2 := next.SessionID()
	if stub2 == "" {
		t.Error("second session not registered")
	}
}

// Recall survives cleanup: old turns are condensed into a summary which the
// next session still sees.
func TestCleanupKeepsRecallableContext(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	sessionID, err := w.store.StartSession(ctx, w.root)
	if err != nil {
		t.Fatal(err)
	}
	turn := memory.Turn{
		UserMessage:      "where should the settings live?",
		AssistantMessage: "We decided to store settings in fsbridge.yaml at the workspace root.",
	}
	if err := w.store.RecordTurn(ctx, sessionID, w.root, turn); err != nil {
		t.Fatal(err)
	}
	if _, err := w.store.Summarize(ctx, sessionID); err != nil {
		t.Fatal(err)
	}
	if err := w.store.EndSession(ctx, sessionID); err != nil {
		t.Fatal(err)
	}

	if _, err := w.store.Cleanup(ctx, w.root, 1); err != nil {
		t.Fatal(err)
	}

	stub := provider.NewStubProvider(provider.Response{Content: "ok"})
	loop := w.loop(t, stub)
	loop.StartSession(ctx)
	if _, err := loop.ExecuteTurn(ctx, "continue where we left off", nil); err != nil {
		t.Fatal(err)
	}

	system := stub.Requests[0][0].Content
	if !strings.Contains(system, "fsbridge.yaml") {
		t.Errorf("summarized context not recalled:\n%s", system)
	}
}
