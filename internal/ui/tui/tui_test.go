package tui

import (
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/felixgeelhaar/fsbridge/internal/guard"
	"github.com/felixgeelhaar/fsbridge/internal/history"
	"github.com/felixgeelhaar/fsbridge/internal/observe"
	"github.com/felixgeelhaar/fsbridge/internal/provider"
	"github.com/felixgeelhaar/fsbridge/internal/retry"
	"github.com/felixgeelhaar/fsbridge/internal/runtime"
	"github.com/felixgeelhaar/fsbridge/internal/tools"
)

func newTestModel(t *testing.T, stub *provider.StubProvider) Model {
	t.Helper()
	g, err := guard.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	if err := tools.RegisterFS(reg, g, 1000); err != nil {
		t.Fatal(err)
	}
	ret := retry.New(retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	obs := observe.New(io.Discard, false)
	loop := runtime.NewLoop(stub, reg, history.NewManager(24), ret, nil, obs,
		runtime.Options{SystemPrompt: "test"})
	return New(loop)
}

func typeText(m Model, text string) Model {
	for _, r := range text {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(Model)
	}
	return m
}

func TestModel_SubmitTurn(t *testing.T) {
	stub := provider.NewStubProvider(provider.Response{Content: "hello back"})
	m := newTestModel(t, stub)

	m = typeText(m, "hi")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	if !m.busy {
		t.Error("model should be busy after submit")
	}
	if cmd == nil {
		t.Fatal("submit should produce a command")
	}
	if !strings.Contains(m.View(), "you: hi") {
		t.Errorf("user line missing from view:\n%s", m.View())
	}

	// Resolve the batch: find the turn result among produced messages.
	var answer tea.Msg
	for _, msg := range drainCmd(cmd) {
		if a, ok := msg.(answerMsg); ok {
			answer = a
		}
	}
	if answer == nil {
		t.Fatal("turn command produced no answer")
	}

	next, _ = m.Update(answer)
	m = next.(Model)
	if m.busy {
		t.Error("model should be idle after the answer")
	}
	if !strings.Contains(m.View(), "hello back") {
		t.Errorf("answer missing from view:\n%s", m.View())
	}
}

func TestModel_EmptyInputIgnored(t *testing.T) {
	stub := provider.NewStubProvider()
	m := newTestModel(t, stub)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	if m.busy {
		t.Error("empty submit should be ignored")
	}
}

func TestModel_QuitCommands(t *testing.T) {
	stub := provider.NewStubProvider()

	for _, input := range []string{"/quit", "/exit"} {
		m := newTestModel(t, stub)
		m = typeText(m, input)
		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		if cmd == nil {
			t.Fatalf("%s should quit", input)
		}
		if msg := cmd(); msg != nil {
			if _, ok := msg.(tea.QuitMsg); !ok {
				t.Errorf("%s produced %T, want quit", input, msg)
			}
		}
	}
}

func TestModel_TurnError(t *testing.T) {
	stub := provider.NewStubProvider()
	stub.Errors = []error{&provider.APIError{Status: 401, Message: "bad key"}}
	m := newTestModel(t, stub)

	m = typeText(m, "hi")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	var errMsg tea.Msg
	for _, msg := range drainCmd(cmd) {
		if e, ok := msg.(turnErrMsg); ok {
			errMsg = e
		}
	}
	if errMsg == nil {
		t.Fatal("expected an error message")
	}
	next, _ = m.Update(errMsg)
	m = next.(Model)
	if !strings.Contains(m.View(), "bad key") {
		t.Errorf("error missing from view:\n%s", m.View())
	}
}

// drainCmd executes a command tree (batches included) and collects the
// resulting messages, skipping ticks.
func drainCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, drainCmd(c)...)
		}
		return out
	}
	if msg == nil {
		return nil
	}
	return []tea.Msg{msg}
}
