// Package tui is the interactive chat interface, built on bubbletea.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/fsbridge/internal/runtime"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	toolStyle      = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("6"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle      = lipgloss.NewStyle().Faint(true)
)

type answerMsg string

type turnErrMsg struct{ err error }

type eventMsg runtime.Event

// Model is the bubbletea model for the chat session.
type Model struct {
	loop   *runtime.Loop
	events <-chan runtime.Event

	input   textinput.Model
	spin    spinner.Model
	lines   []string
	busy    bool
	errText string
	width   int
}

func New(loop *runtime.Loop) Model {
	ti := textinput.New()
	ti.Placeholder = "ask about the workspace..."
	ti.Focus()
	ti.CharLimit = 4000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		loop:   loop,
		events: loop.Bus().Subscribe(),
		input:  ti,
		spin:   sp,
		width:  80,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitEvent())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if m.busy {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if text == "/quit" || text == "/exit" {
				return m, tea.Quit
			}
			m.input.Reset()
			m.lines = append(m.lines, userStyle.Render("you: ")+text)
			m.busy = true
			m.errText = ""
			return m, tea.Batch(m.spin.Tick, m.turn(text))
		}

	case answerMsg:
		m.busy = false
		m.lines = append(m.lines, assistantStyle.Render("assistant: "+string(msg)))
		return m, nil

	case turnErrMsg:
		m.busy = false
		m.errText = msg.err.Error()
		return m, nil

	case eventMsg:
		if msg.Kind == runtime.EventToolStarted {
			m.lines = append(m.lines,
				toolStyle.Render(fmt.Sprintf("  tool: %s (round %d)", msg.Tool, msg.Round)))
		}
		return m, m.waitEvent()

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("fsbridge"))
	b.WriteString("\n\n")

	start := 0
	if max := 20; len(m.lines) > max {
		start = len(m.lines) - max
	}
	for _, line := range m.lines[start:] {
		b.WriteString(wrap(line, m.width))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.busy {
		b.WriteString(m.spin.View() + " thinking...\n")
	} else {
		b.WriteString(m.input.View() + "\n")
	}
	if m.errText != "" {
		b.WriteString(errorStyle.Render("error: "+m.errText) + "\n")
	}
	b.WriteString(helpStyle.Render("enter to send, /quit or ctrl+c to leave"))
	return b.String()
}

// turn runs one loop turn off the UI goroutine.
func (m Model) turn(input string) tea.Cmd {
	loop := m.loop
	return func() tea.Msg {
		answer, err := loop.ExecuteTurn(context.Background(), input, nil)
		if err != nil {
			return turnErrMsg{err: err}
		}
		return answerMsg(answer)
	}
}

// waitEvent forwards the next loop event into the update cycle.
func (m Model) waitEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func wrap(s string, width int) string {
	if width < 20 {
		width = 20
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

// Run starts the interactive session and blocks until the user leaves.
func Run(loop *runtime.Loop) error {
	p := tea.NewProgram(New(loop))
	_, err := p.Run()
	return err
}
