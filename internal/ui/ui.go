// Package ui renders loop progress for the terminal. The runtime publishes
// events; implementations here decide what the user sees.
package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/fsbridge/internal/runtime"
)

// UI receives conversation output and progress.
type UI interface {
	Status(text string)
	Tool(round int, name string)
	Chunk(text string)
	Answer(text string)
	Error(err error)
}

// Silent discards everything. Used in CI mode and tests.
type Silent struct{}

func (Silent) Status(string)    {}
func (Silent) Tool(int, string) {}
func (Silent) Chunk(string)     {}
func (Silent) Answer(string)    {}
func (Silent) Error(error)      {}

var (
	statusStyle = lipgloss.NewStyle().Faint(true)
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// Console is the plain line-oriented renderer for non-interactive runs.
type Console struct {
	out       io.Writer
	streaming bool
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Status(text string) {
	fmt.Fprintln(c.out, statusStyle.Render(text))
}

func (c *Console) Tool(round int, name string) {
	fmt.Fprintln(c.out, toolStyle.Render(fmt.Sprintf("  [round %d] %s", round, name)))
}

func (c *Console) Chunk(text string) {
	c.streaming = true
	fmt.Fprint(c.out, text)
}

func (c *Console) Answer(text string) {
	// Streamed chunks already printed the answer body.
	if c.streaming {
		c.streaming = false
		fmt.Fprintln(c.out)
		return
	}
	fmt.Fprintln(c.out, text)
}

func (c *Console) Error(err error) {
	fmt.Fprintln(c.out, errorStyle.Render("error: "+err.Error()))
}

// Follow translates loop events into UI calls until the channel closes.
// Run it in its own goroutine.
func Follow(u UI, events <-chan runtime.Event) {
	for ev := range events {
		switch ev.Kind {
		case runtime.EventToolStarted:
			u.Tool(ev.Round, ev.Tool)
		case runtime.EventRetryWait:
			u.Status("provider busy, retrying: " + ev.Info)
		case runtime.EventError:
			u.Status("turn failed: " + ev.Info)
		}
	}
}
