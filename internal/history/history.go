// Package history keeps the conversation transcript bounded without breaking
// the tool-call pairing the chat APIs require.
package history

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/fsbridge/internal/provider"
)

// ErrMalformedRound reports a tool round whose results do not match the
// assistant's requested calls.
var ErrMalformedRound = errors.New("malformed tool round")

// ToolResult is the outcome of executing one requested tool call.
type ToolResult struct {
	ID      string
	Content string
}

// Manager owns the message transcript for one conversation. The first system
// message is pinned: trimming never drops it. Not safe for concurrent use.
type Manager struct {
	maxMessages int
	messages    []provider.Message
	trimmed     int // total messages dropped so far
}

// NewManager returns a manager that keeps at most maxMessages non-system
// messages. A limit below 2 is raised to 2 so a user/assistant pair always
// survives.
func NewManager(maxMessages int) *Manager {
	if maxMessages < 2 {
		maxMessages = 2
	}
	return &Manager{maxMessages: maxMessages}
}

// SetSystem installs or replaces the pinned system prompt.
func (m *Manager) SetSystem(content string) {
	if len(m.messages) > 0 && m.messages[0].Role == "system" {
		m.messages[0].Content = content
		return
	}
	m.messages = append([]provider.Message{{Role: "system", Content: content}}, m.messages...)
}

// Append adds a message and trims if the transcript grew past the limit.
func (m *Manager) Append(msg provider.Message) {
	m.messages = append(m.messages, msg)
	m.trim()
}

// AppendToolRound records an assistant message that requested tool calls
// together with the results, as one unit. It fails without mutating the
// transcript when the results do not line up with the requests, so a broken
// round never poisons the next API call.
func (m *Manager) AppendToolRound(assistant provider.Message, results []ToolResult) error {
	if len(assistant.ToolCalls) == 0 {
		return fmt.Errorf("%w: assistant message has no tool calls", ErrMalformedRound)
	}
	if len(results) != len(assistant.ToolCalls) {
		return fmt.Errorf("%w: %d calls but %d results",
			ErrMalformedRound, len(assistant.ToolCalls), len(results))
	}

	byID := make(map[string]bool, len(assistant.ToolCalls))
	for _, tc := range assistant.ToolCalls {
		byID[tc.ID] = true
	}

	round := make([]provider.Message, 0, len(results)+1)
	round = append(round, assistant)
	for _, r := range results {
		if !byID[r.ID] {
			return fmt.Errorf("%w: result for unknown call %q", ErrMalformedRound, r.ID)
		}
		delete(byID, r.ID)
		round = append(round, provider.Message{
			Role:       "tool",
			Content:    r.Content,
			ToolCallID: r.ID,
		})
	}

	m.messages = append(m.messages, round...)
	m.trim()
	return nil
}

// Messages returns the transcript in order. The caller must not mutate it.
func (m *Manager) Messages() []provider.Message {
	return m.messages
}

// Len reports the current transcript length including the system message.
func (m *Manager) Len() int {
	return len(m.messages)
}

// Trimmed reports how many messages have been dropped over the lifetime of
// the conversation.
func (m *Manager) Trimmed() int {
	return m.trimmed
}

// trim drops the oldest non-system messages down to the limit. The cut point
// is moved so a tool result never loses the assistant message that requested
// it: the window only ever starts on a user or assistant message that is not
// a dangling response.
func (m *Manager) trim() {
	hasSystem := len(m.messages) > 0 && m.messages[0].Role == "system"
	body := m.messages
	if hasSystem {
		body = m.messages[1:]
	}
	if len(body) <= m.maxMessages {
		return
	}

	start := len(body) - m.maxMessages
	// Walk back over tool results so their requesting assistant message
	// stays inside the window.
	for start > 0 && body[start].Role == "tool" {
		start--
	}

	m.trimmed += start
	kept := body[start:]
	if hasSystem {
		m.messages = append(m.messages[:1], kept...)
	} else {
		m.messages = kept
	}
}
