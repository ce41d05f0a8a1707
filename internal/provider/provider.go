// Package provider abstracts the model backends behind a single
// function-calling chat interface.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool results
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"` // raw JSON argument payload
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Pricing converts token usage into an estimated dollar cost, expressed as
// dollars per million tokens. The zero value estimates everything as free,
// which is right for local backends.
type Pricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Cost estimates the dollar cost of one call.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.PromptTokens)*p.InputPerMTok/1e6 +
		float64(u.CompletionTokens)*p.OutputPerMTok/1e6
}

// Response represents the output from the model: either plain content or a
// set of requested tool calls (possibly both).
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Property describes one named parameter of a tool.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"` // for arrays
}

// ToolSchema declares a callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]Property
	Required    []string
}

// JSONSchema renders the parameter declaration as a JSON-schema object, the
// shape every function-calling API expects.
func (s ToolSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Parameters))
	for name, p := range s.Parameters {
		props[name] = p.schema()
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func (p Property) schema() map[string]any {
	m := map[string]any{"type": p.Type}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if p.Items != nil {
		m["items"] = p.Items.schema()
	}
	return m
}

// Provider defines the interface for model interactions.
type Provider interface {
	// Chat sends the message history and tool declarations to the model.
	Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error)

	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Streamer is implemented by providers that can stream a final response
// incrementally. onChunk receives each text delta; returning an error from
// it aborts the stream.
type Streamer interface {
	Stream(ctx context.Context, messages []Message, onChunk func(chunk string) error) (string, error)
}

// APIError is a backend failure with an HTTP-like status, used by the retry
// layer for classification. RetryAfter carries a server-provided wait hint
// when present.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
	HasHint    bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// HTTPStatus reports the status code for retry classification.
func (e *APIError) HTTPStatus() int { return e.Status }

// RetryAfterHint reports the server-suggested wait, if any.
func (e *APIError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.HasHint
}
