package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type AnthropicProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	return &AnthropicProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.anthropic.com/v1/messages",
		client:  &http.Client{},
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SetBaseURL allows overriding the API endpoint (useful for tests).
func (p *AnthropicProvider) SetBaseURL(url string) {
	p.baseURL = url
}

// Anthropic wire types.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`       // tool use
	Name      string          `json:"name,omitempty"`        // tool use
	ID        string          `json:"id,omitempty"`          // tool use
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool result
	Content   string          `json:"content,omitempty"`     // tool result
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Usage      anthropicUsage          `json:"usage"`
	StopReason string                  `json:"stop_reason"`
	Error      *anthropicError         `json:"error,omitempty"`
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	var system string
	var anthropicMsgs []anthropicMessage

	for _, m := range messages {
		// The messages API takes the system prompt as a top-level field.
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}

		role := m.Role
		if role == "tool" {
			role = "user"
		}

		var content []anthropicContentBlock
		if m.ToolCallID != "" {
			content = append(content, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})
		} else {
			if m.Content != "" {
				content = append(content, anthropicContentBlock{
					Type: "text",
					Text: m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				content = append(content, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.Args),
				})
			}
		}

		anthropicMsgs = append(anthropicMsgs, anthropicMessage{
			Role:    role,
			Content: content,
		})
	}

	var apiTools []anthropicTool
	for _, t := range tools {
		apiTools = append(apiTools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.JSONSchema(),
		})
	}

	reqBody := anthropicRequest{
		Model:     p.model,
		System:    system,
		Messages:  anthropicMsgs,
		MaxTokens: 4096,
		Tools:     apiTools,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, anthropicAPIError(resp, body)
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(body, &anthropicResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if anthropicResp.Error != nil {
		return nil, &APIError{Status: resp.StatusCode, Message: anthropicResp.Error.Message}
	}

	var contentStr string
	var toolCalls []ToolCall

	for _, block := range anthropicResp.Content {
		switch block.Type {
		case "text":
			contentStr += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: string(block.Input),
			})
		}
	}

	return &Response{
		Content:   contentStr,
		ToolCalls: toolCalls,
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
	}, nil
}

// anthropicAPIError maps a non-200 response to an APIError, honoring the
// Retry-After header when the server sends one.
func anthropicAPIError(resp *http.Response, body []byte) error {
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Message: string(body),
	}

	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != nil {
		apiErr.Message = wire.Error.Message
	}

	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil && secs >= 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
			apiErr.HasHint = true
		}
	}

	return apiErr
}
