package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, baseURL, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	client := openai.NewClientWithConfig(config)
	if model == "" {
		model = openai.GPT4TurboPreview
	}

	return &OpenAIProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	reqMsgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}

		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Args,
				},
			})
		}

		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
		}

		reqMsgs[i] = msg
	}

	var apiTools []openai.Tool
	for _, t := range tools {
		apiTools = append(apiTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.JSONSchema(),
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: reqMsgs,
			Tools:    apiTools,
		},
	)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	choice := resp.Choices[0]

	result := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}

	return result, nil
}

// Stream sends the history without tools and streams the response text.
func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message, onChunk func(string) error) (string, error) {
	reqMsgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		reqMsgs[i] = openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
	}

	stream, err := p.client.CreateChatCompletionStream(
		ctx,
		openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: reqMsgs,
			Stream:   true,
		},
	)
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	defer stream.Close()

	var full string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full, wrapOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		full += chunk
		if err := onChunk(chunk); err != nil {
			return full, err
		}
	}
	return full, nil
}

// wrapOpenAIError lifts SDK errors into APIError so the retry layer can
// classify them by status.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := &APIError{
			Status:  apiErr.HTTPStatusCode,
			Message: apiErr.Message,
		}
		if apiErr.HTTPStatusCode == 429 {
			// The SDK does not surface Retry-After; a short default keeps
			// the first wait under the rate-limit window.
			wrapped.RetryAfter = 2 * time.Second
			wrapped.HasHint = true
		}
		return wrapped
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{Status: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return fmt.Errorf("openai call failed: %w", err)
}
