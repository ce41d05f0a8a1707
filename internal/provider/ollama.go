package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/ollama/ollama/api"
)

type OllamaProvider struct {
	client *api.Client
	model  string
}

func NewOllamaProvider(model string) (*OllamaProvider, error) {
	if model == "" {
		model = "llama3.2"
	}

	baseURL := "http://localhost:11434"
	if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
		baseURL = envURL
	}
	uri, _ := url.Parse(baseURL)
	client := api.NewClient(uri, http.DefaultClient)

	return &OllamaProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	var apiMsgs []api.Message
	for _, m := range messages {
		apiMsgs = append(apiMsgs, api.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	var apiTools []api.Tool
	for _, t := range tools {
		props := api.NewToolPropertiesMap()
		for name, param := range t.Parameters {
			props.Set(name, api.ToolProperty{
				Type:        api.PropertyType{param.Type},
				Description: param.Description,
			})
		}
		apiTools = append(apiTools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: props,
					Required:   t.Required,
				},
			},
		})
	}

	req := &api.ChatRequest{
		Model:    p.model,
		Messages: apiMsgs,
		Stream:   new(bool), // false
		Tools:    apiTools,
	}

	var respContent string
	var totalTokens int
	var toolCalls []ToolCall

	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		respContent += resp.Message.Content
		if resp.Done {
			totalTokens = resp.EvalCount + resp.PromptEvalCount
		}

		for i, tc := range resp.Message.ToolCalls {
			argsBytes, _ := json.Marshal(tc.Function.Arguments)
			toolCalls = append(toolCalls, ToolCall{
				ID:   fmt.Sprintf("call_%s_%d", tc.Function.Name, i),
				Name: tc.Function.Name,
				Args: string(argsBytes),
			})
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("ollama chat failed: %w", err)
	}

	return &Response{
		Content:   respContent,
		ToolCalls: toolCalls,
		Usage: Usage{
			CompletionTokens: totalTokens,
			TotalTokens:      totalTokens,
		},
	}, nil
}
