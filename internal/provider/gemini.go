package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = "gemini-1.5-pro-latest"
	}

	return &GeminiProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	geminiModel := p.client.GenerativeModel(p.model)

	if len(tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t),
			})
		}
		geminiModel.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	// The system prompt travels as a dedicated instruction.
	var sysParts []genai.Part
	var convo []Message
	for _, m := range messages {
		if m.Role == "system" {
			sysParts = append(sysParts, genai.Text(m.Content))
			continue
		}
		convo = append(convo, m)
	}
	if len(sysParts) > 0 {
		geminiModel.SystemInstruction = &genai.Content{Parts: sysParts}
	}
	if len(convo) == 0 {
		return nil, fmt.Errorf("no conversation messages to send")
	}

	cs := geminiModel.StartChat()

	var history []*genai.Content
	for _, m := range convo[:len(convo)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}

		content := &genai.Content{Role: role}

		if m.ToolCallID != "" {
			content.Role = "user"
			content.Parts = append(content.Parts, genai.FunctionResponse{
				Name:     m.ToolCallID,
				Response: map[string]any{"result": m.Content},
			})
		} else {
			if m.Content != "" {
				content.Parts = append(content.Parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Args), &args)
				content.Parts = append(content.Parts, genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				})
			}
		}
		history = append(history, content)
	}
	cs.History = history

	lastMsg := convo[len(convo)-1]
	var last genai.Part
	if lastMsg.ToolCallID != "" {
		last = genai.FunctionResponse{
			Name:     lastMsg.ToolCallID,
			Response: map[string]any{"result": lastMsg.Content},
		}
	} else {
		last = genai.Text(lastMsg.Content)
	}

	resp, err := cs.SendMessage(ctx, last)
	if err != nil {
		return nil, fmt.Errorf("gemini completion failed: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates returned")
	}
	cand := resp.Candidates[0]

	var contentStr string
	var toolCalls []ToolCall

	for _, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			contentStr += string(v)
		case genai.FunctionCall:
			argsBytes, _ := json.Marshal(v.Args)
			toolCalls = append(toolCalls, ToolCall{
				ID:   v.Name,
				Name: v.Name,
				Args: string(argsBytes),
			})
		}
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return &Response{
		Content:   contentStr,
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}

func geminiSchema(t ToolSchema) *genai.Schema {
	props := make(map[string]*genai.Schema, len(t.Parameters))
	for name, p := range t.Parameters {
		props[name] = propertySchema(p)
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   t.Required,
	}
}

func propertySchema(p Property) *genai.Schema {
	s := &genai.Schema{
		Type:        geminiType(p.Type),
		Description: p.Description,
	}
	if p.Items != nil {
		s.Items = propertySchema(*p.Items)
	}
	return s
}

func geminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
