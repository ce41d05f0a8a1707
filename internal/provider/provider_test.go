package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestToolSchema_JSONSchema(t *testing.T) {
	schema := ToolSchema{
		Name:        "read_file",
		Description: "Read a file",
		Parameters: map[string]Property{
			"path":  {Type: "string", Description: "relative path"},
			"globs": {Type: "array", Items: &Property{Type: "string"}},
		},
		Required: []string{"path"},
	}

	raw := schema.JSONSchema()
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}

	var decoded struct {
		Type       string   `json:"type"`
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type  string `json:"type"`
			Items *struct {
				Type string `json:"type"`
			} `json:"items"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}

	if decoded.Type != "object" {
		t.Errorf("expected object type, got %q", decoded.Type)
	}
	if len(decoded.Required) != 1 || decoded.Required[0] != "path" {
		t.Errorf("unexpected required list: %v", decoded.Required)
	}
	items := decoded.Properties["globs"].Items
	if items == nil || items.Type != "string" {
		t.Errorf("array property lost its items schema")
	}
}

func TestAPIError(t *testing.T) {
	err := &APIError{Status: 429, Message: "rate limited"}

	if err.HTTPStatus() != 429 {
		t.Errorf("expected status 429, got %d", err.HTTPStatus())
	}
	if _, ok := err.RetryAfterHint(); ok {
		t.Error("expected no hint without server header")
	}

	err.RetryAfter = 7 * time.Second
	err.HasHint = true
	if hint, ok := err.RetryAfterHint(); !ok || hint != 7*time.Second {
		t.Errorf("expected 7s hint, got %v ok=%v", hint, ok)
	}
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{InputPerMTok: 3, OutputPerMTok: 15}
	got := p.Cost(Usage{PromptTokens: 1_000_000, CompletionTokens: 200_000})
	if got < 5.99 || got > 6.01 {
		t.Errorf("Cost = %f, want 6.00", got)
	}

	var free Pricing
	if c := free.Cost(Usage{PromptTokens: 5000, CompletionTokens: 5000}); c != 0 {
		t.Errorf("zero pricing should cost nothing, got %f", c)
	}
}

func TestAnthropicProvider_Chat(t *testing.T) {
	var gotReq anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}

		resp := anthropicResponse{
			Content: []anthropicContentBlock{
				{Type: "text", Text: "Listing the directory."},
				{Type: "tool_use", ID: "toolu_01", Name: "list_dir", Input: json.RawMessage(`{"path":"."}`)},
			},
			Usage:      anthropicUsage{InputTokens: 40, OutputTokens: 12},
			StopReason: "tool_use",
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("test-key", "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	p.SetBaseURL(server.URL)

	messages := []Message{
		{Role: "system", Content: "You are a file assistant."},
		{Role: "user", Content: "what is here?"},
	}
	tools := []ToolSchema{{
		Name:        "list_dir",
		Description: "List a directory",
		Parameters:  map[string]Property{"path": {Type: "string"}},
		Required:    []string{"path"},
	}}

	resp, err := p.Chat(context.Background(), messages, tools)
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	if gotReq.System != "You are a file assistant." {
		t.Errorf("system prompt not lifted to top-level field: %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 {
		t.Errorf("expected 1 wire message, got %d", len(gotReq.Messages))
	}
	if len(gotReq.Tools) != 1 || gotReq.Tools[0].Name != "list_dir" {
		t.Errorf("tools not forwarded: %+v", gotReq.Tools)
	}

	if resp.Content != "Listing the directory." {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "list_dir" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if resp.Usage.TotalTokens != 52 {
		t.Errorf("expected 52 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAnthropicProvider_ToolResultRoundTrip(t *testing.T) {
	var gotReq anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		resp := anthropicResponse{
			Content: []anthropicContentBlock{{Type: "text", Text: "Two entries."}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("test-key", "")
	p.SetBaseURL(server.URL)

	messages := []Message{
		{Role: "user", Content: "what is here?"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "toolu_01", Name: "list_dir", Args: `{"path":"."}`}}},
		{Role: "tool", ToolCallID: "toolu_01", Content: `{"entries":["a.go","b.go"]}`},
	}

	if _, err := p.Chat(context.Background(), messages, nil); err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	if len(gotReq.Messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(gotReq.Messages))
	}
	asst := gotReq.Messages[1]
	if asst.Role != "assistant" || len(asst.Content) != 1 || asst.Content[0].Type != "tool_use" {
		t.Errorf("assistant tool_use block malformed: %+v", asst)
	}
	result := gotReq.Messages[2]
	if result.Role != "user" {
		t.Errorf("tool result should travel as user role, got %q", result.Role)
	}
	if result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "toolu_01" {
		t.Errorf("tool_result block malformed: %+v", result.Content[0])
	}
}

func TestAnthropicProvider_RateLimitError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "rate_limit_error", "message": "rate limit exceeded"},
		})
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("test-key", "")
	p.SetBaseURL(server.URL)

	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.HTTPStatus() != 429 {
		t.Errorf("expected status 429, got %d", apiErr.HTTPStatus())
	}
	hint, ok := apiErr.RetryAfterHint()
	if !ok || hint != 12*time.Second {
		t.Errorf("expected 12s retry hint, got %v ok=%v", hint, ok)
	}
	if apiErr.Message != "rate limit exceeded" {
		t.Errorf("server message not extracted: %q", apiErr.Message)
	}
}

func TestStubProvider(t *testing.T) {
	stub := NewStubProvider(
		Response{ToolCalls: []ToolCall{{ID: "c1", Name: "list_dir", Args: `{"path":"."}`}}},
		Response{Content: "all done"},
	)
	stub.Errors = []error{&APIError{Status: 429, Message: "slow down"}}

	_, err := stub.Chat(context.Background(), []Message{{Role: "user", Content: "go"}}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected scripted APIError, got %v", err)
	}

	resp, err := stub.Chat(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Errorf("expected scripted tool call")
	}

	resp, _ = stub.Chat(context.Background(), nil, nil)
	if resp.Content != "all done" {
		t.Errorf("unexpected content: %q", resp.Content)
	}

	if len(stub.Requests) != 3 {
		t.Errorf("expected 3 recorded requests, got %d", len(stub.Requests))
	}
}
