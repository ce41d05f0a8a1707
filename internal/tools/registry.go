// Package tools implements the schema-described tool registry the model
// calls into. Tool failures are data: every dispatch returns a JSON payload,
// and errors travel inside it so the model can react instead of the loop
// crashing.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/felixgeelhaar/fsbridge/internal/provider"
)

const defaultMaxPayloadBytes = 200_000

// Args is the decoded JSON argument object of one tool call.
type Args map[string]any

// String returns a string argument or the fallback.
func (a Args) String(key, fallback string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return fallback
}

// Int returns an integer argument or the fallback. JSON numbers decode as
// float64, so both forms are accepted.
func (a Args) Int(key string, fallback int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// Bool returns a boolean argument or the fallback.
func (a Args) Bool(key string, fallback bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return fallback
}

// Tool couples a schema with its handler. Handlers return a value that is
// marshaled into the payload, or an error that becomes an error payload.
type Tool struct {
	Schema provider.ToolSchema
	Run    func(ctx context.Context, args Args) (any, error)
}

// Registry holds the registered tools and dispatches calls to them.
type Registry struct {
	tools           map[string]Tool
	maxPayloadBytes int
}

func NewRegistry() *Registry {
	return &Registry{
		tools:           make(map[string]Tool),
		maxPayloadBytes: defaultMaxPayloadBytes,
	}
}

// SetMaxPayloadBytes caps the size of any dispatch payload.
func (r *Registry) SetMaxPayloadBytes(n int) {
	if n > 0 {
		r.maxPayloadBytes = n
	}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) error {
	if t.Schema.Name == "" {
		return fmt.Errorf("tool schema has no name")
	}
	if t.Run == nil {
		return fmt.Errorf("tool %q has no handler", t.Schema.Name)
	}
	r.tools[t.Schema.Name] = t
	return nil
}

// Schemas returns the declarations for every registered tool, sorted by name
// so the model sees a stable list.
func (r *Registry) Schemas() []provider.ToolSchema {
	out := make([]provider.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Dispatch executes one requested call and always returns a JSON payload.
// Unknown tools, bad arguments, and handler failures produce an error
// payload; they never return a Go error to the loop.
func (r *Registry) Dispatch(ctx context.Context, call provider.ToolCall) string {
	tool, ok := r.tools[call.Name]
	if !ok {
		return errPayload(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	args := Args{}
	if call.Args != "" {
		if err := json.Unmarshal([]byte(call.Args), &args); err != nil {
			return errPayload(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
	}

	if err := validateArgs(tool.Schema, args); err != nil {
		return errPayload(err.Error())
	}

	result, err := tool.Run(ctx, args)
	if err != nil {
		return errPayload(err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return errPayload(fmt.Sprintf("failed to encode %s result: %v", call.Name, err))
	}
	return r.clip(payload)
}

// clip enforces the payload ceiling. An oversized payload is replaced by a
// wrapper that carries a prefix of the original and an explicit marker, so
// the model knows it is looking at a partial result.
func (r *Registry) clip(payload []byte) string {
	if len(payload) <= r.maxPayloadBytes {
		return string(payload)
	}
	wrapper := map[string]any{
		"truncated": true,
		"payload":   string(payload[:r.maxPayloadBytes]),
		"full_size": len(payload),
	}
	out, _ := json.Marshal(wrapper)
	return string(out)
}

func errPayload(msg string) string {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return string(out)
}

// validateArgs checks required parameters are present and every provided
// parameter has the declared type. Unknown parameters are rejected so a
// hallucinated argument fails loudly instead of being silently ignored.
func validateArgs(schema provider.ToolSchema, args Args) error {
	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("%s: missing required argument %q", schema.Name, req)
		}
	}
	for name, val := range args {
		prop, ok := schema.Parameters[name]
		if !ok {
			return fmt.Errorf("%s: unknown argument %q", schema.Name, name)
		}
		if !typeMatches(prop.Type, val) {
			return fmt.Errorf("%s: argument %q must be %s", schema.Name, name, prop.Type)
		}
	}
	return nil
}

func typeMatches(declared string, val any) bool {
	if val == nil {
		return true
	}
	switch declared {
	case "string":
		_, ok := val.(string)
		return ok
	case "integer", "number":
		_, ok := val.(float64)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	}
	return true
}
