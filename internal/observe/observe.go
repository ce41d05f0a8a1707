// Package observe bundles structured logging and tracing for the runtime,
// plus helpers for the domain events worth logging the same way everywhere.
package observe

import (
	"context"
	"fmt"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("fsbridge")

// Observer handles logging and tracing.
type Observer struct {
	log *bolt.Logger
}

// New creates an Observer with human-readable console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	handler := bolt.NewConsoleHandler(out)
	l := bolt.New(handler)

	if !verbose {
		l.SetLevel(bolt.WARN)
	}

	return &Observer{log: l}
}

// NewJSON creates an Observer with JSON output, for CI or log shipping.
func NewJSON(out io.Writer, verbose bool) *Observer {
	handler := bolt.NewJSONHandler(out)
	l := bolt.New(handler)

	if !verbose {
		l.SetLevel(bolt.WARN)
	}

	return &Observer{log: l}
}

// Log returns the underlying logger.
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// TurnRecorded logs one persisted conversation turn with its token usage and
// estimated cost.
func (o *Observer) TurnRecorded(session string, toolCalls, inputTokens, outputTokens int, cost float64) {
	o.log.Info().
		Str("session", session).
		Int("tool_calls", toolCalls).
		Int("input_tokens", inputTokens).
		Int("output_tokens", outputTokens).
		Str("cost", fmt.Sprintf("$%.4f", cost)).
		Msg("turn recorded")
}

// RecallInjected logs how much prior-session context a new conversation
// starts with.
func (o *Observer) RecallInjected(project string, chars int) {
	o.log.Info().
		Str("project", project).
		Int("recall_chars", chars).
		Msg("prior context injected")
}

// StartSpan starts a new OTel span.
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// Close flushes any buffered logs or traces.
func (o *Observer) Close() error {
	return nil
}
