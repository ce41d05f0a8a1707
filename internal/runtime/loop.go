// Package runtime drives the conversation turn loop: model calls wrapped in
// retries, sequential tool dispatch, bounded history, and context recall.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/fsbridge/internal/history"
	"github.com/felixgeelhaar/fsbridge/internal/memory"
	"github.com/felixgeelhaar/fsbridge/internal/observe"
	"github.com/felixgeelhaar/fsbridge/internal/provider"
	"github.com/felixgeelhaar/fsbridge/internal/retry"
	"github.com/felixgeelhaar/fsbridge/internal/tools"
)

// ErrToolLoopExceeded is returned when a single turn spends its tool-round
// budget without the model producing a final answer. The transcript up to
// that point is kept.
var ErrToolLoopExceeded = errors.New("tool round limit exceeded")

const (
	recallHeader = "=== Prior session recall ==="
	recallFooter = "=== End recall ==="

	reviewPrompt = "Review the changes made in this conversation for obvious mistakes " +
		"(syntax errors, broken references, leftover placeholders). Fix small problems " +
		"directly with the tools, then reply with a one-line verdict."
	maxReviewRounds = 4
)

// Options configures a Loop.
type Options struct {
	SystemPrompt       string
	ProjectPath        string
	MaxToolRounds      int
	ContextTokenBudget int
	ReviewPass         bool
	Pricing            provider.Pricing
}

// turnTrace accumulates what happens inside one turn so the whole exchange
// can be persisted as a single record once the outcome is known.
type turnTrace struct {
	tools []memory.ToolInvocation
	usage provider.Usage
}

func (t *turnTrace) addUsage(u provider.Usage) {
	if t == nil {
		return
	}
	t.usage.PromptTokens += u.PromptTokens
	t.usage.CompletionTokens += u.CompletionTokens
	t.usage.TotalTokens += u.TotalTokens
}

func (t *turnTrace) addTool(call provider.ToolCall, result string) {
	if t == nil {
		return
	}
	t.tools = append(t.tools, memory.ToolInvocation{
		Name:   call.Name,
		Args:   call.Args,
		Result: clipResult(result),
	})
}

// Loop is the per-conversation orchestrator. Not safe for concurrent turns.
type Loop struct {
	provider provider.Provider
	registry *tools.Registry
	history  *history.Manager
	retrier  *retry.Retrier
	store    *memory.Store // nil disables persistence and recall
	obs      *observe.Observer
	bus      *Bus
	opts     Options

	sessionID string
}

func NewLoop(p provider.Provider, reg *tools.Registry, hist *history.Manager,
	ret *retry.Retrier, store *memory.Store, obs *observe.Observer, opts Options) *Loop {
	if opts.MaxToolRounds < 1 {
		opts.MaxToolRounds = 16
	}
	return &Loop{
		provider: p,
		registry: reg,
		history:  hist,
		retrier:  ret,
		store:    store,
		obs:      obs,
		bus:      NewBus(),
		opts:     opts,
	}
}

// Bus exposes the event stream for UIs.
func (l *Loop) Bus() *Bus {
	return l.bus
}

// SessionID returns the persistent session id, or "" when memory is off.
func (l *Loop) SessionID() string {
	return l.sessionID
}

// StartSession installs the system prompt, injects recalled context from
// earlier sessions, and registers the session in the store. Memory failures
// are logged and swallowed: a broken store must not block a conversation.
func (l *Loop) StartSession(ctx context.Context) {
	ctx, span := l.obs.StartSpan(ctx, "runtime.StartSession")
	defer span.End()

	prompt := l.opts.SystemPrompt
	if l.store != nil {
		recall, err := l.store.RecentContext(ctx, l.opts.ProjectPath, l.opts.ContextTokenBudget)
		if err != nil {
			l.obs.Log().Warn().Err(err).Msg("context recall failed, starting cold")
		} else if recall != "" {
			prompt = fmt.Sprintf("%s\n\n%s\n%s\n%s", prompt, recallHeader, recall, recallFooter)
			l.obs.RecallInjected(l.opts.ProjectPath, len(recall))
		}

		id, err := l.store.StartSession(ctx, l.opts.ProjectPath)
		if err != nil {
			l.obs.Log().Warn().Err(err).Msg("session not persisted")
		} else {
			l.sessionID = id
		}
	}
	l.history.SetSystem(prompt)
}

// EndSession marks the persistent session finished and closes the event bus.
func (l *Loop) EndSession(ctx context.Context) {
	if l.store != nil && l.sessionID != "" {
		if err := l.store.EndSession(ctx, l.sessionID); err != nil {
			l.obs.Log().Warn().Err(err).Msg("failed to end session")
		}
	}
	l.bus.Close()
}

// ExecuteTurn runs one user turn to completion: model call, tool rounds,
// final answer. onChunk, when non-nil, receives the final answer text for
// incremental display.
//
// The exchange is persisted as one atomic turn after the final answer. A
// fatal or cancelled turn leaves no record; a turn that hits the tool-round
// cap persists its partial transcript for diagnostics.
func (l *Loop) ExecuteTurn(ctx context.Context, input string, onChunk func(string) error) (string, error) {
	ctx, span := l.obs.StartSpan(ctx, "runtime.ExecuteTurn")
	defer span.End()

	l.bus.Publish(Event{Kind: EventTurnStarted, Info: input})

	l.history.Append(provider.Message{Role: "user", Content: input})

	trace := &turnTrace{}
	answer, err := l.runRounds(ctx, l.history, l.opts.MaxToolRounds, onChunk, trace)
	if err != nil {
		l.bus.Publish(Event{Kind: EventError, Info: err.Error()})
		if errors.Is(err, ErrToolLoopExceeded) {
			l.persistTurn(ctx, input, answer, trace)
		}
		return answer, err
	}

	l.persistTurn(ctx, input, answer, trace)
	l.bus.Publish(Event{Kind: EventTurnFinished, Info: answer})

	if l.opts.ReviewPass {
		l.reviewPass(ctx)
	}
	return answer, nil
}

// runRounds is the tool-call state machine. Each iteration sends the
// transcript, dispatches any requested tools sequentially, and appends the
// round; a response without tool calls ends the turn. A non-nil trace
// collects tool invocations and usage for the turn record.
func (l *Loop) runRounds(ctx context.Context, hist *history.Manager, maxRounds int, onChunk func(string) error, trace *turnTrace) (string, error) {
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if round > maxRounds {
			note := fmt.Sprintf("stopped after %d tool rounds without a final answer", maxRounds)
			hist.Append(provider.Message{Role: "assistant", Content: note})
			return note, fmt.Errorf("%w: %d rounds", ErrToolLoopExceeded, maxRounds)
		}
		l.bus.Publish(Event{Kind: EventRoundStarted, Round: round})

		resp, err := l.chat(ctx, hist.Messages())
		if err != nil {
			return "", err
		}
		trace.addUsage(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			hist.Append(provider.Message{Role: "assistant", Content: resp.Content})
			if onChunk != nil && resp.Content != "" {
				if err := onChunk(resp.Content); err != nil {
					return resp.Content, err
				}
			}
			return resp.Content, nil
		}

		assistant := provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		results := make([]history.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			l.bus.Publish(Event{Kind: EventToolStarted, Round: round, Tool: call.Name})
			payload := l.registry.Dispatch(ctx, call)
			l.bus.Publish(Event{Kind: EventToolFinished, Round: round, Tool: call.Name, Info: clipInfo(payload)})
			results = append(results, history.ToolResult{ID: call.ID, Content: payload})
			trace.addTool(call, payload)
		}

		if err := hist.AppendToolRound(assistant, results); err != nil {
			return "", fmt.Errorf("assemble tool round: %w", err)
		}
	}
}

// chat sends one provider request under the retry policy.
func (l *Loop) chat(ctx context.Context, messages []provider.Message) (*provider.Response, error) {
	var resp *provider.Response
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = l.provider.Chat(ctx, messages, l.registry.Schemas())
		if err != nil {
			l.bus.Publish(Event{Kind: EventRetryWait, Info: err.Error()})
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("provider call failed: %w", err)
	}
	return resp, nil
}

// Ask is a one-shot question outside the tool loop. When the provider can
// stream, chunks arrive incrementally through onChunk; otherwise the full
// answer is delivered in one call.
func (l *Loop) Ask(ctx context.Context, input string, onChunk func(string) error) (string, error) {
	ctx, span := l.obs.StartSpan(ctx, "runtime.Ask")
	defer span.End()

	messages := []provider.Message{
		{Role: "system", Content: l.opts.SystemPrompt},
		{Role: "user", Content: input},
	}

	if streamer, ok := l.provider.(provider.Streamer); ok && onChunk != nil {
		var full string
		err := l.retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			full, err = streamer.Stream(ctx, messages, onChunk)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("provider call failed: %w", err)
		}
		return full, nil
	}

	var resp *provider.Response
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = l.provider.Chat(ctx, messages, nil)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("provider call failed: %w", err)
	}
	if onChunk != nil && resp.Content != "" {
		if err := onChunk(resp.Content); err != nil {
			return resp.Content, err
		}
	}
	return resp.Content, nil
}

// reviewPass runs a short second look over the turn's changes on a scratch
// copy of the transcript. It may fix files through the tools but never
// touches the main history; failures are logged and dropped.
func (l *Loop) reviewPass(ctx context.Context) {
	ctx, span := l.obs.StartSpan(ctx, "runtime.reviewPass")
	defer span.End()

	scratch := history.NewManager(l.history.Len() + 2*maxReviewRounds + 4)
	for _, m := range l.history.Messages() {
		scratch.Append(m)
	}
	scratch.Append(provider.Message{Role: "user", Content: reviewPrompt})

	verdict, err := l.runRounds(ctx, scratch, maxReviewRounds, nil, nil)
	if err != nil {
		l.obs.Log().Warn().Err(err).Msg("review pass failed")
		return
	}
	l.obs.Log().Info().Str("verdict", strings.TrimSpace(verdict)).Msg("review pass done")
}

// persistTurn writes the complete exchange as one record, logging instead of
// failing when the store misbehaves.
func (l *Loop) persistTurn(ctx context.Context, input, answer string, trace *turnTrace) {
	if l.store == nil || l.sessionID == "" {
		return
	}
	turn := memory.Turn{
		UserMessage:      input,
		AssistantMessage: answer,
		ToolCalls:        trace.tools,
		InputTokens:      trace.usage.PromptTokens,
		OutputTokens:     trace.usage.CompletionTokens,
		Cost:             l.opts.Pricing.Cost(trace.usage),
	}
	if err := l.store.RecordTurn(ctx, l.sessionID, l.opts.ProjectPath, turn); err != nil {
		l.obs.Log().Warn().Err(err).Msg("turn not persisted")
		return
	}
	l.obs.TurnRecorded(l.sessionID, len(turn.ToolCalls),
		turn.InputTokens, turn.OutputTokens, turn.Cost)
}

func clipInfo(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

// clipResult bounds stored tool results. Summarization only needs the head.
func clipResult(s string) string {
	if len(s) > 400 {
		return s[:400] + "..."
	}
	return s
}
