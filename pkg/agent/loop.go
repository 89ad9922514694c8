// Package agent implements the ReAct loop: an alternation of model turns
// and tool executions that ends when the model stops requesting tools. The
// loop is an asynchronous producer of tagged events; the HTTP handler (or
// a terminal viewer) is the single consumer and drives back-pressure
// through the unbuffered event channel.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/toolforge/forge/pkg/executor"
	"github.com/toolforge/forge/pkg/llm"
	"github.com/toolforge/forge/pkg/verifier"
)

// DefaultMaxTurns bounds the number of model turns in one run.
const DefaultMaxTurns = 10

// Transport is the slice of the LLM client the loop needs.
type Transport interface {
	Turn(ctx context.Context, opts *llm.TurnOptions) (*llm.Result, error)
	TurnStreaming(ctx context.Context, opts *llm.TurnOptions) <-chan llm.StreamEvent
}

// ToolExecutor executes one tool call against the backend API.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]any, userJWT string) *executor.Result
}

// Hooks are the loop's two decision points. Either may be nil: a nil
// ShouldPause never pauses and a nil OnAfterToolCall passes every result.
type Hooks struct {
	// ShouldPause is consulted before a tool call executes. Returning true
	// pauses the loop with the given message.
	ShouldPause func(ctx context.Context, tc llm.ToolCall) (bool, string)

	// OnAfterToolCall inspects an executed result and reports the worst
	// verifier outcome for it.
	OnAfterToolCall func(ctx context.Context, tc llm.ToolCall, result *executor.Result) verifier.Result
}

// Options parameterise one run.
type Options struct {
	Provider  llm.Provider // empty means detect from Model
	APIKey    string       // empty means resolve from the environment
	Model     string
	System    string
	Messages  []llm.Message
	Tools     []llm.Tool
	MaxTurns  int // 0 means DefaultMaxTurns
	MaxTokens int // 0 means the transport default
	Stream    bool
	UserJWT   string
	Hooks     Hooks

	// Resume state. StartTurn is the turn index a paused run stopped at,
	// PendingCalls are the tool calls that were awaiting the human
	// decision. With Approve they execute without consulting ShouldPause
	// again; without it the model is told they were declined.
	StartTurn    int
	PendingCalls []llm.ToolCall
	Approve      bool
}

// toolExecution pairs a tool call with its executed result.
type toolExecution struct {
	call   llm.ToolCall
	result *executor.Result
}

// Loop runs the agent loop against a transport and an executor.
type Loop struct {
	transport Transport
	executor  ToolExecutor
}

// New returns a Loop bound to the given transport and executor.
func New(transport Transport, exec ToolExecutor) *Loop {
	return &Loop{transport: transport, executor: exec}
}

// Run starts the loop and returns its event channel. The channel is
// unbuffered and closes after the terminal done, hitl, or error event.
// Cancelling ctx abandons the run; an abandoned run closes the channel
// without a terminal event.
func (l *Loop) Run(ctx context.Context, opts *Options) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		l.run(ctx, opts, events)
	}()
	return events
}

func (l *Loop) run(ctx context.Context, o *Options, out chan<- Event) {
	provider := o.Provider
	if provider == "" {
		provider = llm.DetectProvider(o.Model)
	}
	maxTurns := o.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	conversation := append([]llm.Message(nil), o.Messages...)
	var total llm.Usage

	start := o.StartTurn
	if len(o.PendingCalls) > 0 {
		next, ok := l.resumePending(ctx, o, provider, conversation, out)
		if !ok {
			return
		}
		conversation = next
		start++
	}

	for turn := start; turn < maxTurns; turn++ {
		if ctx.Err() != nil {
			return
		}

		result, err := l.modelTurn(ctx, o, provider, conversation, out)
		if err != nil {
			emit(ctx, out, Event{Type: EventError, Message: err.Error()})
			return
		}
		if !o.Stream && result.Text != "" {
			if !emit(ctx, out, Event{Type: EventText, Text: result.Text}) {
				return
			}
		}
		total.Add(result.Usage)

		if len(result.ToolCalls) == 0 {
			emit(ctx, out, Event{Type: EventDone, Usage: &total})
			return
		}

		executed, stopped := l.runToolCalls(ctx, o, conversation, result.ToolCalls, turn, out)
		if stopped {
			return
		}
		conversation = appendTurn(provider, conversation, result.Text, result.ToolCalls, executed)
	}

	emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("reached maxTurns (%d) without a final response", maxTurns)})
}

// modelTurn performs one LLM turn, buffered or streaming. In streaming
// mode text deltas are forwarded as they arrive and the final done chunk
// is authoritative for text, tool calls, and usage.
func (l *Loop) modelTurn(ctx context.Context, o *Options, provider llm.Provider, conversation []llm.Message, out chan<- Event) (*llm.Result, error) {
	turnOpts := &llm.TurnOptions{
		Provider:  provider,
		APIKey:    o.APIKey,
		Model:     o.Model,
		System:    o.System,
		Messages:  conversation,
		Tools:     o.Tools,
		MaxTokens: o.MaxTokens,
	}
	if !o.Stream {
		return l.transport.Turn(ctx, turnOpts)
	}

	ch := l.transport.TurnStreaming(ctx, turnOpts)
	var final *llm.Result
	for ev := range ch {
		switch ev.Type {
		case llm.EventTextDelta:
			if !emit(ctx, out, Event{Type: EventTextDelta, Text: ev.Text}) {
				go drain(ch)
				return nil, ctx.Err()
			}
		case llm.EventDone:
			final = &llm.Result{Text: ev.Text, ToolCalls: ev.ToolCalls, Usage: ev.Usage, StopReason: ev.StopReason}
		case llm.EventError:
			go drain(ch)
			return nil, ev.Err
		}
	}
	if final == nil {
		return nil, errors.New("LLM stream ended without completion")
	}
	return final, nil
}

// runToolCalls executes one turn's tool calls in order. It returns the
// executions for conversation shaping and whether the loop stopped
// (pause, block, or abandoned consumer).
func (l *Loop) runToolCalls(ctx context.Context, o *Options, conversation []llm.Message, calls []llm.ToolCall, turn int, out chan<- Event) ([]toolExecution, bool) {
	executed := make([]toolExecution, 0, len(calls))
	for i, tc := range calls {
		if !emit(ctx, out, Event{Type: EventToolCall, Tool: tc.Name, Args: tc.Input, ID: tc.ID}) {
			return nil, true
		}

		if o.Hooks.ShouldPause != nil {
			if pause, message := o.Hooks.ShouldPause(ctx, tc); pause {
				emit(ctx, out, Event{
					Type:                 EventHitl,
					Tool:                 tc.Name,
					Args:                 tc.Input,
					Message:              message,
					PendingToolCalls:     calls[i:],
					ConversationMessages: conversation,
					TurnIndex:            turn,
				})
				return nil, true
			}
		}

		exec, stop := l.executeOne(ctx, o, conversation, calls, i, turn, out)
		if stop {
			return nil, true
		}
		executed = append(executed, exec)
	}
	return executed, false
}

// executeOne runs a single tool call through the executor and the
// post-execution hook. stop reports that the loop must terminate.
func (l *Loop) executeOne(ctx context.Context, o *Options, conversation []llm.Message, calls []llm.ToolCall, i, turn int, out chan<- Event) (toolExecution, bool) {
	tc := calls[i]
	result := l.executor.Execute(ctx, tc.Name, tc.Input, o.UserJWT)
	if !emit(ctx, out, Event{Type: EventToolResult, Tool: tc.Name, ID: tc.ID, Result: result.Body}) {
		return toolExecution{}, true
	}

	verdict := verifier.Result{Outcome: verifier.OutcomePass}
	if o.Hooks.OnAfterToolCall != nil {
		verdict = o.Hooks.OnAfterToolCall(ctx, tc, result)
	}
	switch verdict.Outcome {
	case verifier.OutcomeWarn:
		if !emit(ctx, out, Event{Type: EventToolWarning, Tool: tc.Name, Message: verdict.Message, Verifier: verdict.VerifierName}) {
			return toolExecution{}, true
		}
	case verifier.OutcomeBlock:
		emit(ctx, out, Event{
			Type:                 EventHitl,
			Tool:                 tc.Name,
			Args:                 tc.Input,
			Message:              blockMessage(verdict, tc.Name),
			Verifier:             verdict.VerifierName,
			PendingToolCalls:     calls[i+1:],
			ConversationMessages: conversation,
			TurnIndex:            turn,
		})
		return toolExecution{}, true
	}
	return toolExecution{call: tc, result: result}, false
}

// resumePending finishes the turn a paused run stopped at. On approval the
// pending calls execute without consulting ShouldPause again; on denial
// the model is told the calls were declined. It returns the extended
// conversation and whether the loop may continue.
func (l *Loop) resumePending(ctx context.Context, o *Options, provider llm.Provider, conversation []llm.Message, out chan<- Event) ([]llm.Message, bool) {
	if !o.Approve {
		names := make([]string, len(o.PendingCalls))
		for i, tc := range o.PendingCalls {
			names[i] = tc.Name
		}
		declined := llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("The user declined the pending tool call(s): %s. Do not retry them; acknowledge and continue.", strings.Join(names, ", ")),
		}
		return append(conversation, declined), true
	}

	executed := make([]toolExecution, 0, len(o.PendingCalls))
	for i, tc := range o.PendingCalls {
		if !emit(ctx, out, Event{Type: EventToolCall, Tool: tc.Name, Args: tc.Input, ID: tc.ID}) {
			return nil, false
		}
		exec, stop := l.executeOne(ctx, o, conversation, o.PendingCalls, i, o.StartTurn, out)
		if stop {
			return nil, false
		}
		executed = append(executed, exec)
	}
	return appendTurn(provider, conversation, "", o.PendingCalls, executed), true
}

// appendTurn extends the conversation with a completed turn in the shape
// the provider's message validator expects. For anthropic that is one
// assistant message whose blocks are the turn text plus a tool_use block
// per call, then one user message carrying a tool_result block per
// execution. For the OpenAI-compatible providers it is one assistant
// message carrying the tool_calls array, then one tool-role message per
// execution.
func appendTurn(provider llm.Provider, conversation []llm.Message, text string, calls []llm.ToolCall, executed []toolExecution) []llm.Message {
	if provider == llm.ProviderAnthropic {
		blocks := make([]llm.ContentBlock, 0, len(calls)+1)
		if text != "" {
			blocks = append(blocks, llm.ContentBlock{Type: "text", Text: text})
		}
		for _, tc := range calls {
			blocks = append(blocks, llm.ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		results := make([]llm.ContentBlock, 0, len(executed))
		for _, ex := range executed {
			results = append(results, llm.ContentBlock{
				Type:      "tool_result",
				ToolUseID: ex.call.ID,
				Content:   stringifyBody(ex.result.Body),
			})
		}
		return append(conversation,
			llm.Message{Role: "assistant", Blocks: blocks},
			llm.Message{Role: "user", Blocks: results},
		)
	}

	conversation = append(conversation, llm.Message{Role: "assistant", Content: text, ToolCalls: calls})
	for _, ex := range executed {
		conversation = append(conversation, llm.Message{
			Role:       "tool",
			ToolCallID: ex.call.ID,
			Content:    stringifyBody(ex.result.Body),
		})
	}
	return conversation
}

// stringifyBody renders a tool result body for a provider message.
// Strings pass through; everything else is JSON-encoded.
func stringifyBody(body any) string {
	if s, ok := body.(string); ok {
		return s
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(data)
}

func blockMessage(v verifier.Result, tool string) string {
	msg := fmt.Sprintf("verifier %s blocked the result of %s", v.VerifierName, tool)
	if v.Message != "" {
		msg += ": " + v.Message
	}
	return msg
}

// emit sends one event, giving up when the consumer's context ends.
func emit(ctx context.Context, out chan<- Event, e Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain discards the rest of a stream so its producer can finish.
func drain(ch <-chan llm.StreamEvent) {
	for range ch {
	}
}
