// Package llm is the multi-provider LLM transport. It normalises four wire
// protocols (anthropic plus the OpenAI-compatible trio openai, google,
// deepseek) into one buffered result shape and one streaming event shape.
package llm

import "time"

// Defaults applied when TurnOptions leaves them zero.
const (
	DefaultMaxTokens        = 4096
	DefaultTimeout          = 60 * time.Second
	DefaultStreamingTimeout = 120 * time.Second
)

// Tool is the neutral tool shape handed to the transport. Each provider
// converter reshapes it: anthropic uses input_schema, the OpenAI-compatible
// providers wrap it in {type: function, function: {...}}.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Usage is the normalized token accounting. Anthropic reports
// input_tokens/output_tokens, the others prompt_tokens/completion_tokens;
// both map here.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates another usage report.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ContentBlock is a tagged variant of the heterogeneous provider content
// shapes: text, tool_use, and tool_result.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// Message is one conversation entry in neutral shape. Plain turns carry
// Content; anthropic-shaped turns carry Blocks; OpenAI-compatible assistant
// turns carry ToolCalls and tool turns carry ToolCallID.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"toolCalls,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
}

// Result is the normalized outcome of one buffered model turn.
type Result struct {
	Text       string
	ToolCalls  []ToolCall
	RawContent any
	StopReason string
	Usage      *Usage
}

// Stream event types.
const (
	EventTextDelta = "text_delta"
	EventDone      = "done"
	EventError     = "error"
)

// StreamEvent is one chunk of a streaming turn. text_delta events carry
// incremental Text; the final done event is authoritative for Text,
// ToolCalls, Usage, and StopReason.
type StreamEvent struct {
	Type       string
	Text       string
	ToolCalls  []ToolCall
	Usage      *Usage
	StopReason string
	Err        error
}

// TurnOptions parameterises one model turn.
type TurnOptions struct {
	Provider  Provider
	APIKey    string
	Model     string
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
	Timeout   time.Duration
}

func (o *TurnOptions) maxTokens() int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return DefaultMaxTokens
}

func (o *TurnOptions) timeout(streaming bool) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	if streaming {
		return DefaultStreamingTimeout
	}
	return DefaultTimeout
}
