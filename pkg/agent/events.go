package agent

import "github.com/toolforge/forge/pkg/llm"

// Event type tags.
const (
	EventText        = "text"
	EventTextDelta   = "text_delta"
	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventToolWarning = "tool_warning"
	EventHitl        = "hitl"
	EventDone        = "done"
	EventError       = "error"
)

// Event is one tagged loop event. Which fields are set depends on Type:
// text and text_delta carry Text; tool_call carries Tool, Args, and ID;
// tool_result carries Tool, ID, and Result; tool_warning carries Tool,
// Message, and Verifier; hitl carries the pause context plus the loop
// snapshot needed to resume; done carries Usage; error carries Message.
type Event struct {
	// Type is carried on the SSE wire as the event name, not in the JSON
	// payload.
	Type string `json:"-"`

	Text string `json:"text,omitempty"`

	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	ID     string         `json:"id,omitempty"`
	Result any            `json:"result,omitempty"`

	Message  string `json:"message,omitempty"`
	Verifier string `json:"verifier,omitempty"`

	// Pause snapshot. ResumeToken is empty when the loop emits the event;
	// the consumer persists the snapshot, issues a token, and fills it in
	// before forwarding.
	ResumeToken          string         `json:"resumeToken,omitempty"`
	PendingToolCalls     []llm.ToolCall `json:"pendingToolCalls,omitempty"`
	ConversationMessages []llm.Message  `json:"conversationMessages,omitempty"`
	TurnIndex            int            `json:"turnIndex,omitempty"`

	Usage *llm.Usage `json:"usage,omitempty"`
}
