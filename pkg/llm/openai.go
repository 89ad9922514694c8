package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
)

// openAIFunction is the function payload of an OpenAI-compatible tool.
type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// openAITool wraps a function definition in the tool envelope shared by
// openai, google, and deepseek.
type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

// openAIRequestMessage is one request conversation entry. Content is a
// string or nil (assistant turns that only carry tool calls).
type openAIRequestMessage struct {
	Role       string               `json:"role"`
	Content    any                  `json:"content"`
	ToolCalls  []openAIToolCallWire `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

// openAIToolCallWire is the wire shape of one tool call. Arguments is a
// JSON-encoded string, not an object.
type openAIToolCallWire struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// openAIRequest is the chat completions request payload.
type openAIRequest struct {
	Model      string                 `json:"model"`
	Messages   []openAIRequestMessage `json:"messages"`
	MaxTokens  int                    `json:"max_tokens,omitempty"`
	Stream     bool                   `json:"stream,omitempty"`
	Tools      []openAITool           `json:"tools,omitempty"`
	ToolChoice string                 `json:"tool_choice,omitempty"`
}

// openAIUsage is the provider-reported token accounting.
type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// openAIErrorObj is the provider's error object.
type openAIErrorObj struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// openAIResponseMessage is the buffered assistant message.
type openAIResponseMessage struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	ToolCalls []openAIToolCallWire `json:"tool_calls,omitempty"`
}

// openAIDelta is one streaming increment.
type openAIDelta struct {
	Role      string               `json:"role,omitempty"`
	Content   string               `json:"content,omitempty"`
	ToolCalls []openAIToolCallWire `json:"tool_calls,omitempty"`
}

// openAIChoice is one completion choice; buffered responses carry Message,
// streaming chunks carry Delta.
type openAIChoice struct {
	Index        int                    `json:"index"`
	Message      *openAIResponseMessage `json:"message,omitempty"`
	Delta        *openAIDelta           `json:"delta,omitempty"`
	FinishReason string                 `json:"finish_reason,omitempty"`
}

// openAIResponse covers both buffered responses and streaming chunks.
type openAIResponse struct {
	ID      string          `json:"id"`
	Choices []openAIChoice  `json:"choices"`
	Usage   *openAIUsage    `json:"usage,omitempty"`
	Error   *openAIErrorObj `json:"error,omitempty"`
}

// buildOpenAIRequest converts neutral options into the OpenAI-compatible
// wire shape. The system prompt leads the message list; anthropic-shaped
// block messages are tolerated and reshaped.
func buildOpenAIRequest(opts *TurnOptions, stream bool) openAIRequest {
	messages := make([]openAIRequestMessage, 0, len(opts.Messages)+1)
	if opts.System != "" {
		messages = append(messages, openAIRequestMessage{Role: "system", Content: opts.System})
	}

	for _, msg := range opts.Messages {
		switch {
		case msg.Role == "tool" || msg.ToolCallID != "":
			messages = append(messages, openAIRequestMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			wire := openAIRequestMessage{Role: "assistant"}
			if msg.Content != "" {
				wire.Content = msg.Content
			}
			for _, tc := range msg.ToolCalls {
				wire.ToolCalls = append(wire.ToolCalls, encodeOpenAIToolCall(tc))
			}
			messages = append(messages, wire)
		case len(msg.Blocks) > 0:
			wire := openAIRequestMessage{Role: msg.Role}
			var content string
			for _, block := range msg.Blocks {
				switch block.Type {
				case "text":
					content += block.Text
				case "tool_use":
					wire.ToolCalls = append(wire.ToolCalls, encodeOpenAIToolCall(ToolCall{ID: block.ID, Name: block.Name, Input: block.Input}))
				case "tool_result":
					wire.Role = "tool"
					wire.ToolCallID = block.ToolUseID
					content += block.Content
				}
			}
			if content != "" {
				wire.Content = content
			}
			messages = append(messages, wire)
		default:
			messages = append(messages, openAIRequestMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	req := openAIRequest{
		Model:     opts.Model,
		Messages:  messages,
		MaxTokens: opts.maxTokens(),
		Stream:    stream,
	}
	if len(opts.Tools) > 0 {
		tools := make([]openAITool, len(opts.Tools))
		for i, t := range opts.Tools {
			tools[i] = openAITool{
				Type: "function",
				Function: openAIFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			}
		}
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	return req
}

func encodeOpenAIToolCall(tc ToolCall) openAIToolCallWire {
	var wire openAIToolCallWire
	wire.ID = tc.ID
	wire.Type = "function"
	wire.Function.Name = tc.Name
	args, err := json.Marshal(tc.Input)
	if err != nil {
		args = []byte("{}")
	}
	wire.Function.Arguments = string(args)
	return wire
}

// decodeOpenAIToolCalls parses the JSON-string arguments of each wire tool
// call. Arguments that fail to parse yield an empty input map.
func decodeOpenAIToolCalls(wire []openAIToolCallWire) []ToolCall {
	if len(wire) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(wire))
	for _, w := range wire {
		input := map[string]any{}
		if w.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(w.Function.Arguments), &input); err != nil {
				input = map[string]any{}
			}
		}
		calls = append(calls, ToolCall{ID: w.ID, Name: w.Function.Name, Input: input})
	}
	return calls
}

func (c *Client) openAIHTTPRequest(ctx context.Context, opts *TurnOptions, payload any) (*http.Request, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(opts.Provider), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	return req, nil
}

// openAITurn performs one buffered turn against an OpenAI-compatible
// provider.
func (c *Client) openAITurn(ctx context.Context, opts *TurnOptions) (*Result, error) {
	req, err := c.openAIHTTPRequest(ctx, opts, buildOpenAIRequest(opts, false))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newAPIError(opts.Provider, 0, fmt.Sprintf("request failed: %v", err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newAPIError(opts.Provider, resp.StatusCode, fmt.Sprintf("failed to read response: %v", err), err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ApiError{
			Provider: opts.Provider,
			Status:   resp.StatusCode,
			Message:  fmt.Sprintf("non-JSON response: %s", preview(string(body), nonJSONPreviewLen)),
		}
	}
	if parsed.Error != nil {
		return nil, &ApiError{Provider: opts.Provider, Status: resp.StatusCode, Message: parsed.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ApiError{
			Provider: opts.Provider,
			Status:   resp.StatusCode,
			Message:  preview(string(body), nonJSONPreviewLen),
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ApiError{Provider: opts.Provider, Status: resp.StatusCode, Message: "response contained no choices"}
	}

	choice := parsed.Choices[0]
	result := &Result{StopReason: choice.FinishReason, RawContent: choice.Message}
	if choice.Message != nil {
		result.Text = choice.Message.Content
		result.ToolCalls = decodeOpenAIToolCalls(choice.Message.ToolCalls)
	}
	if parsed.Usage != nil {
		result.Usage = &Usage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens}
	}
	return result, nil
}

// streamingToolCall accumulates one tool call across streaming chunks.
type streamingToolCall struct {
	id   string
	name string
	args string
}

// openAIStream performs one streaming turn against an OpenAI-compatible
// provider.
func (c *Client) openAIStream(ctx context.Context, opts *TurnOptions, out chan<- StreamEvent) error {
	req, err := c.openAIHTTPRequest(ctx, opts, buildOpenAIRequest(opts, true))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newAPIError(opts.Provider, 0, fmt.Sprintf("request failed: %v", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, streamPreviewLen))
		return &ApiError{Provider: opts.Provider, Status: resp.StatusCode, Message: string(body)}
	}

	var (
		text         string
		finishReason string
		usage        *Usage
		calls        = map[int]*streamingToolCall{}
	)

	emitDone := func() {
		out <- StreamEvent{
			Type:       EventDone,
			Text:       text,
			ToolCalls:  drainStreamingToolCalls(calls),
			Usage:      usage,
			StopReason: finishReason,
		}
	}

	reader := newSSEReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err == io.EOF {
			// Some compatible providers close the stream after the
			// finish_reason chunk without a [DONE] frame.
			if finishReason != "" {
				emitDone()
				return nil
			}
			return newAPIError(opts.Provider, 0, "LLM stream ended without completion", nil)
		}
		if err != nil {
			return newAPIError(opts.Provider, 0, fmt.Sprintf("failed to read stream: %v", err), err)
		}
		if frame.data == "" {
			continue
		}
		if frame.data == sseDone {
			emitDone()
			return nil
		}

		var chunk openAIResponse
		if err := json.Unmarshal([]byte(frame.data), &chunk); err != nil {
			return newAPIError(opts.Provider, 0, fmt.Sprintf("failed to decode stream chunk: %v", err), err)
		}
		if chunk.Error != nil {
			return &ApiError{Provider: opts.Provider, Message: chunk.Error.Message}
		}
		if chunk.Usage != nil {
			usage = &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}
		if choice.Delta.Content != "" {
			text += choice.Delta.Content
			out <- StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content}
		}
		for _, wire := range choice.Delta.ToolCalls {
			acc, ok := calls[wire.Index]
			if !ok {
				acc = &streamingToolCall{}
				calls[wire.Index] = acc
			}
			if wire.ID != "" {
				acc.id = wire.ID
			}
			if wire.Function.Name != "" {
				acc.name = wire.Function.Name
			}
			acc.args += wire.Function.Arguments
		}
	}
}

// drainStreamingToolCalls parses the accumulated argument fragments in
// index order. Fragments that fail to parse yield an empty input map.
func drainStreamingToolCalls(calls map[int]*streamingToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	result := make([]ToolCall, 0, len(calls))
	for _, idx := range indexes {
		acc := calls[idx]
		input := map[string]any{}
		if acc.args != "" {
			if err := json.Unmarshal([]byte(acc.args), &input); err != nil {
				input = map[string]any{}
			}
		}
		result = append(result, ToolCall{ID: acc.id, Name: acc.name, Input: input})
	}
	return result
}
