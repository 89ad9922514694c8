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

// anthropicTool is a tool definition in Anthropic format.
type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// anthropicRequest is the request payload for the Anthropic messages API.
type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	System    string             `json:"system,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

// anthropicMessage is one conversation entry. Content is either a string or
// a []ContentBlock.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// anthropicUsage is the provider-reported token accounting.
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicAPIError is the provider's error object.
type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicResponse is the buffered response shape.
type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []ContentBlock     `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      *anthropicUsage    `json:"usage"`
	Error      *anthropicAPIError `json:"error,omitempty"`
}

// anthropicDelta is incremental streaming content.
type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// anthropicStreamEvent is one streaming event payload.
type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *ContentBlock      `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicAPIError `json:"error,omitempty"`
}

// buildAnthropicRequest converts neutral options into the wire shape.
// System-role history messages fold into the system field; tool-role
// messages become user messages carrying tool_result blocks.
func buildAnthropicRequest(opts *TurnOptions, stream bool) anthropicRequest {
	system := opts.System
	messages := make([]anthropicMessage, 0, len(opts.Messages))

	for _, msg := range opts.Messages {
		switch {
		case msg.Role == "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case msg.Role == "tool":
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []ContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case len(msg.Blocks) > 0:
			messages = append(messages, anthropicMessage{
				Role:    msg.Role,
				Content: msg.Blocks,
			})
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []ContentBlock{}
			if msg.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Input})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			messages = append(messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	req := anthropicRequest{
		Model:     opts.Model,
		Messages:  messages,
		MaxTokens: opts.maxTokens(),
		Stream:    stream,
		System:    system,
	}
	if len(opts.Tools) > 0 {
		tools := make([]anthropicTool, len(opts.Tools))
		for i, t := range opts.Tools {
			tools[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
		}
		req.Tools = tools
	}
	return req
}

func (c *Client) anthropicHTTPRequest(ctx context.Context, opts *TurnOptions, payload any) (*http.Request, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(ProviderAnthropic), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", opts.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	return req, nil
}

// anthropicTurn performs one buffered turn.
func (c *Client) anthropicTurn(ctx context.Context, opts *TurnOptions) (*Result, error) {
	req, err := c.anthropicHTTPRequest(ctx, opts, buildAnthropicRequest(opts, false))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newAPIError(ProviderAnthropic, 0, fmt.Sprintf("request failed: %v", err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newAPIError(ProviderAnthropic, resp.StatusCode, fmt.Sprintf("failed to read response: %v", err), err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ApiError{
			Provider: ProviderAnthropic,
			Status:   resp.StatusCode,
			Message:  fmt.Sprintf("non-JSON response: %s", preview(string(body), nonJSONPreviewLen)),
		}
	}
	if parsed.Error != nil {
		return nil, &ApiError{Provider: ProviderAnthropic, Status: resp.StatusCode, Message: parsed.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ApiError{
			Provider: ProviderAnthropic,
			Status:   resp.StatusCode,
			Message:  preview(string(body), nonJSONPreviewLen),
		}
	}

	result := &Result{StopReason: parsed.StopReason, RawContent: parsed.Content}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			result.Text += block.Text
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	if parsed.Usage != nil {
		result.Usage = &Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens}
	}
	return result, nil
}

// toolJSONBuffer accumulates partial JSON argument fragments for one
// tool_use block during streaming.
type toolJSONBuffer struct {
	id   string
	name string
	json string
}

// anthropicStream performs one streaming turn, forwarding text deltas and a
// final authoritative done event to out.
func (c *Client) anthropicStream(ctx context.Context, opts *TurnOptions, out chan<- StreamEvent) error {
	req, err := c.anthropicHTTPRequest(ctx, opts, buildAnthropicRequest(opts, true))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newAPIError(ProviderAnthropic, 0, fmt.Sprintf("request failed: %v", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, streamPreviewLen))
		return &ApiError{Provider: ProviderAnthropic, Status: resp.StatusCode, Message: string(body)}
	}

	var (
		text       string
		stopReason string
		usage      Usage
		buffers    = map[int]*toolJSONBuffer{}
	)

	reader := newSSEReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err == io.EOF {
			return newAPIError(ProviderAnthropic, 0, "LLM stream ended without completion", nil)
		}
		if err != nil {
			return newAPIError(ProviderAnthropic, 0, fmt.Sprintf("failed to read stream: %v", err), err)
		}
		if frame.data == "" || frame.data == sseDone {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(frame.data), &event); err != nil {
			return newAPIError(ProviderAnthropic, 0, fmt.Sprintf("failed to decode stream event: %v", err), err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.OutputTokens = event.Message.Usage.OutputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				buffers[event.Index] = &toolJSONBuffer{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					text += event.Delta.Text
					out <- StreamEvent{Type: EventTextDelta, Text: event.Delta.Text}
				}
			case "input_json_delta":
				if buf, ok := buffers[event.Index]; ok {
					buf.json += event.Delta.PartialJSON
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			out <- StreamEvent{
				Type:       EventDone,
				Text:       text,
				ToolCalls:  drainToolBuffers(buffers),
				Usage:      &Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
				StopReason: stopReason,
			}
			return nil

		case "error":
			msg := "provider error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return &ApiError{Provider: ProviderAnthropic, Message: msg}
		}
	}
}

// drainToolBuffers parses the accumulated per-block JSON fragments in block
// order. Fragments that fail to parse yield an empty input map.
func drainToolBuffers(buffers map[int]*toolJSONBuffer) []ToolCall {
	if len(buffers) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(buffers))
	for idx := range buffers {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(buffers))
	for _, idx := range indexes {
		buf := buffers[idx]
		input := map[string]any{}
		if buf.json != "" {
			if err := json.Unmarshal([]byte(buf.json), &input); err != nil {
				input = map[string]any{}
			}
		}
		calls = append(calls, ToolCall{ID: buf.id, Name: buf.name, Input: input})
	}
	return calls
}
