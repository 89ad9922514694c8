// Package executor maps tool calls onto HTTP requests against the backend
// API using each tool's routing spec, and records every call in the MCP
// call log.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/toolforge/forge/pkg/config"
	"github.com/toolforge/forge/pkg/registry"
)

// Per-call deadline. Tool calls that outlive it surface as network errors.
const callTimeout = 30 * time.Second

// Non-2xx bodies are previewed at most this many characters in the error.
const errPreviewLen = 200

// Result is the outcome of one tool execution. Failures are represented in
// the result rather than as Go errors so the model can observe them: a
// missing tool is {Status: 404, Err: "Tool not found"}, a network failure
// is {Status: 0, Body: {error: msg}, Err: msg}.
type Result struct {
	Status int    `json:"status"`
	Body   any    `json:"body"`
	Err    string `json:"error,omitempty"`
}

// Executor executes tool calls against the configured backend API.
type Executor struct {
	cfg      *config.Config
	registry *registry.Store
	client   *http.Client
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(e *Executor) {
		e.client = h
	}
}

func New(cfg *config.Config, reg *registry.Store, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		registry: reg,
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call. The caller's JWT, when present, is forwarded
// to the backend. The result is always non-nil.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any, userJWT string) *Result {
	tool, err := e.registry.GetPromoted(ctx, toolName)
	if err != nil {
		return &Result{
			Status: http.StatusNotFound,
			Body:   map[string]any{"error": "Tool not found"},
			Err:    "Tool not found",
		}
	}

	routing := tool.Spec.MCPRouting
	if routing == nil {
		msg := fmt.Sprintf("tool %s has no routing spec", toolName)
		return &Result{Status: 0, Body: map[string]any{"error": msg}, Err: msg}
	}

	method := strings.ToUpper(routing.Method)
	if method == "" {
		method = http.MethodGet
	}

	reqURL, body := buildRequest(e.cfg.APIBase(), routing, args)

	var reqBody io.Reader
	attachBody := len(body) > 0 &&
		(method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch)
	if attachBody {
		data, err := json.Marshal(body)
		if err != nil {
			msg := fmt.Sprintf("failed to encode request body: %v", err)
			return &Result{Status: 0, Body: map[string]any{"error": msg}, Err: msg}
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		msg := fmt.Sprintf("failed to build request: %v", err)
		return &Result{Status: 0, Body: map[string]any{"error": msg}, Err: msg}
	}
	req.Header.Set("Accept", "application/json")
	if attachBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if userJWT != "" {
		req.Header.Set("Authorization", "Bearer "+userJWT)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		msg := err.Error()
		e.logCall(ctx, toolName, args, "", 0, latency, msg)
		return &Result{Status: 0, Body: map[string]any{"error": msg}, Err: msg}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		msg := fmt.Sprintf("failed to read response: %v", err)
		e.logCall(ctx, toolName, args, "", resp.StatusCode, latency, msg)
		return &Result{Status: 0, Body: map[string]any{"error": msg}, Err: msg}
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = map[string]any{"text": string(raw)}
	}

	result := &Result{Status: resp.StatusCode, Body: parsed}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, preview(string(raw)))
	}

	e.logCall(ctx, toolName, args, string(raw), resp.StatusCode, latency, result.Err)
	slog.Debug("Tool executed", "tool", toolName, "status", resp.StatusCode, "latencyMs", latency)
	return result
}

// buildRequest applies the routing's paramMap: path placeholders are
// substituted URL-encoded, query params appended, body fields collected.
// Parameters absent from args are skipped.
func buildRequest(baseURL string, routing *registry.MCPRouting, args map[string]any) (string, map[string]any) {
	reqURL := baseURL + routing.Endpoint
	query := url.Values{}
	body := map[string]any{}

	for param, mapping := range routing.ParamMap {
		value, ok := args[param]
		if !ok {
			continue
		}
		switch {
		case mapping.Path != "":
			placeholder := "{" + mapping.Path + "}"
			reqURL = strings.ReplaceAll(reqURL, placeholder, url.PathEscape(stringify(value)))
		case mapping.Query != "":
			query.Set(mapping.Query, stringify(value))
		case mapping.Body != "":
			body[mapping.Body] = value
		}
	}

	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	return reqURL, body
}

// stringify renders a JSON-decoded value for URL use. Strings pass through;
// everything else takes its JSON form (so 42.0 renders "42", true "true").
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func preview(s string) string {
	if len(s) <= errPreviewLen {
		return s
	}
	return s[:errPreviewLen]
}

// logCall appends to the MCP call log. The write uses a detached context so
// an expired call deadline cannot also kill the telemetry write.
func (e *Executor) logCall(ctx context.Context, tool string, args map[string]any, output string, status int, latencyMs int64, errMsg string) {
	e.registry.AppendCallLog(context.WithoutCancel(ctx), registry.CallLogEntry{
		ToolName:   tool,
		Input:      args,
		Output:     output,
		StatusCode: status,
		LatencyMs:  latencyMs,
		Err:        errMsg,
	})
}
