package server

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolforge/forge/pkg/auth"
	"github.com/toolforge/forge/pkg/config"
	"github.com/toolforge/forge/pkg/executor"
	"github.com/toolforge/forge/pkg/hitl"
	"github.com/toolforge/forge/pkg/llm"
	"github.com/toolforge/forge/pkg/registry"
	"github.com/toolforge/forge/pkg/session"
	"github.com/toolforge/forge/pkg/verifier"
)

type stubTransport struct {
	turn      func(ctx context.Context, opts *llm.TurnOptions) (*llm.Result, error)
	streaming func(ctx context.Context, opts *llm.TurnOptions) <-chan llm.StreamEvent
}

func (s *stubTransport) Turn(ctx context.Context, opts *llm.TurnOptions) (*llm.Result, error) {
	if s.turn == nil {
		return &llm.Result{Text: "ok"}, nil
	}
	return s.turn(ctx, opts)
}

func (s *stubTransport) TurnStreaming(ctx context.Context, opts *llm.TurnOptions) <-chan llm.StreamEvent {
	return s.streaming(ctx, opts)
}

type testEnv struct {
	server    *Server
	http      *httptest.Server
	cfg       *config.Config
	registry  *registry.Store
	sessions  session.Store
	transport *stubTransport
}

// newTestEnv wires a Server against :memory: SQLite stores and a stub LLM
// transport. Mutations run after defaults, right before New.
func newTestEnv(t *testing.T, mutate ...func(cfg *config.Config, opts *Options)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.SetDefaults()

	reg, err := registry.NewStore(db, "sqlite")
	require.NoError(t, err)
	require.NoError(t, reg.EnsureSchema(ctx))

	sessions, err := session.NewStore(cfg, db, "sqlite")
	require.NoError(t, err)

	engine, err := hitl.NewEngine(cfg, db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	authVerifier, err := auth.NewVerifier(cfg.Auth)
	require.NoError(t, err)

	transport := &stubTransport{}
	opts := Options{
		Config:   cfg,
		Auth:     authVerifier,
		Registry: reg,
		Sessions: sessions,
		Hitl:     engine,
		Verifier: verifier.NewRunner(verifier.NewStore(db, "sqlite"), nil),
		Executor: executor.New(cfg, reg),
		LLM:      transport,
	}
	for _, m := range mutate {
		m(cfg, &opts)
	}

	srv, err := New(opts)
	require.NoError(t, err)
	srv.nextWait = 100 * time.Millisecond

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:    srv,
		http:      ts,
		cfg:       cfg,
		registry:  reg,
		sessions:  sessions,
		transport: transport,
	}
}

func (e *testEnv) promoteTool(t *testing.T, name string, spec registry.ToolSpec) {
	t.Helper()
	require.NoError(t, e.registry.Insert(context.Background(), name, spec, registry.LifecyclePromoted))
}

// makeJWT builds a structurally valid token the trust-mode verifier
// accepts. The signature segment is garbage.
func makeJWT(t *testing.T, sub string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]string{"sub": sub})
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func jsonBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type sseEvent struct {
	name string
	data map[string]any
}

// readSSE drains an event-stream response to EOF.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		name   string
		data   string
	)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if name == "" && data == "" {
				continue
			}
			ev := sseEvent{name: name}
			require.NoError(t, json.Unmarshal([]byte(data), &ev.data), "event %s payload must be JSON", name)
			events = append(events, ev)
			name, data = "", ""
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.name
	}
	return names
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := jsonBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["queueLength"])
	assert.Equal(t, false, body["working"])
	assert.GreaterOrEqual(t, body["uptime"].(float64), 0.0)
}

func TestQueueLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/enqueue", "", map[string]any{"job": "sync"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := jsonBody(t, resp)
	assert.Equal(t, true, body["queued"])
	assert.EqualValues(t, 1, body["position"])

	resp = env.request(t, http.MethodGet, "/next", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	item := jsonBody(t, resp)
	assert.Equal(t, "sync", item["job"])

	resp = env.request(t, http.MethodPost, "/complete", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = jsonBody(t, resp)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 0, body["remaining"])

	// Empty queue long-poll times out with 204.
	resp = env.request(t, http.MethodGet, "/next", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEnqueueRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/enqueue", strings.NewReader("{nope"))
	require.NoError(t, err)
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShutdownEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodDelete, "/shutdown", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, jsonBody(t, resp)["ok"])

	select {
	case <-env.server.ShutdownRequested():
	default:
		t.Fatal("shutdown was not triggered")
	}
}

func TestChatRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/agent-api/chat", "", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/agent-api/chat", "not-a-jwt", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatValidatesBody(t *testing.T) {
	env := newTestEnv(t)
	token := makeJWT(t, "u1")

	resp := env.request(t, http.MethodPost, "/agent-api/chat", token, map[string]any{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/agent-api/chat", token,
		map[string]any{"message": "hi", "hitl_level": "reckless"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatTextOnly(t *testing.T) {
	env := newTestEnv(t)
	env.transport.turn = func(_ context.Context, opts *llm.TurnOptions) (*llm.Result, error) {
		require.Equal(t, "user", opts.Messages[len(opts.Messages)-1].Role)
		return &llm.Result{
			Text:  "Hello! How can I help?",
			Usage: &llm.Usage{InputTokens: 10, OutputTokens: 20},
		}, nil
	}

	resp := env.request(t, http.MethodPost, "/agent-api/chat", makeJWT(t, "u1"),
		map[string]any{"message": "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	sessionID := resp.Header.Get("X-Session-Id")
	require.NotEmpty(t, sessionID)

	events := readSSE(t, resp.Body)
	require.Equal(t, []string{"text", "done"}, eventNames(events))
	assert.Equal(t, "Hello! How can I help?", events[0].data["text"])
	usage := events[1].data["usage"].(map[string]any)
	assert.EqualValues(t, 10, usage["inputTokens"])
	assert.EqualValues(t, 20, usage["outputTokens"])

	history, err := env.sessions.ListHistory(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "Hello", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "Hello! How can I help?", history[1].Content)
}

func TestChatReplaysHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.AppendMessage(ctx, "s1", "user", "chat", "What is 2+2?")
	require.NoError(t, err)
	_, err = env.sessions.AppendMessage(ctx, "s1", "assistant", "chat", "4.")
	require.NoError(t, err)
	_, err = env.sessions.AppendMessage(ctx, "s1", "tool", "call", `{"tool":"calc"}`)
	require.NoError(t, err)

	var seen []llm.Message
	env.transport.turn = func(_ context.Context, opts *llm.TurnOptions) (*llm.Result, error) {
		seen = opts.Messages
		return &llm.Result{Text: "Still 4."}, nil
	}

	resp := env.request(t, http.MethodPost, "/agent-api/chat", makeJWT(t, "u1"),
		map[string]any{"session_id": "s1", "message": "And now?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readSSE(t, resp.Body)

	// Two history turns plus the new question; the tool record is not
	// replayed.
	require.Len(t, seen, 3)
	assert.Equal(t, "What is 2+2?", seen[0].Content)
	assert.Equal(t, "4.", seen[1].Content)
	assert.Equal(t, "And now?", seen[2].Content)
}

func TestChatHitlPauseAndResumeDeny(t *testing.T) {
	env := newTestEnv(t)
	env.promoteTool(t, "delete_user", registry.ToolSpec{
		Description:          "Deletes a user",
		RequiresConfirmation: true,
		MCPRouting:           &registry.MCPRouting{Endpoint: "/api/users/{id}", Method: "DELETE"},
	})

	calls := 0
	env.transport.turn = func(_ context.Context, opts *llm.TurnOptions) (*llm.Result, error) {
		calls++
		if calls == 1 {
			return &llm.Result{ToolCalls: []llm.ToolCall{
				{ID: "tc1", Name: "delete_user", Input: map[string]any{"id": "123"}},
			}}, nil
		}
		return &llm.Result{Text: "Understood, leaving the user alone."}, nil
	}

	token := makeJWT(t, "u1")
	resp := env.request(t, http.MethodPost, "/agent-api/chat", token,
		map[string]any{"session_id": "s1", "message": "remove user 123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	require.Equal(t, []string{"tool_call", "hitl"}, eventNames(events))
	pause := events[1].data
	assert.Equal(t, "Confirm: delete_user", pause["message"])
	resumeToken, _ := pause["resumeToken"].(string)
	require.NotEmpty(t, resumeToken)
	require.NotEmpty(t, pause["pendingToolCalls"])

	resp = env.request(t, http.MethodPost, "/agent-api/chat/resume", token,
		map[string]any{"resume_token": resumeToken, "decision": "deny"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events = readSSE(t, resp.Body)
	require.Equal(t, []string{"text", "done"}, eventNames(events))
	assert.Equal(t, "Understood, leaving the user alone.", events[0].data["text"])
	assert.Equal(t, 2, calls, "denied tool must not execute, only the follow-up turn runs")

	// One-time use.
	resp = env.request(t, http.MethodPost, "/agent-api/chat/resume", token,
		map[string]any{"resume_token": resumeToken, "decision": "deny"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResumeApproveExecutesTool(t *testing.T) {
	var backendHits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"temp": 72}`)
	}))
	defer backend.Close()

	env := newTestEnv(t, func(cfg *config.Config, _ *Options) {
		cfg.API.BaseURL = backend.URL
		cfg.DefaultHitlLevel = config.HitlParanoid
	})
	env.promoteTool(t, "get_weather", registry.ToolSpec{
		Description: "Current weather",
		MCPRouting:  &registry.MCPRouting{Endpoint: "/api/weather", Method: "GET"},
	})

	calls := 0
	env.transport.turn = func(_ context.Context, opts *llm.TurnOptions) (*llm.Result, error) {
		calls++
		if calls == 1 {
			return &llm.Result{ToolCalls: []llm.ToolCall{
				{ID: "tc1", Name: "get_weather", Input: map[string]any{"city": "NYC"}},
			}}, nil
		}
		return &llm.Result{Text: "It is 72 degrees."}, nil
	}

	token := makeJWT(t, "u1")
	resp := env.request(t, http.MethodPost, "/agent-api/chat", token,
		map[string]any{"message": "weather in NYC?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp.Body)
	require.Equal(t, []string{"tool_call", "hitl"}, eventNames(events))
	resumeToken := events[1].data["resumeToken"].(string)

	resp = env.request(t, http.MethodPost, "/agent-api/chat/resume", token,
		map[string]any{"resume_token": resumeToken, "decision": "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events = readSSE(t, resp.Body)
	require.Equal(t, []string{"tool_call", "tool_result", "text", "done"}, eventNames(events))
	result := events[1].data["result"].(map[string]any)
	assert.EqualValues(t, 72, result["temp"])
	assert.EqualValues(t, 1, backendHits.Load())
}

func TestResumeValidation(t *testing.T) {
	env := newTestEnv(t)
	token := makeJWT(t, "u1")

	resp := env.request(t, http.MethodPost, "/agent-api/chat/resume", token,
		map[string]any{"decision": "approve"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/agent-api/chat/resume", token,
		map[string]any{"resume_token": "tok", "decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/agent-api/chat/resume", token,
		map[string]any{"resume_token": "unknown", "decision": "approve"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResumeRejectsOtherUsersToken(t *testing.T) {
	env := newTestEnv(t)
	env.promoteTool(t, "delete_user", registry.ToolSpec{
		RequiresConfirmation: true,
		MCPRouting:           &registry.MCPRouting{Endpoint: "/api/users/{id}", Method: "DELETE"},
	})
	env.transport.turn = func(_ context.Context, _ *llm.TurnOptions) (*llm.Result, error) {
		return &llm.Result{ToolCalls: []llm.ToolCall{
			{ID: "tc1", Name: "delete_user", Input: map[string]any{"id": "9"}},
		}}, nil
	}

	resp := env.request(t, http.MethodPost, "/agent-api/chat", makeJWT(t, "alice"),
		map[string]any{"message": "remove 9"})
	events := readSSE(t, resp.Body)
	resumeToken := events[len(events)-1].data["resumeToken"].(string)

	resp = env.request(t, http.MethodPost, "/agent-api/chat/resume", makeJWT(t, "bob"),
		map[string]any{"resume_token": resumeToken, "decision": "approve"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatModelGating(t *testing.T) {
	capture := func(env *testEnv) *string {
		var model string
		env.transport.turn = func(_ context.Context, opts *llm.TurnOptions) (*llm.Result, error) {
			model = opts.Model
			return &llm.Result{Text: "hi"}, nil
		}
		return &model
	}

	t.Run("override ignored when disabled", func(t *testing.T) {
		env := newTestEnv(t)
		model := capture(env)
		resp := env.request(t, http.MethodPost, "/agent-api/chat", makeJWT(t, "u1"),
			map[string]any{"message": "hi", "model": "gpt-4o"})
		readSSE(t, resp.Body)
		assert.Equal(t, env.cfg.DefaultModel, *model)
	})

	t.Run("request override wins when enabled", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config, _ *Options) {
			cfg.AllowUserModelSelect = true
		})
		model := capture(env)
		resp := env.request(t, http.MethodPost, "/agent-api/chat", makeJWT(t, "u1"),
			map[string]any{"message": "hi", "model": "gpt-4o"})
		readSSE(t, resp.Body)
		assert.Equal(t, "gpt-4o", *model)
	})

	t.Run("stored preference wins over default", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config, _ *Options) {
			cfg.AllowUserModelSelect = true
		})
		require.NoError(t, env.sessions.UpsertPreferences(context.Background(), "u1",
			session.Preferences{Model: "deepseek-chat"}))
		model := capture(env)
		resp := env.request(t, http.MethodPost, "/agent-api/chat", makeJWT(t, "u1"),
			map[string]any{"message": "hi"})
		readSSE(t, resp.Body)
		assert.Equal(t, "deepseek-chat", *model)
	})
}

func TestPreferencesRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	token := makeJWT(t, "u1")

	resp := env.request(t, http.MethodGet, "/agent-api/user/preferences", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := jsonBody(t, resp)
	assert.Empty(t, body["model"])

	resp = env.request(t, http.MethodPut, "/agent-api/user/preferences", token,
		map[string]any{"model": "gpt-4o", "hitlLevel": "paranoid"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/agent-api/user/preferences", token, nil)
	body = jsonBody(t, resp)
	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, "paranoid", body["hitlLevel"])

	resp = env.request(t, http.MethodPut, "/agent-api/user/preferences", token,
		map[string]any{"hitlLevel": "reckless"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminConfigAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, _ *Options) {
		cfg.AdminKey = "admin-secret"
	})

	resp := env.request(t, http.MethodGet, "/forge-admin/config", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/forge-admin/config", "wrong-secret", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/forge-admin/config", "admin-secret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminConfigNoKeyMeansNoAccess(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/forge-admin/config", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminConfigUpdate(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "forge.json")
	env := newTestEnv(t, func(cfg *config.Config, opts *Options) {
		cfg.AdminKey = "admin-secret"
		opts.ConfigPath = configPath
	})

	resp := env.request(t, http.MethodPut, "/forge-admin/config", "admin-secret",
		map[string]any{"defaultModel": "claude-opus-4-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "claude-opus-4-1", jsonBody(t, resp)["defaultModel"])

	// Applied to subsequent reads and persisted to disk.
	resp = env.request(t, http.MethodGet, "/forge-admin/config", "admin-secret", nil)
	assert.Equal(t, "claude-opus-4-1", jsonBody(t, resp)["defaultModel"])

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "claude-opus-4-1")

	// Invalid documents change nothing.
	resp = env.request(t, http.MethodPut, "/forge-admin/config", "admin-secret",
		map[string]any{"defaultHitlLevel": "reckless"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodPut, "/forge-admin/config", "admin-secret",
		map[string]any{"unknownOption": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/forge-admin/config", "admin-secret", nil)
	assert.Equal(t, "claude-opus-4-1", jsonBody(t, resp)["defaultModel"])
}

func TestAdminConfigSchema(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, _ *Options) {
		cfg.AdminKey = "admin-secret"
	})

	resp := env.request(t, http.MethodGet, "/forge-admin/config/schema", "admin-secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := jsonBody(t, resp)
	props, ok := body["properties"].(map[string]any)
	require.True(t, ok, "schema must describe properties")
	assert.Contains(t, props, "defaultModel")
	assert.Contains(t, props, "auth")
}

func TestWidgetServing(t *testing.T) {
	widgetDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(widgetDir, "index.html"), []byte("<html>forge widget</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(widgetDir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(widgetDir, "assets", "app.js"), []byte("console.log(1)"), 0o644))

	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("top secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(widgetDir, "link.js")))

	env := newTestEnv(t, func(cfg *config.Config, _ *Options) {
		cfg.Widget.Dir = widgetDir
	})

	resp := env.request(t, http.MethodGet, "/widget/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(content), "forge widget")

	resp = env.request(t, http.MethodGet, "/widget/assets/app.js", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/widget/missing.js", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Symlinks pointing outside the widget directory are invisible.
	resp = env.request(t, http.MethodGet, "/widget/link.js", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMCPAuthFailClosed(t *testing.T) {
	callMCP := func(t *testing.T, env *testEnv, authHeader string) *http.Response {
		t.Helper()
		body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
		req, err := http.NewRequest(http.MethodPost, env.http.URL+"/mcp", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		resp, err := env.http.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("no key configured denies everything", func(t *testing.T) {
		env := newTestEnv(t)
		resp := callMCP(t, env, "Bearer anything")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("key configured", func(t *testing.T) {
		env := newTestEnv(t, func(_ *config.Config, opts *Options) {
			opts.MCPKey = "mcp-secret"
		})
		env.promoteTool(t, "get_weather", registry.ToolSpec{
			Description: "Current weather",
			InputSchema: map[string]registry.ParamSpec{"city": {Type: "string"}},
			MCPRouting:  &registry.MCPRouting{Endpoint: "/api/weather", Method: "GET"},
		})

		for _, header := range []string{
			"",                  // missing
			"Basic mcp-secret",  // wrong scheme
			"Bearer mcp-socret", // same length, wrong bytes
			"Bearer short",      // different length
		} {
			resp := callMCP(t, env, header)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "header %q", header)
		}

		resp := callMCP(t, env, "Bearer mcp-secret")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		content, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(content), "get_weather")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// No observability provider wired: the route 404s.
	resp := env.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSanitizeEventName(t *testing.T) {
	assert.Equal(t, "text", sanitizeEventName("text"))
	assert.Equal(t, "a_b_c_", sanitizeEventName("a\nb:c\r"))
}

func TestWatchdogTriggersShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.server.idleLimit = 30 * time.Millisecond
	env.server.tick = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.server.watchdog(ctx)

	select {
	case <-env.server.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not trigger shutdown")
	}
}

func TestRunLifecycle(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), ".forge-service.lock")
	env := newTestEnv(t, func(_ *config.Config, opts *Options) {
		opts.LockPath = lockPath
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := ReadLockFile(lockPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "lock file must appear")

	lf, err := ReadLockFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lf.PID)
	assert.Greater(t, lf.Port, 0)
	assert.NotEmpty(t, lf.StartedAt)

	env.server.TriggerShutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock file must be removed on shutdown")
}
