package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toolforge/forge/pkg/agent"
	"github.com/toolforge/forge/pkg/auth"
	"github.com/toolforge/forge/pkg/executor"
	"github.com/toolforge/forge/pkg/hitl"
	"github.com/toolforge/forge/pkg/llm"
	"github.com/toolforge/forge/pkg/session"
	"github.com/toolforge/forge/pkg/verifier"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Model     string `json:"model"`
	HitlLevel string `json:"hitl_level"`
	Stream    bool   `json:"stream"`
}

type resumeRequest struct {
	ResumeToken string `json:"resume_token"`
	Decision    string `json:"decision"`
}

// pauseState is the blob stored behind a resume token: everything needed to
// pick the loop back up, plus enough context to rebuild the hooks.
type pauseState struct {
	SessionID        string         `json:"sessionId"`
	UserID           string         `json:"userId"`
	Model            string         `json:"model"`
	HitlLevel        string         `json:"hitlLevel"`
	Stream           bool           `json:"stream"`
	Conversation     []llm.Message  `json:"conversation"`
	PendingToolCalls []llm.ToolCall `json:"pendingToolCalls"`
	TurnIndex        int            `json:"turnIndex"`
}

// chatMeta is what the SSE consumer needs to persist messages and record
// metrics while draining loop events.
type chatMeta struct {
	sessionID string
	userID    string
	model     string
	hitlLevel string
	stream    bool
}

// handleChat starts a chat turn and streams loop events back over SSE.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.HitlLevel != "" && !hitl.ValidLevel(req.HitlLevel) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid hitl_level %q", req.HitlLevel))
		return
	}

	ctx := r.Context()
	userID := auth.UserID(ctx)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	model, level := s.effectiveSettings(ctx, userID, req.Model, req.HitlLevel)

	history, err := s.sessions.ListHistory(ctx, sessionID, 0)
	if err != nil {
		slog.Error("Failed to load history", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation history")
		return
	}
	messages := append(historyToMessages(history), llm.Message{Role: "user", Content: req.Message})

	if _, err := s.sessions.AppendMessage(ctx, sessionID, "user", "chat", req.Message); err != nil {
		slog.Error("Failed to persist message", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	tools, err := s.promotedTools(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}

	opts := &agent.Options{
		APIKey:   llm.APIKeyFromEnv(llm.DetectProvider(model)),
		Model:    model,
		Messages: messages,
		Tools:    tools,
		Stream:   req.Stream,
		UserJWT:  auth.BearerToken(ctx),
		Hooks:    s.loopHooks(level, sessionID),
	}

	// Generated ids reach the client before the stream starts.
	w.Header().Set("X-Session-Id", sessionID)

	s.streamLoop(w, r, opts, chatMeta{
		sessionID: sessionID,
		userID:    userID,
		model:     model,
		hitlLevel: level,
		stream:    req.Stream,
	})
}

// handleResume redeems a pause token and continues the loop with the
// caller's decision. Tokens are one-time-use; unknown, expired, and
// cross-user tokens all read as not found.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ResumeToken == "" {
		writeError(w, http.StatusBadRequest, "resume_token is required")
		return
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		writeError(w, http.StatusBadRequest, `decision must be "approve" or "deny"`)
		return
	}

	ctx := r.Context()
	raw, err := s.hitl.Resume(ctx, req.ResumeToken)
	if err != nil {
		slog.Error("Failed to redeem resume token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to redeem resume token")
		return
	}
	if raw == nil {
		writeError(w, http.StatusNotFound, "resume token not found or expired")
		return
	}

	var ps pauseState
	if err := json.Unmarshal(raw, &ps); err != nil {
		slog.Error("Corrupt pause state", "error", err)
		writeError(w, http.StatusInternalServerError, "corrupt pause state")
		return
	}
	if ps.UserID != auth.UserID(ctx) {
		writeError(w, http.StatusNotFound, "resume token not found or expired")
		return
	}

	tools, err := s.promotedTools(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}

	opts := &agent.Options{
		APIKey:       llm.APIKeyFromEnv(llm.DetectProvider(ps.Model)),
		Model:        ps.Model,
		Messages:     ps.Conversation,
		Tools:        tools,
		Stream:       ps.Stream,
		UserJWT:      auth.BearerToken(ctx),
		Hooks:        s.loopHooks(ps.HitlLevel, ps.SessionID),
		StartTurn:    ps.TurnIndex,
		PendingCalls: ps.PendingToolCalls,
		Approve:      req.Decision == "approve",
	}

	w.Header().Set("X-Session-Id", ps.SessionID)

	s.streamLoop(w, r, opts, chatMeta{
		sessionID: ps.SessionID,
		userID:    ps.UserID,
		model:     ps.Model,
		hitlLevel: ps.HitlLevel,
		stream:    ps.Stream,
	})
}

// streamLoop runs the loop and drains its events onto the SSE stream,
// persisting conversation records and pause state along the way. A failed
// SSE write means the client disconnected; the request context cancellation
// stops the loop.
func (s *Server) streamLoop(w http.ResponseWriter, r *http.Request, opts *agent.Options, meta chatMeta) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	ctx := r.Context()
	start := time.Now()
	var streamed strings.Builder

	flushStreamed := func() {
		if streamed.Len() > 0 {
			s.persistMessage(ctx, meta.sessionID, "assistant", "chat", streamed.String())
			streamed.Reset()
		}
	}

	for ev := range s.loop.Run(ctx, opts) {
		switch ev.Type {
		case agent.EventTextDelta:
			streamed.WriteString(ev.Text)

		case agent.EventText:
			s.persistMessage(ctx, meta.sessionID, "assistant", "chat", ev.Text)

		case agent.EventToolCall:
			flushStreamed()
			s.persistToolEvent(ctx, meta.sessionID, "call", ev)

		case agent.EventToolResult:
			s.persistToolEvent(ctx, meta.sessionID, "result", ev)

		case agent.EventHitl:
			token, err := s.hitl.Pause(ctx, pauseState{
				SessionID:        meta.sessionID,
				UserID:           meta.userID,
				Model:            meta.model,
				HitlLevel:        meta.hitlLevel,
				Stream:           meta.stream,
				Conversation:     ev.ConversationMessages,
				PendingToolCalls: ev.PendingToolCalls,
				TurnIndex:        ev.TurnIndex,
			})
			if err != nil {
				slog.Error("Failed to store pause state", "session", meta.sessionID, "error", err)
				sse.send(agent.EventError, agent.Event{
					Type:    agent.EventError,
					Message: "failed to store pause state",
				})
				return
			}
			ev.ResumeToken = token
			s.obs.RecordHitlPause(ctx, ev.Tool)

		case agent.EventDone:
			flushStreamed()
			if ev.Usage != nil {
				s.obs.RecordLLMTurn(ctx, meta.model, time.Since(start),
					ev.Usage.InputTokens, ev.Usage.OutputTokens, nil)
			}

		case agent.EventError:
			s.obs.RecordLLMTurn(ctx, meta.model, time.Since(start), 0, 0, errors.New(ev.Message))
		}

		if err := sse.send(ev.Type, ev); err != nil {
			slog.Debug("SSE client went away", "session", meta.sessionID, "error", err)
			return
		}
	}
}

// loopHooks builds the pause and verification hooks for one chat request.
func (s *Server) loopHooks(level, sessionID string) agent.Hooks {
	return agent.Hooks{
		ShouldPause: func(ctx context.Context, tc llm.ToolCall) (bool, string) {
			tool, err := s.registry.GetPromoted(ctx, tc.Name)
			if err != nil {
				// Unknown tools reach the executor, which reports the
				// failure back to the model.
				return false, ""
			}
			if hitl.ShouldPause(level, tool) {
				return true, "Confirm: " + tc.Name
			}
			return false, ""
		},
		OnAfterToolCall: func(ctx context.Context, tc llm.ToolCall, result *executor.Result) verifier.Result {
			if s.verifier == nil {
				return verifier.Result{Outcome: verifier.OutcomePass}
			}
			return s.verifier.Verify(ctx, sessionID, tc.Name, tc.Input, result.Body)
		},
	}
}

// effectiveSettings resolves the model and HITL level for a request:
// config defaults, then stored preferences, then the request overrides,
// with the latter two applied only when the matching allow flag is set.
func (s *Server) effectiveSettings(ctx context.Context, userID, reqModel, reqLevel string) (model, level string) {
	cfg := s.config()
	model = cfg.DefaultModel
	level = cfg.DefaultHitlLevel

	if !cfg.AllowUserModelSelect && !cfg.AllowUserHitlConfig {
		return model, level
	}

	prefs, err := s.sessions.GetPreferences(ctx, userID)
	if err != nil {
		slog.Warn("Failed to load preferences", "user", userID, "error", err)
		prefs = nil
	}

	if cfg.AllowUserModelSelect {
		if prefs != nil && prefs.Model != "" {
			model = prefs.Model
		}
		if reqModel != "" {
			model = reqModel
		}
	}
	if cfg.AllowUserHitlConfig {
		if prefs != nil && hitl.ValidLevel(prefs.HitlLevel) {
			level = prefs.HitlLevel
		}
		if reqLevel != "" {
			level = reqLevel
		}
	}
	return model, level
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.sessions.GetPreferences(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		slog.Error("Failed to load preferences", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	if prefs == nil {
		prefs = &session.Preferences{}
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs session.Preferences
	if err := decodeJSON(r, &prefs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if prefs.HitlLevel != "" && !hitl.ValidLevel(prefs.HitlLevel) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid hitlLevel %q", prefs.HitlLevel))
		return
	}
	if err := s.sessions.UpsertPreferences(r.Context(), auth.UserID(r.Context()), prefs); err != nil {
		slog.Error("Failed to store preferences", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store preferences")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// promotedTools renders the registry's promoted tools in transport shape.
func (s *Server) promotedTools(ctx context.Context) ([]llm.Tool, error) {
	list, err := s.registry.ListPromoted(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]llm.Tool, 0, len(list))
	for _, t := range list {
		tools = append(tools, t.LLMTool())
	}
	return tools, nil
}

// historyToMessages keeps the user/assistant exchange; tool and system
// records stay in the store for audit but are not replayed to the model.
func historyToMessages(history []session.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case "user", "assistant":
			msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return msgs
}

func (s *Server) persistMessage(ctx context.Context, sessionID, role, stage, content string) {
	if _, err := s.sessions.AppendMessage(ctx, sessionID, role, stage, content); err != nil {
		slog.Warn("Failed to persist message", "session", sessionID, "role", role, "error", err)
	}
}

func (s *Server) persistToolEvent(ctx context.Context, sessionID, stage string, ev agent.Event) {
	payload := map[string]any{"tool": ev.Tool, "id": ev.ID}
	if stage == "call" {
		payload["args"] = ev.Args
	} else {
		payload["result"] = ev.Result
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to encode tool record", "tool", ev.Tool, "error", err)
		return
	}
	s.persistMessage(ctx, sessionID, "tool", stage, string(data))
}
