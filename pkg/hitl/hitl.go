// Package hitl implements human-in-the-loop pausing: the pause decision
// table, and a token store that serializes loop state and hands back a
// one-time resume token.
package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toolforge/forge/pkg/config"
	"github.com/toolforge/forge/pkg/registry"
)

// Confirmation levels, from least to most interruptive.
const (
	LevelAutonomous = "autonomous"
	LevelCautious   = "cautious"
	LevelStandard   = "standard"
	LevelParanoid   = "paranoid"
)

// ValidLevel reports whether s names a known confirmation level.
func ValidLevel(s string) bool {
	switch s {
	case LevelAutonomous, LevelCautious, LevelStandard, LevelParanoid:
		return true
	}
	return false
}

// ShouldPause decides whether a tool call needs human confirmation before
// executing. Unknown levels behave as standard.
func ShouldPause(level string, tool *registry.Tool) bool {
	switch level {
	case LevelAutonomous:
		return false
	case LevelCautious:
		return tool.Spec.RequiresConfirmation
	case LevelParanoid:
		return true
	}

	method := http.MethodGet
	if tool.Spec.MCPRouting != nil && tool.Spec.MCPRouting.Method != "" {
		method = strings.ToUpper(tool.Spec.MCPRouting.Method)
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// PendingStore holds serialized pause state keyed by resume token. Take is
// one-shot: a successful read removes the entry, and expired entries read
// as absent.
type PendingStore interface {
	Put(ctx context.Context, token string, state []byte, ttl time.Duration) error
	Take(ctx context.Context, token string) ([]byte, error)
	Close() error
}

// Engine issues resume tokens and redeems them exactly once.
type Engine struct {
	store PendingStore
	ttl   time.Duration
}

// NewEngine selects the pending-state backend: Redis when REDIS_URL is set,
// otherwise the service database, otherwise process memory.
func NewEngine(cfg *config.Config, db *sql.DB, dialect string) (*Engine, error) {
	ttl := time.Duration(cfg.HITL.TTLMs) * time.Millisecond

	var (
		store PendingStore
		err   error
	)
	switch {
	case cfg.RedisURL != "":
		store, err = newRedisStore(cfg.RedisURL)
	case db != nil:
		store, err = newSQLStore(db, dialect)
	default:
		store = newMemoryStore()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HITL store: %w", err)
	}

	return &Engine{store: store, ttl: ttl}, nil
}

// Pause serializes state and stores it under a fresh token. The token is
// redeemable until the engine's TTL elapses.
func (e *Engine) Pause(ctx context.Context, state any) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize pause state: %w", err)
	}

	token := uuid.NewString()
	if err := e.store.Put(ctx, token, data, e.ttl); err != nil {
		return "", fmt.Errorf("failed to store pause state: %w", err)
	}
	return token, nil
}

// Resume redeems a token. It returns (nil, nil) when the token is unknown,
// already used, or expired; the stored state otherwise. The entry is gone
// either way.
func (e *Engine) Resume(ctx context.Context, token string) (json.RawMessage, error) {
	data, err := e.store.Take(ctx, token)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

// TTL is the lifetime of issued tokens.
func (e *Engine) TTL() time.Duration { return e.ttl }

func (e *Engine) Close() error { return e.store.Close() }
