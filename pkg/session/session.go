// Package session persists conversations and per-user preferences.
//
// A conversation is an ordered sequence of messages keyed by an opaque
// session id. History reads return ascending created_at order, windowed to
// the most recent N messages. A session is finished once it carries a
// system message with content "[COMPLETE]".
//
// Three backends are provided: SQLite (default), Postgres, and Redis. The
// SQL backends window at read time; the Redis backend trims its lists at
// write time.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/toolforge/forge/pkg/config"
)

// CompleteMarker is the system-message content that finishes a session.
const CompleteMarker = "[COMPLETE]"

// Message is one conversation entry.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Stage     string    `json:"stage,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Preferences are the per-user chat settings. Zero-value fields mean "no
// preference recorded"; the chat handler falls back to config defaults.
type Preferences struct {
	Model     string    `json:"model,omitempty"`
	HitlLevel string    `json:"hitlLevel,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists conversations and preferences.
type Store interface {
	// AppendMessage appends one message and returns its id.
	AppendMessage(ctx context.Context, sessionID, role, stage, content string) (int64, error)

	// ListHistory returns the most recent messages for a session in
	// ascending created_at order. A non-positive limit uses the store's
	// configured window.
	ListHistory(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// IncompleteSessions returns ids of sessions that have not recorded a
	// "[COMPLETE]" system message.
	IncompleteSessions(ctx context.Context) ([]string, error)

	// GetPreferences returns the stored preferences, or nil when the user
	// has none.
	GetPreferences(ctx context.Context, userID string) (*Preferences, error)

	// UpsertPreferences creates or replaces the user's preferences.
	UpsertPreferences(ctx context.Context, userID string, prefs Preferences) error

	Close() error
}

// NewStore selects a backend from conversation.store. The SQL backends
// share the given database handle; the Redis backend dials REDIS_URL.
func NewStore(cfg *config.Config, db *sql.DB, dialect string) (Store, error) {
	window := cfg.Conversation.Window
	switch cfg.Conversation.Store {
	case config.StoreRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("conversation.store is %q but REDIS_URL is not set", config.StoreRedis)
		}
		return newRedisStore(cfg.RedisURL, window)
	case config.StoreSQLite, config.StorePostgres:
		if db == nil {
			return nil, fmt.Errorf("conversation.store %q requires a database", cfg.Conversation.Store)
		}
		return newSQLStore(db, dialect, window)
	default:
		return nil, fmt.Errorf("unsupported conversation store: %s", cfg.Conversation.Store)
	}
}
