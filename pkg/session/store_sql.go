package session

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	stage TEXT,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_session ON conversation_messages(session_id, id);

CREATE TABLE IF NOT EXISTS user_preferences (
	user_id TEXT PRIMARY KEY,
	model TEXT,
	hitl_level TEXT,
	updated_at TIMESTAMP NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	stage TEXT,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_session ON conversation_messages(session_id, id);

CREATE TABLE IF NOT EXISTS user_preferences (
	user_id TEXT PRIMARY KEY,
	model TEXT,
	hitl_level TEXT,
	updated_at TIMESTAMP NOT NULL
);
`

// sqlStore serves both SQLite and Postgres; only placeholder syntax and the
// id column type differ.
type sqlStore struct {
	db      *sql.DB
	dialect string
	window  int
}

var _ Store = (*sqlStore)(nil)

func newSQLStore(db *sql.DB, dialect string, window int) (*sqlStore, error) {
	schema := sqliteSchema
	switch dialect {
	case "sqlite":
	case "postgres":
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create conversation tables: %w", err)
	}
	return &sqlStore{db: db, dialect: dialect, window: window}, nil
}

func (s *sqlStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *sqlStore) AppendMessage(ctx context.Context, sessionID, role, stage, content string) (int64, error) {
	now := time.Now()
	if s.dialect == "postgres" {
		var id int64
		query := s.rebind(`
INSERT INTO conversation_messages (session_id, role, stage, content, created_at)
VALUES (?, ?, ?, ?, ?) RETURNING id
`)
		err := s.db.QueryRowContext(ctx, query, sessionID, role, stage, content, now).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to append message: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_messages (session_id, role, stage, content, created_at)
VALUES (?, ?, ?, ?, ?)
`, sessionID, role, stage, content, now)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqlStore) ListHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.window
	}

	// Take the newest rows, then flip them back into ascending order.
	query := s.rebind(`
SELECT id, session_id, role, stage, content, created_at
FROM conversation_messages
WHERE session_id = ?
ORDER BY id DESC
LIMIT ?
`)
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var stage sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &stage, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Stage = stage.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (s *sqlStore) IncompleteSessions(ctx context.Context) ([]string, error) {
	query := s.rebind(`
SELECT DISTINCT session_id FROM conversation_messages
WHERE session_id NOT IN (
	SELECT session_id FROM conversation_messages
	WHERE role = 'system' AND content = ?
)
ORDER BY session_id
`)
	rows, err := s.db.QueryContext(ctx, query, CompleteMarker)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	var (
		model     sql.NullString
		hitlLevel sql.NullString
		updatedAt time.Time
	)
	query := s.rebind(`SELECT model, hitl_level, updated_at FROM user_preferences WHERE user_id = ?`)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&model, &hitlLevel, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	return &Preferences{
		Model:     model.String,
		HitlLevel: hitlLevel.String,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *sqlStore) UpsertPreferences(ctx context.Context, userID string, prefs Preferences) error {
	query := s.rebind(`
INSERT INTO user_preferences (user_id, model, hitl_level, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	model = excluded.model,
	hitl_level = excluded.hitl_level,
	updated_at = excluded.updated_at
`)
	if _, err := s.db.ExecContext(ctx, query, userID, prefs.Model, prefs.HitlLevel, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

// Close is a no-op: the database handle is owned by the caller.
func (s *sqlStore) Close() error { return nil }
