package hitl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS hitl_pending (
	token TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// sqlStore keeps pending state in the service database. It serves both
// SQLite and Postgres; only placeholder syntax differs.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

func newSQLStore(db *sql.DB, dialect string) (*sqlStore, error) {
	if dialect != "sqlite" && dialect != "postgres" {
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	s := &sqlStore{db: db, dialect: dialect}
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, fmt.Errorf("failed to create hitl_pending table: %w", err)
	}
	return s, nil
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

func (s *sqlStore) Put(ctx context.Context, token string, state []byte, ttl time.Duration) error {
	now := time.Now()

	// Reap anything already expired while we are here.
	reap := s.rebind(`DELETE FROM hitl_pending WHERE expires_at < ?`)
	if _, err := s.db.ExecContext(ctx, reap, now); err != nil {
		return fmt.Errorf("failed to reap expired pause state: %w", err)
	}

	query := s.rebind(`
INSERT INTO hitl_pending (token, state, expires_at, created_at)
VALUES (?, ?, ?, ?)
`)
	if _, err := s.db.ExecContext(ctx, query, token, string(state), now.Add(ttl), now); err != nil {
		return fmt.Errorf("failed to insert pause state: %w", err)
	}
	return nil
}

func (s *sqlStore) Take(ctx context.Context, token string) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var state string
	var expiresAt time.Time
	query := s.rebind(`SELECT state, expires_at FROM hitl_pending WHERE token = ?`)
	err = tx.QueryRowContext(ctx, query, token).Scan(&state, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pause state: %w", err)
	}

	del := s.rebind(`DELETE FROM hitl_pending WHERE token = ?`)
	if _, err := tx.ExecContext(ctx, del, token); err != nil {
		return nil, fmt.Errorf("failed to consume pause state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if time.Now().After(expiresAt) {
		return nil, nil
	}
	return []byte(state), nil
}

// Close is a no-op: the database handle is owned by the caller.
func (s *sqlStore) Close() error { return nil }
