package verifier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// WildcardTool binds a verifier to every tool.
const WildcardTool = "*"

// Store reads the verifier registry and bindings and appends results. The
// tables themselves are created by registry.EnsureSchema.
type Store struct {
	db      *sql.DB
	dialect string
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) rebind(query string) string {
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

// ListForTool returns the enabled verifiers bound to toolName merged with
// the wildcard bindings, deduplicated and in execution order.
func (s *Store) ListForTool(ctx context.Context, toolName string) ([]Verifier, error) {
	specific, err := s.listBound(ctx, toolName)
	if err != nil {
		return nil, err
	}
	wildcard, err := s.listBound(ctx, WildcardTool)
	if err != nil {
		return nil, err
	}
	return mergeBindings(specific, wildcard), nil
}

func (s *Store) listBound(ctx context.Context, toolName string) ([]Verifier, error) {
	query := s.rebind(`
SELECT v.verifier_name, v.type, v.aciru_order, v.spec, v.enabled
FROM verifier_registry v
JOIN verifier_bindings b ON b.verifier_name = v.verifier_name
WHERE b.tool_name = ? AND v.enabled
ORDER BY v.verifier_name
`)
	rows, err := s.db.QueryContext(ctx, query, toolName)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifiers for %s: %w", toolName, err)
	}
	defer rows.Close()

	var verifiers []Verifier
	for rows.Next() {
		var (
			v     Verifier
			order sql.NullString
			spec  sql.NullString
		)
		if err := rows.Scan(&v.Name, &v.Type, &order, &spec, &v.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan verifier: %w", err)
		}
		v.Order = order.String
		if spec.Valid {
			v.Spec = json.RawMessage(spec.String)
		}
		verifiers = append(verifiers, v)
	}
	return verifiers, rows.Err()
}

// ListCustom returns every enabled custom verifier, for preloading plugin
// processes at startup.
func (s *Store) ListCustom(ctx context.Context) ([]Verifier, error) {
	query := `
SELECT verifier_name, type, aciru_order, spec, enabled
FROM verifier_registry
WHERE type = 'custom' AND enabled
ORDER BY verifier_name
`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom verifiers: %w", err)
	}
	defer rows.Close()

	var verifiers []Verifier
	for rows.Next() {
		var (
			v     Verifier
			order sql.NullString
			spec  sql.NullString
		)
		if err := rows.Scan(&v.Name, &v.Type, &order, &spec, &v.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan verifier: %w", err)
		}
		v.Order = order.String
		if spec.Valid {
			v.Spec = json.RawMessage(spec.String)
		}
		verifiers = append(verifiers, v)
	}
	return verifiers, rows.Err()
}

// Register inserts or replaces a verifier definition.
func (s *Store) Register(ctx context.Context, v Verifier) error {
	query := s.rebind(`
INSERT INTO verifier_registry (verifier_name, type, aciru_order, spec, enabled)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(verifier_name) DO UPDATE SET
	type = excluded.type,
	aciru_order = excluded.aciru_order,
	spec = excluded.spec,
	enabled = excluded.enabled
`)
	var order interface{}
	if v.Order != "" {
		order = v.Order
	}
	_, err := s.db.ExecContext(ctx, query, v.Name, v.Type, order, string(v.Spec), v.Enabled)
	if err != nil {
		return fmt.Errorf("failed to register verifier %s: %w", v.Name, err)
	}
	return nil
}

// Bind attaches a verifier to a tool name ('*' for all tools).
func (s *Store) Bind(ctx context.Context, verifierName, toolName string) error {
	query := s.rebind(`
INSERT INTO verifier_bindings (verifier_name, tool_name)
VALUES (?, ?)
ON CONFLICT(verifier_name, tool_name) DO NOTHING
`)
	if _, err := s.db.ExecContext(ctx, query, verifierName, toolName); err != nil {
		return fmt.Errorf("failed to bind verifier %s to %s: %w", verifierName, toolName, err)
	}
	return nil
}

// LogResult appends one verification outcome. Failures are logged and
// swallowed: telemetry must never fail a request.
func (s *Store) LogResult(ctx context.Context, sessionID, toolName, verifierName, outcome, message string) {
	query := s.rebind(`
INSERT INTO verifier_results (session_id, tool_name, verifier_name, outcome, message, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query, sessionID, toolName, verifierName, outcome, message, time.Now())
	if err != nil {
		slog.Warn("Failed to record verifier result", "verifier", verifierName, "tool", toolName, "error", err)
	}
}
