// Package registry owns the tool registry store: promoted tool reads, the
// append-only MCP call log, eval-run recording, and the shared SQL schema
// used by the drift and verifier subsystems.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/toolforge/forge/pkg/llm"
)

// Lifecycle states.
const (
	LifecycleCandidate = "candidate"
	LifecyclePromoted  = "promoted"
	LifecycleFlagged   = "flagged"
	LifecycleRetired   = "retired"
)

// Truncation limits for call log columns.
const (
	maxCallLogOutput = 10000
	maxCallLogError  = 500
)

// ErrToolNotFound is returned when a lookup misses.
var ErrToolNotFound = errors.New("tool not found")

// ParamSpec describes one tool input parameter.
type ParamSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

// ParamMapping routes one tool parameter into the backend request: a path
// placeholder name, a query parameter name, or a body field name.
type ParamMapping struct {
	Path  string `json:"path,omitempty"`
	Query string `json:"query,omitempty"`
	Body  string `json:"body,omitempty"`
}

// MCPRouting maps a tool onto a backend API endpoint.
type MCPRouting struct {
	Endpoint string                  `json:"endpoint"`
	Method   string                  `json:"method,omitempty"`
	ParamMap map[string]ParamMapping `json:"paramMap,omitempty"`
}

// ToolSpec is the parsed spec column of a registry row.
type ToolSpec struct {
	Description          string               `json:"description,omitempty"`
	InputSchema          map[string]ParamSpec `json:"inputSchema,omitempty"`
	MCPRouting           *MCPRouting          `json:"mcpRouting,omitempty"`
	RequiresConfirmation bool                 `json:"requiresConfirmation,omitempty"`
	Category             string               `json:"category,omitempty"`
}

// Tool is one registry row with its spec parsed.
type Tool struct {
	Name             string
	Spec             ToolSpec
	LifecycleState   string
	BaselinePassRate *float64
	PromotedAt       *time.Time
	FlaggedAt        *time.Time
	RetiredAt        *time.Time
	ReplacedBy       string
}

// JSONSchema renders the tool's input schema as a JSON-Schema object
// (`{type: object, properties, required?}`), the shape both the LLM
// providers and the MCP surface expect.
func (t *Tool) JSONSchema() map[string]any {
	props := map[string]any{}
	var required []string
	for name, p := range t.Spec.InputSchema {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
		if !p.Optional {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// LLMTool converts the tool to the neutral transport shape.
func (t *Tool) LLMTool() llm.Tool {
	return llm.Tool{
		Name:        t.Name,
		Description: t.Spec.Description,
		InputSchema: t.JSONSchema(),
	}
}

// CallLogEntry is one append-only MCP call log record.
type CallLogEntry struct {
	ToolName   string
	Input      any
	Output     string
	StatusCode int
	LatencyMs  int64
	Err        string
}

// EvalRun is one recorded evaluation run for a tool.
type EvalRun struct {
	ID         int64
	ToolName   string
	Model      string
	EvalType   string
	TotalCases int
	Passed     int
	Failed     int
	Skipped    int
	PassRate   *float64
	RunAt      time.Time
	Notes      string
}

// EvalCase is one per-case row of an eval run.
type EvalCase struct {
	EvalRunID    int64
	CaseID       string
	Status       string
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
}

// Store reads and writes the tool registry tables. Safe for concurrent use;
// all serialization is delegated to the database.
type Store struct {
	db      *sql.DB
	dialect string
}

// NewStore wraps an open database. Dialect is "sqlite" or "postgres".
func NewStore(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// DB exposes the underlying handle for sibling stores that share the schema.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the SQL dialect the store was opened with.
func (s *Store) Dialect() string { return s.dialect }

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tool_registry (
    tool_name VARCHAR(255) PRIMARY KEY,
    spec TEXT NOT NULL,
    lifecycle_state VARCHAR(32) NOT NULL DEFAULT 'candidate',
    baseline_pass_rate REAL,
    promoted_at TIMESTAMP,
    flagged_at TIMESTAMP,
    retired_at TIMESTAMP,
    replaced_by VARCHAR(255),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_registry_state ON tool_registry(lifecycle_state);

CREATE TABLE IF NOT EXISTS mcp_call_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tool_name VARCHAR(255) NOT NULL,
    input TEXT,
    output TEXT,
    status_code INTEGER,
    latency_ms INTEGER,
    error TEXT,
    called_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_log_tool ON mcp_call_log(tool_name, called_at);

CREATE TABLE IF NOT EXISTS eval_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tool_name VARCHAR(255) NOT NULL,
    model VARCHAR(255),
    eval_type VARCHAR(32),
    total_cases INTEGER NOT NULL DEFAULT 0,
    passed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    pass_rate REAL,
    run_at TIMESTAMP NOT NULL,
    notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_eval_runs_tool ON eval_runs(tool_name, run_at);

CREATE TABLE IF NOT EXISTS eval_cases (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    eval_run_id INTEGER NOT NULL,
    case_id VARCHAR(255),
    status VARCHAR(32),
    latency_ms INTEGER,
    input_tokens INTEGER,
    output_tokens INTEGER,
    FOREIGN KEY (eval_run_id) REFERENCES eval_runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS drift_alerts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tool_name VARCHAR(255) NOT NULL,
    detected_at TIMESTAMP NOT NULL,
    trigger_tools TEXT,
    baseline_rate REAL,
    current_rate REAL,
    delta REAL,
    status VARCHAR(16) NOT NULL DEFAULT 'open',
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_drift_alerts_tool ON drift_alerts(tool_name, status);

CREATE TABLE IF NOT EXISTS verifier_registry (
    verifier_name VARCHAR(255) PRIMARY KEY,
    type VARCHAR(32) NOT NULL,
    aciru_order VARCHAR(32),
    spec TEXT,
    enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS verifier_bindings (
    verifier_name VARCHAR(255) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    PRIMARY KEY (verifier_name, tool_name)
);

CREATE INDEX IF NOT EXISTS idx_verifier_bindings_tool ON verifier_bindings(tool_name);

CREATE TABLE IF NOT EXISTS verifier_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255),
    tool_name VARCHAR(255),
    verifier_name VARCHAR(255),
    outcome VARCHAR(16),
    message TEXT,
    created_at TIMESTAMP NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tool_registry (
    tool_name VARCHAR(255) PRIMARY KEY,
    spec TEXT NOT NULL,
    lifecycle_state VARCHAR(32) NOT NULL DEFAULT 'candidate',
    baseline_pass_rate REAL,
    promoted_at TIMESTAMP,
    flagged_at TIMESTAMP,
    retired_at TIMESTAMP,
    replaced_by VARCHAR(255),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_registry_state ON tool_registry(lifecycle_state);

CREATE TABLE IF NOT EXISTS mcp_call_log (
    id SERIAL PRIMARY KEY,
    tool_name VARCHAR(255) NOT NULL,
    input TEXT,
    output TEXT,
    status_code INTEGER,
    latency_ms INTEGER,
    error TEXT,
    called_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_log_tool ON mcp_call_log(tool_name, called_at);

CREATE TABLE IF NOT EXISTS eval_runs (
    id SERIAL PRIMARY KEY,
    tool_name VARCHAR(255) NOT NULL,
    model VARCHAR(255),
    eval_type VARCHAR(32),
    total_cases INTEGER NOT NULL DEFAULT 0,
    passed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    pass_rate REAL,
    run_at TIMESTAMP NOT NULL,
    notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_eval_runs_tool ON eval_runs(tool_name, run_at);

CREATE TABLE IF NOT EXISTS eval_cases (
    id SERIAL PRIMARY KEY,
    eval_run_id INTEGER NOT NULL,
    case_id VARCHAR(255),
    status VARCHAR(32),
    latency_ms INTEGER,
    input_tokens INTEGER,
    output_tokens INTEGER,
    FOREIGN KEY (eval_run_id) REFERENCES eval_runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS drift_alerts (
    id SERIAL PRIMARY KEY,
    tool_name VARCHAR(255) NOT NULL,
    detected_at TIMESTAMP NOT NULL,
    trigger_tools TEXT,
    baseline_rate REAL,
    current_rate REAL,
    delta REAL,
    status VARCHAR(16) NOT NULL DEFAULT 'open',
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_drift_alerts_tool ON drift_alerts(tool_name, status);

CREATE TABLE IF NOT EXISTS verifier_registry (
    verifier_name VARCHAR(255) PRIMARY KEY,
    type VARCHAR(32) NOT NULL,
    aciru_order VARCHAR(32),
    spec TEXT,
    enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS verifier_bindings (
    verifier_name VARCHAR(255) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    PRIMARY KEY (verifier_name, tool_name)
);

CREATE INDEX IF NOT EXISTS idx_verifier_bindings_tool ON verifier_bindings(tool_name);

CREATE TABLE IF NOT EXISTS verifier_results (
    id SERIAL PRIMARY KEY,
    session_id VARCHAR(255),
    tool_name VARCHAR(255),
    verifier_name VARCHAR(255),
    outcome VARCHAR(16),
    message TEXT,
    created_at TIMESTAMP NOT NULL
);
`

// EnsureSchema creates the registry, call log, eval, drift, and verifier
// tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := schemaSQLite
	if s.dialect == "postgres" {
		ddl = schemaPostgres
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create registry schema: %w", err)
	}
	return nil
}

// rebind converts ?-style placeholders to the dialect's form.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Insert adds a tool in the given lifecycle state. Promoted tools get
// promoted_at stamped.
func (s *Store) Insert(ctx context.Context, name string, spec ToolSpec, state string) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode tool spec: %w", err)
	}

	now := time.Now()
	var promotedAt any
	if state == LifecyclePromoted {
		promotedAt = now
	}

	query := s.rebind(`
INSERT INTO tool_registry (tool_name, spec, lifecycle_state, promoted_at, created_at)
VALUES (?, ?, ?, ?, ?)
`)
	if _, err := s.db.ExecContext(ctx, query, name, string(specJSON), state, promotedAt, now); err != nil {
		return fmt.Errorf("failed to insert tool %s: %w", name, err)
	}
	return nil
}

// SetBaseline records a tool's baseline pass rate.
func (s *Store) SetBaseline(ctx context.Context, name string, rate float64) error {
	query := s.rebind(`UPDATE tool_registry SET baseline_pass_rate = ? WHERE tool_name = ?`)
	if _, err := s.db.ExecContext(ctx, query, rate, name); err != nil {
		return fmt.Errorf("failed to set baseline for %s: %w", name, err)
	}
	return nil
}

// Promote moves a tool to the promoted state and stamps promoted_at.
func (s *Store) Promote(ctx context.Context, name string) error {
	query := s.rebind(`
UPDATE tool_registry SET lifecycle_state = ?, promoted_at = ? WHERE tool_name = ?
`)
	res, err := s.db.ExecContext(ctx, query, LifecyclePromoted, time.Now(), name)
	if err != nil {
		return fmt.Errorf("failed to promote %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("promote %s: %w", name, ErrToolNotFound)
	}
	return nil
}

const toolColumns = `tool_name, spec, lifecycle_state, baseline_pass_rate, promoted_at, flagged_at, retired_at, replaced_by`

func scanTool(scan func(...any) error) (name string, specJSON string, tool Tool, err error) {
	var (
		baseline   sql.NullFloat64
		promotedAt sql.NullTime
		flaggedAt  sql.NullTime
		retiredAt  sql.NullTime
		replacedBy sql.NullString
	)
	err = scan(&name, &specJSON, &tool.LifecycleState, &baseline, &promotedAt, &flaggedAt, &retiredAt, &replacedBy)
	if err != nil {
		return "", "", Tool{}, err
	}
	tool.Name = name
	if baseline.Valid {
		v := baseline.Float64
		tool.BaselinePassRate = &v
	}
	if promotedAt.Valid {
		v := promotedAt.Time
		tool.PromotedAt = &v
	}
	if flaggedAt.Valid {
		v := flaggedAt.Time
		tool.FlaggedAt = &v
	}
	if retiredAt.Valid {
		v := retiredAt.Time
		tool.RetiredAt = &v
	}
	if replacedBy.Valid {
		tool.ReplacedBy = replacedBy.String
	}
	return name, specJSON, tool, nil
}

// ListPromoted returns every promoted tool with a parseable spec. Rows whose
// spec column fails to parse are skipped with a warning, never fatal.
func (s *Store) ListPromoted(ctx context.Context) ([]*Tool, error) {
	query := s.rebind(`
SELECT ` + toolColumns + ` FROM tool_registry WHERE lifecycle_state = ? ORDER BY tool_name ASC
`)
	rows, err := s.db.QueryContext(ctx, query, LifecyclePromoted)
	if err != nil {
		return nil, fmt.Errorf("failed to list promoted tools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		name, specJSON, tool, err := scanTool(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool row: %w", err)
		}
		if err := json.Unmarshal([]byte(specJSON), &tool.Spec); err != nil {
			slog.Warn("Skipping tool with malformed spec", "tool", name, "error", err)
			continue
		}
		tools = append(tools, &tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tools: %w", err)
	}
	return tools, nil
}

// Get returns one tool in any lifecycle state.
func (s *Store) Get(ctx context.Context, name string) (*Tool, error) {
	query := s.rebind(`
SELECT ` + toolColumns + ` FROM tool_registry WHERE tool_name = ?
`)
	row := s.db.QueryRowContext(ctx, query, name)
	_, specJSON, tool, err := scanTool(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrToolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tool %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(specJSON), &tool.Spec); err != nil {
		return nil, fmt.Errorf("tool %s has malformed spec: %w", name, err)
	}
	return &tool, nil
}

// GetPromoted returns one tool only if it is currently promoted.
func (s *Store) GetPromoted(ctx context.Context, name string) (*Tool, error) {
	tool, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if tool.LifecycleState != LifecyclePromoted {
		return nil, ErrToolNotFound
	}
	return tool, nil
}

// AppendCallLog inserts one call log row. Output and error are truncated;
// failures are logged and swallowed so telemetry never fails a request.
func (s *Store) AppendCallLog(ctx context.Context, e CallLogEntry) {
	inputJSON, err := json.Marshal(e.Input)
	if err != nil {
		inputJSON = []byte("{}")
	}

	query := s.rebind(`
INSERT INTO mcp_call_log (tool_name, input, output, status_code, latency_ms, error, called_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
	var errCol any
	if e.Err != "" {
		errCol = truncate(e.Err, maxCallLogError)
	}
	_, err = s.db.ExecContext(ctx, query,
		e.ToolName, string(inputJSON), truncate(e.Output, maxCallLogOutput),
		e.StatusCode, e.LatencyMs, errCol, time.Now(),
	)
	if err != nil {
		slog.Warn("Failed to append MCP call log", "tool", e.ToolName, "error", err)
	}
}

// RecordEvalRun inserts one eval run and returns its id.
func (s *Store) RecordEvalRun(ctx context.Context, run *EvalRun) (int64, error) {
	runAt := run.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}

	if s.dialect == "postgres" {
		query := `
INSERT INTO eval_runs (tool_name, model, eval_type, total_cases, passed, failed, skipped, pass_rate, run_at, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id
`
		var id int64
		err := s.db.QueryRowContext(ctx, query,
			run.ToolName, run.Model, run.EvalType, run.TotalCases,
			run.Passed, run.Failed, run.Skipped, nullableFloat(run.PassRate), runAt, run.Notes,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to record eval run: %w", err)
		}
		return id, nil
	}

	query := `
INSERT INTO eval_runs (tool_name, model, eval_type, total_cases, passed, failed, skipped, pass_rate, run_at, notes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	res, err := s.db.ExecContext(ctx, query,
		run.ToolName, run.Model, run.EvalType, run.TotalCases,
		run.Passed, run.Failed, run.Skipped, nullableFloat(run.PassRate), runAt, run.Notes,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record eval run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read eval run id: %w", err)
	}
	return id, nil
}

// AddEvalCase inserts one per-case row for an eval run.
func (s *Store) AddEvalCase(ctx context.Context, c *EvalCase) error {
	query := s.rebind(`
INSERT INTO eval_cases (eval_run_id, case_id, status, latency_ms, input_tokens, output_tokens)
VALUES (?, ?, ?, ?, ?, ?)
`)
	if _, err := s.db.ExecContext(ctx, query,
		c.EvalRunID, c.CaseID, c.Status, c.LatencyMs, c.InputTokens, c.OutputTokens,
	); err != nil {
		return fmt.Errorf("failed to record eval case: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
