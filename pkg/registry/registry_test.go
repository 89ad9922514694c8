package registry

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, "sqlite")
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func weatherSpec() ToolSpec {
	return ToolSpec{
		Description: "Get current weather for a city",
		InputSchema: map[string]ParamSpec{
			"city":  {Type: "string", Description: "City name"},
			"units": {Type: "string", Optional: true},
		},
		MCPRouting: &MCPRouting{
			Endpoint: "/api/weather",
			Method:   "GET",
			ParamMap: map[string]ParamMapping{
				"city": {Query: "city"},
			},
		},
	}
}

func TestListPromoted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "get_weather", weatherSpec(), LifecyclePromoted))
	require.NoError(t, store.Insert(ctx, "delete_user", ToolSpec{
		Description:          "Delete a user account",
		RequiresConfirmation: true,
		MCPRouting:           &MCPRouting{Endpoint: "/api/users/{id}", Method: "DELETE"},
	}, LifecyclePromoted))
	require.NoError(t, store.Insert(ctx, "draft_tool", ToolSpec{Description: "work in progress"}, LifecycleCandidate))

	tools, err := store.ListPromoted(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	// Sorted by name; candidate rows are invisible.
	assert.Equal(t, "delete_user", tools[0].Name)
	assert.Equal(t, "get_weather", tools[1].Name)
	assert.True(t, tools[0].Spec.RequiresConfirmation)
	require.NotNil(t, tools[1].PromotedAt)
}

func TestListPromotedSkipsMalformedSpec(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "good_tool", weatherSpec(), LifecyclePromoted))
	_, err := store.DB().ExecContext(ctx, `
INSERT INTO tool_registry (tool_name, spec, lifecycle_state, created_at)
VALUES ('broken_tool', '{not json', 'promoted', ?)`, time.Now())
	require.NoError(t, err)

	tools, err := store.ListPromoted(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "good_tool", tools[0].Name)
}

func TestGetPromoted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "get_weather", weatherSpec(), LifecyclePromoted))
	require.NoError(t, store.Insert(ctx, "draft_tool", ToolSpec{}, LifecycleCandidate))

	tool, err := store.GetPromoted(ctx, "get_weather")
	require.NoError(t, err)
	assert.Equal(t, "/api/weather", tool.Spec.MCPRouting.Endpoint)

	_, err = store.GetPromoted(ctx, "draft_tool")
	assert.ErrorIs(t, err, ErrToolNotFound)

	_, err = store.GetPromoted(ctx, "missing_tool")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestJSONSchema(t *testing.T) {
	tool := &Tool{Name: "get_weather", Spec: weatherSpec()}
	schema := tool.JSONSchema()

	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "city")
	assert.Contains(t, props, "units")

	// Optional params stay out of required.
	assert.Equal(t, []string{"city"}, schema["required"])

	llmTool := tool.LLMTool()
	assert.Equal(t, "get_weather", llmTool.Name)
	assert.Equal(t, "Get current weather for a city", llmTool.Description)
}

func TestJSONSchemaNoRequired(t *testing.T) {
	tool := &Tool{Spec: ToolSpec{InputSchema: map[string]ParamSpec{
		"verbose": {Type: "boolean", Optional: true},
	}}}
	schema := tool.JSONSchema()
	assert.NotContains(t, schema, "required")
}

func TestAppendCallLogTruncation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.AppendCallLog(ctx, CallLogEntry{
		ToolName:   "get_weather",
		Input:      map[string]any{"city": "NYC"},
		Output:     strings.Repeat("x", 20000),
		StatusCode: 200,
		LatencyMs:  42,
		Err:        strings.Repeat("e", 1000),
	})

	var output, errText string
	var status int
	row := store.DB().QueryRowContext(ctx, `SELECT output, error, status_code FROM mcp_call_log WHERE tool_name = 'get_weather'`)
	require.NoError(t, row.Scan(&output, &errText, &status))

	assert.Len(t, output, maxCallLogOutput)
	assert.Len(t, errText, maxCallLogError)
	assert.Equal(t, 200, status)
}

func TestAppendCallLogNullError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.AppendCallLog(ctx, CallLogEntry{ToolName: "ok_tool", StatusCode: 200})

	var errCol sql.NullString
	row := store.DB().QueryRowContext(ctx, `SELECT error FROM mcp_call_log WHERE tool_name = 'ok_tool'`)
	require.NoError(t, row.Scan(&errCol))
	assert.False(t, errCol.Valid)
}

func TestRecordEvalRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rate := 0.8
	id, err := store.RecordEvalRun(ctx, &EvalRun{
		ToolName:   "get_weather",
		Model:      "claude-sonnet-4-6",
		EvalType:   "golden",
		TotalCases: 10,
		Passed:     8,
		Failed:     2,
		PassRate:   &rate,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	require.NoError(t, store.AddEvalCase(ctx, &EvalCase{
		EvalRunID: id,
		CaseID:    "case-1",
		Status:    "pass",
		LatencyMs: 120,
	}))

	var total int
	row := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM eval_cases WHERE eval_run_id = ?`, id)
	require.NoError(t, row.Scan(&total))
	assert.Equal(t, 1, total)
}

func TestPromote(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "draft_tool", ToolSpec{}, LifecycleCandidate))
	require.NoError(t, store.Promote(ctx, "draft_tool"))

	tool, err := store.Get(ctx, "draft_tool")
	require.NoError(t, err)
	assert.Equal(t, LifecyclePromoted, tool.LifecycleState)
	assert.NotNil(t, tool.PromotedAt)

	assert.ErrorIs(t, store.Promote(ctx, "missing"), ErrToolNotFound)
}

func TestSetBaseline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "get_weather", weatherSpec(), LifecyclePromoted))
	require.NoError(t, store.SetBaseline(ctx, "get_weather", 0.95))

	tool, err := store.Get(ctx, "get_weather")
	require.NoError(t, err)
	require.NotNil(t, tool.BaselinePassRate)
	assert.Equal(t, 0.95, *tool.BaselinePassRate)
}
