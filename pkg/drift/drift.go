// Package drift watches promoted tools for eval pass-rate regressions. A
// tool drifts when its rolling pass-rate average falls below its recorded
// baseline by at least the configured threshold. Detection flags the tool
// and opens an alert naming the suspects: other tools promoted between the
// flagged tool's last clean run and the moment of flagging.
package drift

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/toolforge/forge/pkg/config"
	"github.com/toolforge/forge/pkg/registry"
)

// Alert statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// fallbackBaseline stands in when a flagged tool has no recorded baseline.
const fallbackBaseline = 0.8

// CheckResult is the outcome of one drift check.
type CheckResult struct {
	Drifting    bool     `json:"drifting"`
	Delta       float64  `json:"delta"`
	CurrentRate *float64 `json:"currentRate"`
	Suspects    []string `json:"suspects,omitempty"`
}

// Monitor runs drift checks over the eval history.
type Monitor struct {
	reg       *registry.Store
	db        *sql.DB
	dialect   string
	threshold float64
	window    int
	interval  time.Duration
	onAlert   func(toolName string)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithOnAlert registers a callback invoked once per newly opened alert.
func WithOnAlert(fn func(toolName string)) Option {
	return func(m *Monitor) { m.onAlert = fn }
}

// NewMonitor builds a monitor over the registry's database.
func NewMonitor(reg *registry.Store, cfg config.DriftConfig, opts ...Option) *Monitor {
	m := &Monitor{
		reg:       reg,
		db:        reg.DB(),
		dialect:   reg.Dialect(),
		threshold: cfg.Threshold,
		window:    cfg.WindowSize,
		interval:  time.Duration(cfg.IntervalMs) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) rebind(query string) string {
	if m.dialect != "postgres" {
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

// RollingAverage is the arithmetic mean of the tool's most recent eval
// runs, up to the window size, counting only runs that actually executed
// cases. Returns nil when there is no usable history.
func (m *Monitor) RollingAverage(ctx context.Context, toolName string) (*float64, error) {
	query := m.rebind(`
SELECT pass_rate FROM eval_runs
WHERE tool_name = ? AND pass_rate IS NOT NULL AND total_cases > 0
ORDER BY run_at DESC
LIMIT ?
`)
	rows, err := m.db.QueryContext(ctx, query, toolName, m.window)
	if err != nil {
		return nil, fmt.Errorf("failed to read eval history for %s: %w", toolName, err)
	}
	defer rows.Close()

	var sum float64
	var count int
	for rows.Next() {
		var rate float64
		if err := rows.Scan(&rate); err != nil {
			return nil, fmt.Errorf("failed to scan pass rate: %w", err)
		}
		sum += rate
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read eval history for %s: %w", toolName, err)
	}
	if count == 0 {
		return nil, nil
	}
	mean := sum / float64(count)
	return &mean, nil
}

// CheckDrift compares the tool's rolling average against its baseline and,
// on first detection, atomically flags the tool and opens an alert. Calling
// it again while an alert is open changes nothing.
func (m *Monitor) CheckDrift(ctx context.Context, toolName string) (*CheckResult, error) {
	tool, err := m.reg.Get(ctx, toolName)
	if err != nil {
		return nil, err
	}
	if tool.BaselinePassRate == nil {
		return &CheckResult{}, nil
	}

	current, err := m.RollingAverage(ctx, toolName)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &CheckResult{}, nil
	}

	delta := *tool.BaselinePassRate - *current
	if delta < m.threshold {
		return &CheckResult{Delta: delta, CurrentRate: current}, nil
	}

	suspects, opened, err := m.flagTool(ctx, toolName, *tool.BaselinePassRate, *current, delta)
	if err != nil {
		return nil, err
	}
	if opened && m.onAlert != nil {
		m.onAlert(toolName)
	}
	return &CheckResult{
		Drifting:    true,
		Delta:       delta,
		CurrentRate: current,
		Suspects:    suspects,
	}, nil
}

// flagTool opens the alert and flags the tool in one transaction. An
// existing open alert makes it a no-op; opened reports whether this call
// inserted the alert.
func (m *Monitor) flagTool(ctx context.Context, toolName string, baseline, current, delta float64) (suspects []string, opened bool, err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	query := m.rebind(`SELECT id FROM drift_alerts WHERE tool_name = ? AND status = ? LIMIT 1`)
	err = tx.QueryRowContext(ctx, query, toolName, StatusOpen).Scan(&existing)
	if err == nil {
		// Idempotent: the regression is already flagged.
		return nil, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to check open alerts: %w", err)
	}

	now := time.Now()
	suspects, err = m.computeSuspects(ctx, tx, toolName, now, &baseline)
	if err != nil {
		return nil, false, err
	}
	triggerTools, err := json.Marshal(suspects)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode suspects: %w", err)
	}

	insert := m.rebind(`
INSERT INTO drift_alerts (tool_name, detected_at, trigger_tools, baseline_rate, current_rate, delta, status)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
	if _, err := tx.ExecContext(ctx, insert, toolName, now, string(triggerTools), baseline, current, delta, StatusOpen); err != nil {
		return nil, false, fmt.Errorf("failed to insert drift alert: %w", err)
	}

	flag := m.rebind(`UPDATE tool_registry SET lifecycle_state = ?, flagged_at = ? WHERE tool_name = ?`)
	if _, err := tx.ExecContext(ctx, flag, registry.LifecycleFlagged, now, toolName); err != nil {
		return nil, false, fmt.Errorf("failed to flag tool %s: %w", toolName, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return suspects, true, nil
}

// computeSuspects returns every other tool promoted strictly after the
// flagged tool's last clean run and on-or-before flaggedAt. With no clean
// run on record, every tool promoted by flaggedAt qualifies.
func (m *Monitor) computeSuspects(ctx context.Context, tx *sql.Tx, toolName string, flaggedAt time.Time, baseline *float64) ([]string, error) {
	floor := fallbackBaseline
	if baseline != nil {
		floor = *baseline
	}

	var lastClean time.Time
	query := m.rebind(`
SELECT run_at FROM eval_runs
WHERE tool_name = ? AND pass_rate IS NOT NULL AND pass_rate >= ?
ORDER BY run_at DESC
LIMIT 1
`)
	err := tx.QueryRowContext(ctx, query, toolName, floor).Scan(&lastClean)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to find last clean run: %w", err)
	}

	list := m.rebind(`
SELECT tool_name FROM tool_registry
WHERE tool_name != ? AND promoted_at IS NOT NULL AND promoted_at > ? AND promoted_at <= ?
ORDER BY promoted_at
`)
	rows, err := tx.QueryContext(ctx, list, toolName, lastClean, flaggedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to list suspects: %w", err)
	}
	defer rows.Close()

	suspects := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan suspect: %w", err)
		}
		suspects = append(suspects, name)
	}
	return suspects, rows.Err()
}

// ResolveDrift closes an open alert, retires the flagged tool in favor of
// the replacement, and promotes the replacement, all in one transaction.
func (m *Monitor) ResolveDrift(ctx context.Context, alertID int64, replacement string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var toolName string
	query := m.rebind(`SELECT tool_name FROM drift_alerts WHERE id = ? AND status = ?`)
	err = tx.QueryRowContext(ctx, query, alertID, StatusOpen).Scan(&toolName)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no open drift alert with id %d", alertID)
	}
	if err != nil {
		return fmt.Errorf("failed to read alert %d: %w", alertID, err)
	}

	now := time.Now()
	resolve := m.rebind(`UPDATE drift_alerts SET status = ?, resolved_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, resolve, StatusResolved, now, alertID); err != nil {
		return fmt.Errorf("failed to resolve alert %d: %w", alertID, err)
	}

	retire := m.rebind(`
UPDATE tool_registry SET lifecycle_state = ?, retired_at = ?, replaced_by = ? WHERE tool_name = ?`)
	if _, err := tx.ExecContext(ctx, retire, registry.LifecycleRetired, now, replacement, toolName); err != nil {
		return fmt.Errorf("failed to retire tool %s: %w", toolName, err)
	}

	promote := m.rebind(`
UPDATE tool_registry SET lifecycle_state = ?, promoted_at = ? WHERE tool_name = ?`)
	if _, err := tx.ExecContext(ctx, promote, registry.LifecyclePromoted, now, replacement); err != nil {
		return fmt.Errorf("failed to promote replacement %s: %w", replacement, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Run ticks until ctx is done, sweeping every promoted tool each interval.
// Sweep errors are logged, never fatal.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("Drift monitor started", "interval", m.interval, "threshold", m.threshold, "window", m.window)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Drift monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one drift check over every promoted tool.
func (m *Monitor) Sweep(ctx context.Context) {
	tools, err := m.reg.ListPromoted(ctx)
	if err != nil {
		slog.Warn("Drift sweep could not list promoted tools", "error", err)
		return
	}
	for _, tool := range tools {
		res, err := m.CheckDrift(ctx, tool.Name)
		if err != nil {
			slog.Warn("Drift check failed", "tool", tool.Name, "error", err)
			continue
		}
		if res.Drifting {
			slog.Warn("Drift detected",
				"tool", tool.Name,
				"delta", res.Delta,
				"suspects", len(res.Suspects))
		}
	}
}
