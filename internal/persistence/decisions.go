package persistence

import (
	"context"
	"fmt"

	"github.com/basket/sessiond/internal/shared"
)

// RecordPermissionDecision appends one immutable evaluator verdict.
// Targets pass through redaction so shell arguments never leak secrets
// into the decision trail.
func (s *Store) RecordPermissionDecision(ctx context.Context, d PermissionDecision) (int64, error) {
	d.Target = shared.Redact(d.Target)
	d.Reason = shared.Redact(d.Reason)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_decisions (session_id, tool_call_id, tool, target, decision, rule, reason, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, d.SessionID, d.ToolCallID, d.Tool, d.Target, d.Decision, d.Rule, d.Reason)
	if err != nil {
		return 0, fmt.Errorf("insert permission decision: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("permission decision id: %w", err)
	}
	return id, nil
}

// ListPermissionDecisions returns a session's decisions in recording order.
func (s *Store) ListPermissionDecisions(ctx context.Context, sessionID string, limit int) ([]PermissionDecision, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(tool_call_id, ''), tool, target, decision, rule, reason, created_at
		FROM permission_decisions
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query permission decisions: %w", err)
	}
	defer rows.Close()

	var out []PermissionDecision
	for rows.Next() {
		var d PermissionDecision
		if err := rows.Scan(&d.ID, &d.SessionID, &d.ToolCallID, &d.Tool, &d.Target, &d.Decision, &d.Rule, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("permission decision rows: %w", err)
	}
	return out, nil
}

// RecordHookExecution appends one hook invocation record.
func (s *Store) RecordHookExecution(ctx context.Context, h HookExecution) (int64, error) {
	h.Reason = shared.Redact(h.Reason)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_executions (session_id, point, hook, continue_execution, reason, faulted, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, h.SessionID, h.Point, h.Hook, h.Continue, h.Reason, h.Faulted, h.DurationMS)
	if err != nil {
		return 0, fmt.Errorf("insert hook execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("hook execution id: %w", err)
	}
	return id, nil
}

// ListHookExecutions returns a session's hook records in recording order.
func (s *Store) ListHookExecutions(ctx context.Context, sessionID string, limit int) ([]HookExecution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, point, hook, continue_execution, reason, faulted, duration_ms, created_at
		FROM hook_executions
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query hook executions: %w", err)
	}
	defer rows.Close()

	var out []HookExecution
	for rows.Next() {
		var h HookExecution
		if err := rows.Scan(&h.ID, &h.SessionID, &h.Point, &h.Hook, &h.Continue, &h.Reason, &h.Faulted, &h.DurationMS, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan hook execution: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hook execution rows: %w", err)
	}
	return out, nil
}
