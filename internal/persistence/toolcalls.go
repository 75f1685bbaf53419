package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// InsertToolCall records a requested tool use as pending and bumps the
// session's tool-call counter in the same transaction.
func (s *Store) InsertToolCall(ctx context.Context, sessionID, turnID, toolUseID, name, arguments string) (*ToolCall, error) {
	if toolUseID == "" {
		toolUseID = uuid.NewString()
	}
	if arguments == "" {
		arguments = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert tool call tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (id, session_id, turn_id, name, arguments, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, toolUseID, sessionID, turnID, name, arguments, ToolCallPending); err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET tool_call_count = tool_call_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID); err != nil {
			return fmt.Errorf("bump tool call count: %w", err)
		}
		if err := s.appendSessionEventTx(ctx, tx, sessionID, "", "tool_call.requested", "", string(ToolCallPending),
			fmt.Sprintf(`{"tool":%q,"tool_use_id":%q}`, name, toolUseID)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetToolCall(ctx, toolUseID)
}

func scanToolCall(scanFn func(dest ...any) error, tc *ToolCall) error {
	var startedAt, finishedAt sql.NullTime
	if err := scanFn(
		&tc.ID,
		&tc.SessionID,
		&tc.TurnID,
		&tc.Name,
		&tc.Arguments,
		&tc.Status,
		&tc.Output,
		&tc.ErrorCode,
		&tc.Error,
		&startedAt,
		&finishedAt,
		&tc.CreatedAt,
		&tc.UpdatedAt,
	); err != nil {
		return err
	}
	if startedAt.Valid {
		t := startedAt.Time
		tc.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		tc.FinishedAt = &t
	}
	return nil
}

func (s *Store) GetToolCall(ctx context.Context, toolUseID string) (*ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, turn_id, name, arguments, status,
			COALESCE(output, ''), COALESCE(error_code, ''), COALESCE(error, ''),
			started_at, finished_at, created_at, updated_at
		FROM tool_calls
		WHERE id = ?;
	`, toolUseID)
	var tc ToolCall
	if err := scanToolCall(row.Scan, &tc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select tool call: %w", err)
	}
	return &tc, nil
}

// transitionToolCallTx is the tool-call counterpart of transitionSessionTx.
// Tool call states only move forward; an attempt to move backward is a
// programming error and returns it as such.
func (s *Store) transitionToolCallTx(ctx context.Context, tx *sql.Tx, toolUseID string, allowedFrom []ToolCallStatus, to ToolCallStatus, eventType, payload string) (bool, error) {
	var current ToolCallStatus
	var sessionID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, session_id FROM tool_calls WHERE id = ?;
	`, toolUseID).Scan(&current, &sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select tool call for transition: %w", err)
	}
	allowed := false
	for _, from := range allowedFrom {
		if from == current {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	if !canTransitionToolCall(current, to) {
		return false, fmt.Errorf("illegal tool call transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tool_calls
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, toolUseID, current)
	if err != nil {
		return false, fmt.Errorf("update tool call transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tool call rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendSessionEventTx(ctx, tx, sessionID, "", eventType, string(current), string(to), payload); err != nil {
		return false, err
	}
	return true, nil
}

// MarkToolCallRunning transitions pending -> running and stamps started_at.
func (s *Store) MarkToolCallRunning(ctx context.Context, toolUseID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tool running tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionToolCallTx(ctx, tx, toolUseID,
			[]ToolCallStatus{ToolCallPending}, ToolCallRunning, "tool_call.running", "{}")
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tool_calls SET started_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, toolUseID, ToolCallRunning); err != nil {
			return fmt.Errorf("stamp tool call start: %w", err)
		}
		return tx.Commit()
	})
}

// CompleteToolCall transitions running -> completed with the tool output.
func (s *Store) CompleteToolCall(ctx context.Context, toolUseID, output string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tool complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionToolCallTx(ctx, tx, toolUseID,
			[]ToolCallStatus{ToolCallRunning}, ToolCallCompleted, "tool_call.completed", "{}")
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tool_calls SET output = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, output, toolUseID, ToolCallCompleted); err != nil {
			return fmt.Errorf("store tool output: %w", err)
		}
		return tx.Commit()
	})
}

// FailToolCall transitions pending|running -> failed with an error code
// (permission_denied, hook_blocked, execution_error) and message. A pending
// call failing here is the blocked-before-start path.
func (s *Store) FailToolCall(ctx context.Context, toolUseID, errorCode, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tool fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionToolCallTx(ctx, tx, toolUseID,
			[]ToolCallStatus{ToolCallPending, ToolCallRunning}, ToolCallFailed, "tool_call.failed",
			fmt.Sprintf(`{"error_code":%q}`, errorCode))
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tool_calls SET error_code = ?, error = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, errorCode, errMsg, toolUseID, ToolCallFailed); err != nil {
			return fmt.Errorf("store tool error: %w", err)
		}
		return tx.Commit()
	})
}

// ListToolCalls returns a session's tool calls in creation order.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCall, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, turn_id, name, arguments, status,
			COALESCE(output, ''), COALESCE(error_code, ''), COALESCE(error, ''),
			started_at, finished_at, created_at, updated_at
		FROM tool_calls
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var tc ToolCall
		if err := scanToolCall(rows.Scan, &tc); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool call rows: %w", err)
	}
	return out, nil
}

// RunningToolCallCount reports how many tool calls are mid-flight for a
// session. The pause guard reads this inside its own transaction; this
// variant serves status surfaces.
func (s *Store) RunningToolCallCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tool_calls WHERE session_id = ? AND status = ?;
	`, sessionID, ToolCallRunning).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running tool calls: %w", err)
	}
	return n, nil
}
