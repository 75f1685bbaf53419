package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/sessiond/internal/bus"
	"github.com/google/uuid"
)

// ErrToolCallRunning is returned by PauseSession while a tool call is
// mid-flight for the session.
var ErrToolCallRunning = errors.New("tool call currently running")

// NewSession is the input to CreateSession. Status always starts at
// INITIALIZING regardless of what the caller sets.
type NewSession struct {
	ID              string
	UserID          string
	Mode            SessionMode
	ParentSessionID string
	WorkdirPath     string
	Model           string
	SystemPrompt    string
	ToolGroup       string
}

func (s *Store) CreateSession(ctx context.Context, n NewSession) (*Session, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(n.ID); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	if !ValidMode(n.Mode) {
		return nil, fmt.Errorf("invalid session mode %q", n.Mode)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, user_id, status, mode, parent_session_id, workdir_path,
				model, system_prompt, tool_group, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, n.ID, n.UserID, SessionInitializing, n.Mode, n.ParentSessionID,
			n.WorkdirPath, n.Model, n.SystemPrompt, n.ToolGroup); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := s.appendSessionEventTx(ctx, tx, n.ID, "", "session.created", "", string(SessionInitializing),
			fmt.Sprintf(`{"mode":%q}`, n.Mode)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publishLifecycle(n.ID, n.UserID, "", SessionInitializing, "created")
	return s.GetSession(ctx, n.ID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, mode, COALESCE(parent_session_id, ''), workdir_path,
			archive_path, model, system_prompt, tool_group, message_count, tool_call_count,
			prompt_tokens, output_tokens, cost_usd, failure_reason, created_at, updated_at
		FROM sessions
		WHERE id = ?;
	`, sessionID)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.Mode, &sess.ParentSessionID,
		&sess.WorkdirPath, &sess.ArchivePath, &sess.Model, &sess.SystemPrompt, &sess.ToolGroup,
		&sess.MessageCount, &sess.ToolCallCount, &sess.PromptTokens, &sess.OutputTokens,
		&sess.CostUSD, &sess.FailureReason, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, statusFilter SessionStatus, limit int) ([]Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if statusFilter == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, status, mode, COALESCE(parent_session_id, ''), workdir_path,
				archive_path, model, system_prompt, tool_group, message_count, tool_call_count,
				prompt_tokens, output_tokens, cost_usd, failure_reason, created_at, updated_at
			FROM sessions
			ORDER BY created_at DESC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, status, mode, COALESCE(parent_session_id, ''), workdir_path,
				archive_path, model, system_prompt, tool_group, message_count, tool_call_count,
				prompt_tokens, output_tokens, cost_usd, failure_reason, created_at, updated_at
			FROM sessions
			WHERE status = ?
			ORDER BY created_at DESC
			LIMIT ?;
		`, statusFilter, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.Mode, &sess.ParentSessionID,
			&sess.WorkdirPath, &sess.ArchivePath, &sess.Model, &sess.SystemPrompt, &sess.ToolGroup,
			&sess.MessageCount, &sess.ToolCallCount, &sess.PromptTokens, &sess.OutputTokens,
			&sess.CostUSD, &sess.FailureReason, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// transitionSessionTx moves a session between states with a CAS update.
// Returns false without error when the session is missing or not in an
// allowed source state; callers decide whether that is an error.
func (s *Store) transitionSessionTx(ctx context.Context, tx *sql.Tx, sessionID string, allowedFrom []SessionStatus, to SessionStatus, eventType, payload string) (bool, SessionStatus, error) {
	var current SessionStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM sessions WHERE id = ?;
	`, sessionID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("select session for transition: %w", err)
	}
	allowed := false
	for _, from := range allowedFrom {
		if from == current {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, current, nil
	}
	if !canTransitionSession(current, to) {
		return false, current, fmt.Errorf("illegal session transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, sessionID, current)
	if err != nil {
		return false, current, fmt.Errorf("update session transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, current, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, current, nil
	}
	if err := s.appendSessionEventTx(ctx, tx, sessionID, "", eventType, string(current), string(to), payload); err != nil {
		return false, current, err
	}
	return true, current, nil
}

// TransitionSession applies one CAS state change and publishes a lifecycle
// event on success. Returns (false, current, nil) when the session is not
// in an allowed source state.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, allowedFrom []SessionStatus, to SessionStatus, reason string) (bool, SessionStatus, error) {
	var (
		changed bool
		current SessionStatus
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		payload := "{}"
		if reason != "" {
			payload = fmt.Sprintf(`{"reason":%q}`, reason)
		}
		ok, cur, err := s.transitionSessionTx(ctx, tx, sessionID, allowedFrom, to, "session."+strings.ToLower(string(to)), payload)
		if err != nil {
			return err
		}
		current = cur
		if !ok {
			changed = false
			return nil
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, current, err
	}
	if changed {
		s.publishLifecycle(sessionID, "", current, to, reason)
	}
	return changed, current, nil
}

// PauseSession is TransitionSession(ACTIVE -> PAUSED) with the running
// tool-call guard evaluated in the same transaction, so a tool finishing
// concurrently cannot slip past the check.
func (s *Store) PauseSession(ctx context.Context, sessionID string) (bool, SessionStatus, error) {
	var (
		changed bool
		current SessionStatus
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pause tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var running int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM tool_calls WHERE session_id = ? AND status = ?;
		`, sessionID, ToolCallRunning).Scan(&running); err != nil {
			return fmt.Errorf("count running tool calls: %w", err)
		}
		if running > 0 {
			return ErrToolCallRunning
		}

		ok, cur, err := s.transitionSessionTx(ctx, tx, sessionID,
			[]SessionStatus{SessionActive}, SessionPaused, "session.paused", "{}")
		if err != nil {
			return err
		}
		current = cur
		if !ok {
			changed = false
			return nil
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, current, err
	}
	if changed {
		s.publishLifecycle(sessionID, "", current, SessionPaused, "paused")
	}
	return changed, current, nil
}

// SetSessionFailureReason records why a session failed. Separate from the
// transition so the reason can carry redacted summaries built after the
// status flip.
func (s *Store) SetSessionFailureReason(ctx context.Context, sessionID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET failure_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, reason, sessionID)
	if err != nil {
		return fmt.Errorf("set failure reason: %w", err)
	}
	return nil
}

// SetSessionArchivePath records where the workdir export landed.
func (s *Store) SetSessionArchivePath(ctx context.Context, sessionID, archivePath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET archive_path = ?, workdir_path = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, archivePath, sessionID)
	if err != nil {
		return fmt.Errorf("set archive path: %w", err)
	}
	return nil
}

// AppendMessage assigns the next sequence number and increments the
// session's message counter in one transaction. Seq is dense: the Nth
// message of a session always has seq N-1.
func (s *Store) AppendMessage(ctx context.Context, sessionID, turnID, role, content string, tokens int) (*Message, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return nil, fmt.Errorf("invalid role %q", role)
	}

	var msg Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var seq int
		if err := tx.QueryRowContext(ctx, `
			SELECT message_count FROM sessions WHERE id = ?;
		`, sessionID).Scan(&seq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("read message count: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq, role, content, tokens, turn_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, seq, role, content, tokens, turnID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message last insert id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET message_count = message_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID); err != nil {
			return fmt.Errorf("bump message count: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append message tx: %w", err)
		}
		msg = Message{ID: id, SessionID: sessionID, Seq: seq, Role: role, Content: content, Tokens: tokens, TurnID: turnID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns a session's transcript in sequence order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, tokens, turn_id, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.Tokens, &m.TurnID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// CopyTranscript duplicates every message of src into dst, preserving
// sequence numbers, and sets dst's message counter to match. dst must have
// an empty transcript. Fork uses this to clone conversation state.
func (s *Store) CopyTranscript(ctx context.Context, srcSessionID, dstSessionID string) (int, error) {
	var copied int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin copy transcript tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM messages WHERE session_id = ?;
		`, dstSessionID).Scan(&existing); err != nil {
			return fmt.Errorf("count destination messages: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("destination session %s already has %d messages", dstSessionID, existing)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq, role, content, tokens, turn_id, created_at)
			SELECT ?, seq, role, content, tokens, turn_id, CURRENT_TIMESTAMP
			FROM messages
			WHERE session_id = ?
			ORDER BY seq ASC;
		`, dstSessionID, srcSessionID)
		if err != nil {
			return fmt.Errorf("copy messages: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("copied rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET message_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, n, dstSessionID); err != nil {
			return fmt.Errorf("set copied message count: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit copy transcript tx: %w", err)
		}
		copied = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

// AddTurnUsage accumulates token and cost counters after a turn.
func (s *Store) AddTurnUsage(ctx context.Context, sessionID string, promptTokens, outputTokens int, costUSD float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET prompt_tokens = prompt_tokens + ?,
			output_tokens = output_tokens + ?,
			cost_usd = cost_usd + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, promptTokens, outputTokens, costUSD, sessionID)
	if err != nil {
		return fmt.Errorf("add turn usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("usage rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// SessionCounts returns how many sessions sit in each status. Statuses
// with no sessions are absent from the map.
func (s *Store) SessionCounts(ctx context.Context) (map[SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM sessions
		GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("session counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[SessionStatus]int)
	for rows.Next() {
		var status SessionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan session count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) publishLifecycle(sessionID, userID string, from, to SessionStatus, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicSessionLifecycle, bus.SessionLifecycleEvent{
		SessionID: sessionID,
		UserID:    userID,
		OldStatus: string(from),
		NewStatus: string(to),
		Reason:    reason,
	})
}
