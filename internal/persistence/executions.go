package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/basket/sessiond/internal/bus"
	"github.com/google/uuid"
)

// NewExecution is the input to EnqueueExecution. Spec carries the task
// definition as JSON; Variables the caller-supplied template values.
type NewExecution struct {
	Mode        SessionMode
	Spec        string
	Variables   string
	SessionID   string
	ScheduleID  string
	MaxAttempts int
}

// EnqueueExecution inserts a pending execution. Non-blocking: no worker
// coordination happens here, the row is simply visible to the next claim.
func (s *Store) EnqueueExecution(ctx context.Context, n NewExecution) (*TaskExecution, error) {
	if !ValidMode(n.Mode) {
		return nil, fmt.Errorf("invalid execution mode %q", n.Mode)
	}
	if n.Spec == "" {
		n.Spec = "{}"
	}
	if n.Variables == "" {
		n.Variables = "{}"
	}
	maxAttempts := n.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.retry.MaxAttempts
	}
	execID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_executions (
				id, session_id, schedule_id, mode, spec, variables, status,
				attempt, max_attempts, available_at, created_at, updated_at
			)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, execID, n.SessionID, n.ScheduleID, n.Mode, n.Spec, n.Variables, ExecPending, maxAttempts); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if err := s.appendSessionEventTx(ctx, tx, n.SessionID, execID, "execution.enqueued", "", string(ExecPending),
			fmt.Sprintf(`{"mode":%q}`, n.Mode)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			ExecutionID: execID,
			SessionID:   n.SessionID,
			NewStatus:   string(ExecPending),
		})
	}
	return s.GetExecution(ctx, execID)
}

func scanExecution(scanFn func(dest ...any) error, e *TaskExecution) error {
	var leaseExpires, startedAt, finishedAt sql.NullTime
	if err := scanFn(
		&e.ID,
		&e.SessionID,
		&e.ScheduleID,
		&e.Mode,
		&e.Spec,
		&e.Variables,
		&e.Status,
		&e.Attempt,
		&e.MaxAttempts,
		&e.AvailableAt,
		&e.CancelRequested,
		&e.LastErrorCode,
		&e.LeaseOwner,
		&leaseExpires,
		&e.ResultSummary,
		&e.Error,
		&e.MessagesCount,
		&e.ToolCallsCount,
		&e.CreatedAt,
		&e.UpdatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		e.LeaseExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	return nil
}

const executionColumns = `id, COALESCE(session_id, ''), COALESCE(schedule_id, ''), mode, spec, variables, status,
	attempt, max_attempts, available_at, cancel_requested, COALESCE(last_error_code, ''),
	COALESCE(lease_owner, ''), lease_expires_at, result_summary, COALESCE(error, ''),
	messages_count, tool_calls_count, created_at, updated_at, started_at, finished_at`

func (s *Store) GetExecution(ctx context.Context, execID string) (*TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM task_executions
		WHERE id = ?;
	`, execID)
	var e TaskExecution
	if err := scanExecution(row.Scan, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select execution: %w", err)
	}
	return &e, nil
}

// transitionExecTx moves an execution between states with a CAS update and
// appends the audit row. Same contract as transitionSessionTx.
func (s *Store) transitionExecTx(ctx context.Context, tx *sql.Tx, execID string, allowedFrom []ExecStatus, to ExecStatus, eventType, payload string) (bool, error) {
	var current ExecStatus
	var sessionID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, COALESCE(session_id, '') FROM task_executions WHERE id = ?;
	`, execID).Scan(&current, &sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select execution for transition: %w", err)
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
	if !canTransitionExec(current, to) {
		return false, fmt.Errorf("illegal execution transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE task_executions
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, execID, current)
	if err != nil {
		return false, fmt.Errorf("update execution transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("execution rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendSessionEventTx(ctx, tx, sessionID, execID, eventType, string(current), string(to), payload); err != nil {
		return false, err
	}
	return true, nil
}

// ClaimNextPendingExecution atomically takes the oldest due pending
// execution, marks it running, and assigns a lease. Returns nil when the
// queue is empty. Claiming and marking happen in one transaction so two
// workers can never take the same execution. Interactive executions are
// never claimed; those are finalized synchronously by their submitter.
func (s *Store) ClaimNextPendingExecution(ctx context.Context) (*TaskExecution, error) {
	var result *TaskExecution
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+`
			FROM task_executions
			WHERE status = ? AND mode != ? AND available_at <= CURRENT_TIMESTAMP
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, ExecPending, ModeInteractive)
		var e TaskExecution
		if scanErr := scanExecution(row.Scan, &e); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select pending execution: %w", scanErr)
		}

		ok, err := s.transitionExecTx(ctx, tx, e.ID,
			[]ExecStatus{ExecPending}, ExecRunning,
			"execution.claimed", `{"reason":"claim_next_pending"}`)
		if err != nil {
			return fmt.Errorf("claim execution transition: %w", err)
		}
		if !ok {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(s.lease)
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET lease_owner = ?, lease_expires_at = ?,
				started_at = COALESCE(started_at, CURRENT_TIMESTAMP),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, leaseOwner, leaseExpiresAt, e.ID, ExecRunning); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		e.Status = ExecRunning
		e.LeaseOwner = leaseOwner
		e.LeaseExpiresAt = &leaseExpiresAt
		result = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil && s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			ExecutionID: result.ID,
			SessionID:   result.SessionID,
			OldStatus:   string(ExecPending),
			NewStatus:   string(ExecRunning),
			Attempt:     result.Attempt + 1,
		})
	}
	return result, nil
}

// AttachSessionToExecution links the session a worker provisioned for
// this execution. Set once; later calls overwrite harmlessly for reuse.
func (s *Store) AttachSessionToExecution(ctx context.Context, execID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, sessionID, execID)
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// CompleteExecution finalizes a running execution as completed, stamping
// the summary and counters. The attempt counter includes the final
// successful run, so an execution that failed twice and then succeeded
// reports three attempts.
func (s *Store) CompleteExecution(ctx context.Context, execID, summary string, messages, toolCalls int) error {
	var sessionID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete execution tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionExecTx(ctx, tx, execID,
			[]ExecStatus{ExecRunning}, ExecCompleted,
			"execution.completed", `{"reason":"worker_success"}`)
		if err != nil {
			return fmt.Errorf("complete execution transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET attempt = attempt + 1,
				result_summary = ?,
				messages_count = ?,
				tool_calls_count = ?,
				lease_owner = NULL,
				lease_expires_at = NULL,
				error = NULL,
				finished_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, summary, messages, toolCalls, execID, ExecCompleted); err != nil {
			return fmt.Errorf("finalize completed execution: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(session_id, '') FROM task_executions WHERE id = ?;
		`, execID).Scan(&sessionID); err != nil {
			return fmt.Errorf("read finalized session id: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
			ExecutionID: execID,
			SessionID:   sessionID,
			Result:      summary,
			Messages:    messages,
			ToolCalls:   toolCalls,
		})
	}
	return nil
}

// CompleteSyncExecution finalizes a pending execution in one step, for
// submissions served synchronously instead of by a worker. The row moves
// pending -> running -> completed in a single transaction so observers
// never see a half-finished synchronous execution.
func (s *Store) CompleteSyncExecution(ctx context.Context, execID, summary string) error {
	var sessionID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sync complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionExecTx(ctx, tx, execID,
			[]ExecStatus{ExecPending}, ExecRunning,
			"execution.claimed", `{"reason":"synchronous_submit"}`)
		if err != nil {
			return fmt.Errorf("sync claim transition: %w", err)
		}
		if !ok {
			return fmt.Errorf("execution %s is not pending", execID)
		}
		ok, err = s.transitionExecTx(ctx, tx, execID,
			[]ExecStatus{ExecRunning}, ExecCompleted,
			"execution.completed", `{"reason":"synchronous_submit"}`)
		if err != nil {
			return fmt.Errorf("sync complete transition: %w", err)
		}
		if !ok {
			return fmt.Errorf("execution %s did not reach running", execID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET attempt = 1,
				result_summary = ?,
				started_at = CURRENT_TIMESTAMP,
				finished_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, summary, execID, ExecCompleted); err != nil {
			return fmt.Errorf("finalize sync execution: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(session_id, '') FROM task_executions WHERE id = ?;
		`, execID).Scan(&sessionID); err != nil {
			return fmt.Errorf("read sync session id: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
			ExecutionID: execID,
			SessionID:   sessionID,
			Result:      summary,
		})
	}
	return nil
}

// FailPendingExecution finalizes a pending execution that could not be
// served at all, such as an interactive submission whose session failed
// to provision. Terminal: no retry follows.
func (s *Store) FailPendingExecution(ctx context.Context, execID, errMsg string) (bool, error) {
	var (
		failed    bool
		sessionID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail pending tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionExecTx(ctx, tx, execID,
			[]ExecStatus{ExecPending}, ExecFailed,
			"execution.failed", fmt.Sprintf(`{"reason_code":%q}`, ReasonNonRetryable))
		if err != nil {
			return err
		}
		if !ok {
			failed = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET last_error_code = ?,
				error = ?,
				finished_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, ReasonNonRetryable, errMsg, execID, ExecFailed); err != nil {
			return fmt.Errorf("stamp failed execution: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(session_id, '') FROM task_executions WHERE id = ?;
		`, execID).Scan(&sessionID); err != nil {
			return fmt.Errorf("read failed session id: %w", err)
		}
		failed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if failed && s.bus != nil {
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{
			ExecutionID: execID,
			SessionID:   sessionID,
			Error:       errMsg,
		})
	}
	return failed, nil
}

// retryDelayWith computes the backoff before the given attempt using
// deterministic jitter derived from the execution ID, keeping delays
// reproducible in tests and monotonically non-decreasing across attempts.
func retryDelayWith(policy RetryPolicy, execID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= policy.MaxDelay {
			base = policy.MaxDelay
			break
		}
	}
	if base > policy.MaxDelay {
		base = policy.MaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(execID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// HandleExecutionFailure decides retry versus terminal failure for a
// running execution in one transaction. Retryable errors requeue with
// backoff until the attempt budget is spent; everything else is terminal.
// errMsg must already be a human-readable summary, not a stack trace.
func (s *Store) HandleExecutionFailure(ctx context.Context, execID, errMsg string, retryable bool) (FailureDecision, error) {
	var (
		decision  FailureDecision
		sessionID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status      ExecStatus
			attempt     int
			maxAttempts int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempt, max_attempts, COALESCE(session_id, '')
			FROM task_executions
			WHERE id = ?;
		`, execID).Scan(&status, &attempt, &maxAttempts, &sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select execution for failure handling: %w", err)
		}
		if status != ExecRunning {
			return sql.ErrNoRows
		}
		if maxAttempts <= 0 {
			maxAttempts = s.retry.MaxAttempts
		}

		nextAttempt := attempt + 1
		fingerprint := errorFingerprint(errMsg)
		decision = FailureDecision{
			Attempt:     nextAttempt,
			MaxAttempts: maxAttempts,
		}

		terminal := false
		reasonCode := ReasonRetryScheduled
		if !retryable {
			reasonCode = ReasonNonRetryable
			terminal = true
		} else if nextAttempt >= maxAttempts {
			reasonCode = ReasonRetryBudgetExhausted
			terminal = true
		}
		decision.ReasonCode = reasonCode

		if terminal {
			ok, err := s.transitionExecTx(ctx, tx, execID,
				[]ExecStatus{ExecRunning}, ExecFailed,
				"execution.failed",
				fmt.Sprintf(`{"reason_code":%q,"attempt":%d,"max_attempts":%d}`, reasonCode, nextAttempt, maxAttempts))
			if err != nil {
				return fmt.Errorf("transition to failed: %w", err)
			}
			if !ok {
				return sql.ErrNoRows
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_executions
				SET attempt = ?,
					last_error_code = ?,
					last_error_fingerprint = ?,
					error = ?,
					lease_owner = NULL,
					lease_expires_at = NULL,
					finished_at = CURRENT_TIMESTAMP,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, nextAttempt, reasonCode, fingerprint, errMsg, execID, ExecFailed); err != nil {
				return fmt.Errorf("update failed metadata: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit failure tx: %w", err)
			}
			decision.Outcome = FailureOutcomeTerminal
			return nil
		}

		delay := retryDelayWith(s.retry, execID, nextAttempt)
		availableAt := time.Now().UTC().Add(delay)
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &availableAt
		decision.Delay = delay

		ok, err := s.transitionExecTx(ctx, tx, execID,
			[]ExecStatus{ExecRunning}, ExecPending,
			"execution.retry_scheduled",
			fmt.Sprintf(`{"reason_code":%q,"attempt":%d,"max_attempts":%d,"delay_ms":%d}`, reasonCode, nextAttempt, maxAttempts, delay.Milliseconds()))
		if err != nil {
			return fmt.Errorf("transition to pending for retry: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET attempt = ?,
				available_at = ?,
				last_error_code = ?,
				last_error_fingerprint = ?,
				error = ?,
				lease_owner = NULL,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextAttempt, availableAt, reasonCode, fingerprint, errMsg, execID, ExecPending); err != nil {
			return fmt.Errorf("update retry metadata: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}
	if s.bus != nil {
		switch decision.Outcome {
		case FailureOutcomeRetried:
			s.bus.Publish(bus.TopicTaskRetrying, bus.TaskRetryingEvent{
				ExecutionID: execID,
				SessionID:   sessionID,
				Attempt:     decision.Attempt,
				DelayMillis: decision.Delay.Milliseconds(),
				Error:       errMsg,
			})
		case FailureOutcomeTerminal:
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{
				ExecutionID: execID,
				SessionID:   sessionID,
				Error:       errMsg,
				Attempts:    decision.Attempt,
			})
		}
	}
	return decision, nil
}

// CancelPendingExecution cancels an execution that has not started.
// Returns false when the execution is not pending anymore; running
// executions need RequestCancel instead.
func (s *Store) CancelPendingExecution(ctx context.Context, execID string) (bool, error) {
	var (
		canceled  bool
		sessionID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionExecTx(ctx, tx, execID,
			[]ExecStatus{ExecPending}, ExecFailed,
			"execution.canceled", fmt.Sprintf(`{"reason_code":%q}`, ReasonCanceled))
		if err != nil {
			return err
		}
		if !ok {
			canceled = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET last_error_code = ?,
				error = 'canceled before start',
				finished_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, ReasonCanceled, execID, ExecFailed); err != nil {
			return fmt.Errorf("stamp canceled execution: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(session_id, '') FROM task_executions WHERE id = ?;
		`, execID).Scan(&sessionID); err != nil {
			return fmt.Errorf("read canceled session id: %w", err)
		}
		canceled = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if canceled && s.bus != nil {
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{
			ExecutionID: execID,
			SessionID:   sessionID,
			Error:       "canceled before start",
		})
	}
	return canceled, nil
}

// AbortRunningExecution finalizes a running execution as canceled. Workers
// call this after observing the cancel flag at a safe boundary; the attempt
// budget is not consumed because nothing will retry a canceled execution.
func (s *Store) AbortRunningExecution(ctx context.Context, execID string) (bool, error) {
	var (
		aborted   bool
		sessionID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin abort tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionExecTx(ctx, tx, execID,
			[]ExecStatus{ExecRunning}, ExecFailed,
			"execution.canceled", fmt.Sprintf(`{"reason_code":%q}`, ReasonCanceled))
		if err != nil {
			return err
		}
		if !ok {
			aborted = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET last_error_code = ?,
				error = 'canceled during run',
				lease_owner = NULL,
				lease_expires_at = NULL,
				finished_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, ReasonCanceled, execID, ExecFailed); err != nil {
			return fmt.Errorf("stamp aborted execution: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(session_id, '') FROM task_executions WHERE id = ?;
		`, execID).Scan(&sessionID); err != nil {
			return fmt.Errorf("read aborted session id: %w", err)
		}
		aborted = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if aborted && s.bus != nil {
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{
			ExecutionID: execID,
			SessionID:   sessionID,
			Error:       "canceled during run",
		})
	}
	return aborted, nil
}

// RequestCancel flags a running execution for cooperative cancellation.
// The worker observes the flag at its next safe boundary.
func (s *Store) RequestCancel(ctx context.Context, execID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, execID, ExecRunning)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) IsCancelRequested(ctx context.Context, execID string) (bool, error) {
	var flagged bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM task_executions WHERE id = ?;
	`, execID).Scan(&flagged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, sql.ErrNoRows
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flagged, nil
}

// HeartbeatLease extends a worker's claim on a running execution. Returns
// false when the lease has been lost (expired and requeued, or finalized).
func (s *Store) HeartbeatLease(ctx context.Context, execID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().UTC().Add(s.lease), execID, leaseOwner, ExecRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredLeases returns crashed workers' executions to the queue.
// Crash recovery does not consume attempt budget.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue expired leases tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM task_executions
		WHERE status = ?
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, ExecRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan expired lease execution: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired leases: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionExecTx(ctx, tx, id,
			[]ExecStatus{ExecRunning}, ExecPending,
			"execution.lease_expired_requeued", fmt.Sprintf(`{"reason_code":%q}`, ReasonLeaseExpired))
		if err != nil {
			return 0, fmt.Errorf("requeue expired transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, ExecPending); err != nil {
			return 0, fmt.Errorf("clear lease after requeue: %w", err)
		}
		reclaimed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue expired leases tx: %w", err)
	}
	return reclaimed, nil
}

// QueueDepth counts executions waiting to run, due or not.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_executions WHERE status = ?;
	`, ExecPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (s *Store) ExecutionCounts(ctx context.Context) (pending, running int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM task_executions;
	`, ExecPending, ExecRunning)
	if err := row.Scan(&pending, &running); err != nil {
		return 0, 0, fmt.Errorf("execution counts: %w", err)
	}
	return pending, running, nil
}

// ListExecutionsBySession returns a session's executions, oldest first.
func (s *Store) ListExecutionsBySession(ctx context.Context, sessionID string) ([]TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM task_executions
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session executions: %w", err)
	}
	defer rows.Close()

	var out []TaskExecution
	for rows.Next() {
		var e TaskExecution
		if err := scanExecution(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution rows: %w", err)
	}
	return out, nil
}

// ListRecentExecutions returns the newest executions for status surfaces.
func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]TaskExecution, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM task_executions
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent executions: %w", err)
	}
	defer rows.Close()

	var out []TaskExecution
	for rows.Next() {
		var e TaskExecution
		if err := scanExecution(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution rows: %w", err)
	}
	return out, nil
}
