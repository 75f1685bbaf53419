package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSchedule is the input to CreateSchedule. CronExpr is validated by the
// scheduler, not here; persistence stores what it is given.
type NewSchedule struct {
	Name         string
	CronExpr     string
	Spec         string
	Mode         SessionMode
	AllowOverlap bool
	ReuseSession bool
	SessionID    string
	NextRunAt    *time.Time
}

func (s *Store) CreateSchedule(ctx context.Context, n NewSchedule) (*Schedule, error) {
	if n.Name == "" {
		return nil, errors.New("schedule name required")
	}
	if n.CronExpr == "" {
		return nil, errors.New("schedule cron expression required")
	}
	if n.Mode == "" {
		n.Mode = ModeBackground
	}
	if !ValidMode(n.Mode) {
		return nil, fmt.Errorf("invalid schedule mode %q", n.Mode)
	}
	if n.Spec == "" {
		n.Spec = "{}"
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_schedules (
				id, name, cron_expr, spec, mode, enabled, allow_overlap,
				reuse_session, session_id, next_run_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, n.Name, n.CronExpr, n.Spec, n.Mode, n.AllowOverlap, n.ReuseSession, n.SessionID, nullableTime(n.NextRunAt))
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetSchedule(ctx, id)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

const scheduleColumns = `id, name, cron_expr, spec, mode, enabled, allow_overlap, reuse_session,
	COALESCE(session_id, ''), next_run_at, last_run_at, COALESCE(last_execution_id, ''),
	created_at, updated_at`

func scanSchedule(scanFn func(dest ...any) error, sc *Schedule) error {
	var nextRun, lastRun sql.NullTime
	if err := scanFn(
		&sc.ID,
		&sc.Name,
		&sc.CronExpr,
		&sc.Spec,
		&sc.Mode,
		&sc.Enabled,
		&sc.AllowOverlap,
		&sc.ReuseSession,
		&sc.SessionID,
		&nextRun,
		&lastRun,
		&sc.LastExecutionID,
		&sc.CreatedAt,
		&sc.UpdatedAt,
	); err != nil {
		return err
	}
	if nextRun.Valid {
		t := nextRun.Time
		sc.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRunAt = &t
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM task_schedules
		WHERE id = ?;
	`, scheduleID)
	var sc Schedule
	if err := scanSchedule(row.Scan, &sc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select schedule: %w", err)
	}
	return &sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM task_schedules
		ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows.Scan, &sc); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// DueSchedules returns enabled schedules whose next run time has arrived.
// Schedules that have never been primed (next_run_at NULL) are included so
// the poller can compute their first firing.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM task_schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at ASC, id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows.Scan, &sc); err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleRun records a firing: the execution it enqueued, when it
// fired, and when it should fire next. Passing an empty execution ID
// records a skipped firing (overlap suppression) while still advancing
// the next run time so the skip is not retried.
func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID, executionID string, ranAt, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_schedules
		SET last_run_at = ?,
			next_run_at = ?,
			last_execution_id = CASE WHEN ? = '' THEN last_execution_id ELSE ? END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, ranAt.UTC(), nextRunAt.UTC(), executionID, executionID, scheduleID)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark schedule run rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// SetScheduleNextRun primes next_run_at without recording a firing, used
// when a schedule is first loaded or its cron expression changes.
func (s *Store) SetScheduleNextRun(ctx context.Context, scheduleID string, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_schedules
		SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, nextRunAt.UTC(), scheduleID)
	if err != nil {
		return fmt.Errorf("set schedule next run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set next run rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_schedules
		SET enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, enabled, scheduleID)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set enabled rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// SetScheduleSession pins the session a reuse_session schedule drives.
func (s *Store) SetScheduleSession(ctx context.Context, scheduleID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_schedules
		SET session_id = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, sessionID, scheduleID)
	if err != nil {
		return fmt.Errorf("set schedule session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set schedule session rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_schedules WHERE id = ?;`, scheduleID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete schedule rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// RunningExecutionForSchedule reports whether a schedule still has an
// execution in flight, used for overlap suppression.
func (s *Store) RunningExecutionForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM task_executions
		WHERE schedule_id = ? AND status IN (?, ?);
	`, scheduleID, ExecPending, ExecRunning).Scan(&n); err != nil {
		return false, fmt.Errorf("count in-flight schedule executions: %w", err)
	}
	return n > 0, nil
}
