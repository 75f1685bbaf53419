// Package cron fires recurring schedules by enqueueing task executions.
//
// The scheduler is poll-based: every tick it loads due enabled schedules
// from the store and fires each one. Firing never waits on a previous
// run; overlap suppression skips the firing entirely and records why.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Enqueuer admits executions into the queue. Satisfied by *queue.Queue;
// a saturation error leaves the schedule due so the next tick retries.
type Enqueuer interface {
	Enqueue(ctx context.Context, n persistence.NewExecution) (*persistence.TaskExecution, error)
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store    *persistence.Store
	Queue    Enqueuer
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler periodically queries the store for due schedules and enqueues
// an execution for each one.
type Scheduler struct {
	store    *persistence.Store
	queue    Enqueuer
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes all currently due schedules once. Exported so tests and
// the doctor drive the scheduler without waiting for a real tick.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("query due schedules failed", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire handles one due schedule: prime, skip, or enqueue.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("schedule has unparseable cron expression",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"cron_expr", sched.CronExpr,
			"error", err)
		return
	}

	// A schedule with no next_run_at has never been primed. Aim it at the
	// next boundary instead of firing immediately on load.
	if sched.NextRunAt == nil {
		if err := s.store.SetScheduleNextRun(ctx, sched.ID, nextRun); err != nil {
			s.logger.Error("prime schedule failed", "schedule_id", sched.ID, "error", err)
		} else {
			s.logger.Info("schedule primed", "schedule_id", sched.ID, "schedule_name", sched.Name, "next_run_at", nextRun)
		}
		return
	}

	if !sched.AllowOverlap {
		inFlight, err := s.store.RunningExecutionForSchedule(ctx, sched.ID)
		if err != nil {
			s.logger.Error("overlap check failed", "schedule_id", sched.ID, "error", err)
			return
		}
		if inFlight {
			if err := s.store.MarkScheduleRun(ctx, sched.ID, "", now, nextRun); err != nil {
				s.logger.Error("record skipped firing failed", "schedule_id", sched.ID, "error", err)
				return
			}
			if s.bus != nil {
				s.bus.Publish(bus.TopicScheduleSkipped, bus.ScheduleEvent{
					ScheduleID: sched.ID,
					Name:       sched.Name,
					Reason:     "overlap_disabled",
				})
			}
			s.logger.Info("schedule skipped, previous run still in flight",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"next_run_at", nextRun)
			return
		}
	}

	exec, err := s.queue.Enqueue(ctx, persistence.NewExecution{
		Mode:       sched.Mode,
		Spec:       sched.Spec,
		SessionID:  s.reusableSession(ctx, sched),
		ScheduleID: sched.ID,
	})
	if err != nil {
		// Leave next_run_at untouched so the next tick retries the firing.
		s.logger.Error("enqueue scheduled execution failed",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err)
		return
	}

	if err := s.store.MarkScheduleRun(ctx, sched.ID, exec.ID, now, nextRun); err != nil {
		s.logger.Error("record schedule firing failed", "schedule_id", sched.ID, "error", err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicScheduleEnqueued, bus.ScheduleEvent{
			ScheduleID:  sched.ID,
			Name:        sched.Name,
			ExecutionID: exec.ID,
		})
	}
	s.logger.Info("schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"execution_id", exec.ID,
		"next_run_at", nextRun)
}

// reusableSession returns the schedule's pinned session when the schedule
// wants reuse and the session can still accept turns. Anything else gets
// an empty ID, which makes the worker provision a fresh session.
func (s *Scheduler) reusableSession(ctx context.Context, sched persistence.Schedule) string {
	if !sched.ReuseSession || sched.SessionID == "" {
		return ""
	}
	sess, err := s.store.GetSession(ctx, sched.SessionID)
	if err != nil {
		s.logger.Warn("pinned schedule session unavailable, provisioning fresh",
			"schedule_id", sched.ID,
			"session_id", sched.SessionID,
			"error", err)
		return ""
	}
	if sess.Status != persistence.SessionActive && sess.Status != persistence.SessionPaused {
		s.logger.Warn("pinned schedule session not resumable, provisioning fresh",
			"schedule_id", sched.ID,
			"session_id", sched.SessionID,
			"status", sess.Status)
		return ""
	}
	return sched.SessionID
}

// NextRunTime parses the cron expression and returns the next run time
// strictly after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateExpr reports whether a cron expression parses. Used at schedule
// creation and by the doctor so bad expressions fail loudly up front.
func ValidateExpr(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	return err
}
