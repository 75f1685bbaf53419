// Package engine is the session execution facade. It owns the session
// lifecycle state machine, turns queued task executions into runs, and
// wires the store, runtime pool, permission gate, hooks, queue, and
// scheduler into one surface the daemon and CLI call.
//
// Concurrency contract: one writer per session. Every turn, whether
// driven by a queue worker or an interactive caller, runs under that
// session's lock, so no two strategies ever operate on the same session
// at once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/cron"
	"github.com/basket/sessiond/internal/hooks"
	"github.com/basket/sessiond/internal/otel"
	"github.com/basket/sessiond/internal/permission"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/queue"
	"github.com/basket/sessiond/internal/runtime"
	"github.com/basket/sessiond/internal/strategy"
	"github.com/basket/sessiond/internal/stream"
	"github.com/basket/sessiond/internal/workdir"
)

// Deps are the collaborators an Engine is built from. Store, Runtimes,
// Workdirs, Permissions, Hooks, and Queue are required; Scheduler,
// Tracer, and Metrics may be nil.
type Deps struct {
	Store       *persistence.Store
	Bus         *bus.Bus
	Workdirs    *workdir.Manager
	Runtimes    *runtime.Manager
	Permissions *permission.Evaluator
	Hooks       *hooks.Dispatcher
	Queue       *queue.Queue
	Scheduler   *cron.Scheduler
	Tracer      trace.Tracer
	Metrics     *otel.Metrics
	Logger      *slog.Logger
	Config      config.Config
}

// Engine coordinates sessions and executions. Construct with New, call
// Start once, Shutdown on exit.
type Engine struct {
	store     *persistence.Store
	bus       *bus.Bus
	workdirs  *workdir.Manager
	runtimes  *runtime.Manager
	hooks     *hooks.Dispatcher
	queue     *queue.Queue
	scheduler *cron.Scheduler

	strategies map[persistence.SessionMode]strategy.Strategy
	processor  *stream.Processor

	tracer  trace.Tracer
	metrics *otel.Metrics
	logger  *slog.Logger
	cfg     config.Config

	locks lockTable
}

// New wires an Engine and attaches it to the queue as its processor.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("engine: store is required")
	case d.Workdirs == nil:
		return nil, fmt.Errorf("engine: workdir manager is required")
	case d.Runtimes == nil:
		return nil, fmt.Errorf("engine: runtime manager is required")
	case d.Permissions == nil:
		return nil, fmt.Errorf("engine: permission evaluator is required")
	case d.Hooks == nil:
		return nil, fmt.Errorf("engine: hook dispatcher is required")
	case d.Queue == nil:
		return nil, fmt.Errorf("engine: queue is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("sessiond")
	}

	e := &Engine{
		store:      d.Store,
		bus:        d.Bus,
		workdirs:   d.Workdirs,
		runtimes:   d.Runtimes,
		hooks:      d.Hooks,
		queue:      d.Queue,
		scheduler:  d.Scheduler,
		strategies: strategy.Map(d.Store, d.Permissions, d.Hooks, d.Logger),
		processor:  stream.NewProcessor(d.Store, d.Bus, d.Logger),
		tracer:     d.Tracer,
		metrics:    d.Metrics,
		logger:     d.Logger,
		cfg:        d.Config,
		locks:      lockTable{entries: map[string]*sessionLock{}},
	}
	e.queue.SetProcessor(e)
	return e, nil
}

// Start recovers state interrupted by the previous process, then launches
// the worker pool and, when configured, the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	e.queue.Start(ctx)
	if e.scheduler != nil {
		e.scheduler.Start(ctx)
	}
	return nil
}

// Shutdown stops intake, drains workers, and closes runtime connections.
// Executions still running after the drain window keep their leases and
// are requeued on the next start.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	drain := time.Duration(e.cfg.Queue.DrainTimeoutSeconds) * time.Second
	if drain <= 0 {
		drain = 30 * time.Second
	}
	e.queue.Drain(drain)
	e.runtimes.CloseAll(ctx)
}

// recoverInterrupted repairs sessions the previous process abandoned.
// ACTIVE sessions pause so they stay resumable; their stuck tool calls
// fail first because pause refuses sessions with running calls. Sessions
// caught mid-provisioning fail outright.
func (e *Engine) recoverInterrupted(ctx context.Context) error {
	active, err := e.store.ListSessions(ctx, persistence.SessionActive, 0)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, sess := range active {
		e.failStuckToolCalls(ctx, sess.ID)
		changed, cur, err := e.store.PauseSession(ctx, sess.ID)
		if err != nil || (!changed && cur == persistence.SessionActive) {
			if _, _, ferr := e.store.TransitionSession(ctx, sess.ID,
				[]persistence.SessionStatus{persistence.SessionActive},
				persistence.SessionFailed, "unrecoverable after restart"); ferr != nil {
				e.logger.Error("session recovery failed", "session_id", sess.ID, "error", ferr)
			}
			continue
		}
		e.logger.Info("paused interrupted session", "session_id", sess.ID)
	}

	initializing, err := e.store.ListSessions(ctx, persistence.SessionInitializing, 0)
	if err != nil {
		return fmt.Errorf("list initializing sessions: %w", err)
	}
	for _, sess := range initializing {
		ok, _, err := e.store.TransitionSession(ctx, sess.ID,
			[]persistence.SessionStatus{persistence.SessionInitializing},
			persistence.SessionFailed, "interrupted during provisioning")
		if err != nil {
			e.logger.Error("session recovery failed", "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			_ = e.store.SetSessionFailureReason(ctx, sess.ID, "interrupted during provisioning")
		}
	}
	return nil
}

// failStuckToolCalls marks tool calls left pending or running by a dead
// process as failed. Their real outcome is unknowable; recording a
// restart failure keeps the audit trail closed.
func (e *Engine) failStuckToolCalls(ctx context.Context, sessionID string) {
	calls, err := e.store.ListToolCalls(ctx, sessionID, 0)
	if err != nil {
		e.logger.Error("list tool calls for recovery", "session_id", sessionID, "error", err)
		return
	}
	for _, call := range calls {
		if call.Status != persistence.ToolCallRunning && call.Status != persistence.ToolCallPending {
			continue
		}
		if err := e.store.FailToolCall(ctx, call.ID, "execution_error", "daemon restarted during call"); err != nil {
			e.logger.Error("fail stuck tool call", "tool_use_id", call.ID, "error", err)
		}
	}
}

// Process implements queue.Processor: run one claimed execution to
// completion. Interactive work never arrives here; claims exclude it.
func (e *Engine) Process(ctx context.Context, exec persistence.TaskExecution) (queue.Result, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.process",
		attribute.String("execution.id", exec.ID),
		attribute.String("execution.mode", string(exec.Mode)))
	defer span.End()
	started := time.Now()

	spec, err := ParseTaskSpec(exec.Spec, exec.Variables)
	if err != nil {
		return queue.Result{}, err
	}
	if exec.Mode == persistence.ModeInteractive {
		return queue.Result{}, &ConfigurationError{Field: "mode", Reason: "interactive executions are served synchronously"}
	}

	sess, provisioned, release, err := e.sessionForExecution(ctx, &exec, spec)
	if err != nil {
		return queue.Result{}, err
	}
	defer release()

	client, err := e.runtimes.Acquire(ctx, sess)
	if err != nil {
		if provisioned {
			e.finishFailed(sess.ID, "runtime unavailable: "+err.Error())
		}
		return queue.Result{}, &queue.RetryableExecutionError{Err: fmt.Errorf("acquire runtime: %w", err)}
	}

	st, ok := e.strategies[sess.Mode]
	if !ok {
		return queue.Result{}, &ConfigurationError{Field: "mode", Reason: fmt.Sprintf("no strategy for mode %s", sess.Mode)}
	}
	sum, runErr := st.RunTurn(ctx, &strategy.Turn{
		Session:   sess,
		Input:     spec.Input,
		Client:    client,
		Processor: e.processor,
	})
	e.recordTaskMetrics(ctx, sess, sum, started)

	if runErr != nil {
		return queue.Result{}, e.finishRunError(sess, sum, runErr)
	}

	// The run itself decides the session's resting state: provisioned
	// sessions served one submission and complete; pinned sessions pause
	// so the next run or schedule can resume them.
	if provisioned {
		if err := e.Complete(context.Background(), sess.ID); err != nil {
			e.logger.Error("complete session after run", "session_id", sess.ID, "error", err)
		}
	} else {
		if err := e.Pause(context.Background(), sess.ID); err != nil {
			e.logger.Error("pause session after run", "session_id", sess.ID, "error", err)
		}
	}

	return queue.Result{
		Summary:   sum.FinalText,
		Messages:  sum.Messages,
		ToolCalls: sum.ToolCalls,
	}, nil
}

// sessionForExecution resolves which session serves this execution: the
// pinned one when the spec or row names it, a freshly provisioned one
// otherwise. The returned release func drops the per-session write lock.
func (e *Engine) sessionForExecution(ctx context.Context, exec *persistence.TaskExecution, spec *TaskSpec) (*persistence.Session, bool, func(), error) {
	pinned := exec.SessionID
	if pinned == "" {
		pinned = spec.SessionID
	}

	if pinned != "" {
		release := e.locks.acquire(pinned)
		sess, err := e.store.GetSession(ctx, pinned)
		if err != nil {
			release()
			return nil, false, nil, &ConfigurationError{Field: "session_id", Reason: fmt.Sprintf("session %s: %v", pinned, err)}
		}
		if sess.Mode == persistence.ModeInteractive {
			release()
			return nil, false, nil, &ConfigurationError{Field: "session_id", Reason: "interactive sessions cannot serve queued executions"}
		}
		switch sess.Status {
		case persistence.SessionActive:
			return sess, false, release, nil
		case persistence.SessionPaused:
			resumed, err := e.Resume(ctx, sess.ID, "")
			if err != nil {
				release()
				return nil, false, nil, &queue.RetryableExecutionError{Err: fmt.Errorf("resume pinned session: %w", err)}
			}
			return resumed, false, release, nil
		}
		release()
		if exec.Attempt == 0 {
			return nil, false, nil, &StateError{SessionID: sess.ID, Status: sess.Status, Reason: "pinned session is not resumable"}
		}
		// A retry whose previous attempt failed its session falls through
		// to a fresh one rather than dying on the corpse.
	}

	sess, err := e.provision(ctx, exec, spec)
	if err != nil {
		return nil, false, nil, err
	}
	release := e.locks.acquire(sess.ID)
	return sess, true, release, nil
}

// provision creates and starts a fresh session for an execution, then
// records the pairing on the execution row.
func (e *Engine) provision(ctx context.Context, exec *persistence.TaskExecution, spec *TaskSpec) (*persistence.Session, error) {
	sess, err := e.Create(ctx, CreateOptions{
		UserID:       spec.UserID,
		Mode:         exec.Mode,
		Model:        spec.Model,
		SystemPrompt: spec.SystemPrompt,
		ToolGroup:    spec.ToolGroup,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.AttachSessionToExecution(ctx, exec.ID, sess.ID); err != nil {
		e.logger.Error("attach session to execution", "execution_id", exec.ID, "error", err)
	}
	started, err := e.StartSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return started, nil
}

// finishRunError maps a turn failure onto session and execution outcomes.
// Gate blocks leave the session usable and end the execution for good;
// transport faults fail the session and let the queue retry with a fresh
// one.
func (e *Engine) finishRunError(sess *persistence.Session, sum *stream.Summary, runErr error) error {
	progress := ""
	if sum != nil {
		progress = fmt.Sprintf(" after %d messages, %d tool calls", sum.Messages, sum.ToolCalls)
	}

	var blocked *strategy.BlockedError
	if errors.As(runErr, &blocked) {
		if err := e.Pause(context.Background(), sess.ID); err != nil {
			e.logger.Warn("pause blocked session", "session_id", sess.ID, "error", err)
		}
		return fmt.Errorf("turn blocked (%s)%s: %w", blocked.Code, progress, runErr)
	}

	var fault *strategy.RuntimeFault
	if errors.As(runErr, &fault) {
		e.finishFailed(sess.ID, "runtime fault: "+fault.Error())
		return &queue.RetryableExecutionError{Err: fmt.Errorf("runtime fault%s: %w", progress, fault.Err)}
	}

	e.finishFailed(sess.ID, runErr.Error())
	return fmt.Errorf("turn failed%s: %w", progress, runErr)
}

// finishFailed fails a session outside the execution's (possibly dead)
// context.
func (e *Engine) finishFailed(sessionID, reason string) {
	if err := e.Fail(context.Background(), sessionID, reason); err != nil {
		e.logger.Error("fail session", "session_id", sessionID, "error", err)
	}
}

func (e *Engine) recordTaskMetrics(ctx context.Context, sess *persistence.Session, sum *stream.Summary, started time.Time) {
	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", string(sess.Mode)))
	e.metrics.TaskDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	if sum != nil {
		total := sum.Usage.InputTokens + sum.Usage.OutputTokens
		if total > 0 {
			e.metrics.TokensUsed.Add(ctx, int64(total), attrs)
		}
	}
}

// lockTable hands out one mutex per live session ID. Entries are
// refcounted so the table shrinks back as sessions go quiet.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// acquire blocks until this goroutine holds the session's lock and
// returns the release func. Release exactly once.
func (t *lockTable) acquire(sessionID string) func() {
	t.mu.Lock()
	entry, ok := t.entries[sessionID]
	if !ok {
		entry = &sessionLock{}
		t.entries[sessionID] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.entries, sessionID)
		}
		t.mu.Unlock()
	}
}
