package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/sessiond/internal/otel"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/queue"
	"github.com/basket/sessiond/internal/strategy"
	"github.com/basket/sessiond/internal/turn"
)

// SubmitRequest is one task submission. Spec and Variables are JSON
// documents; see TaskSpec for the spec shape.
type SubmitRequest struct {
	Mode        persistence.SessionMode
	Spec        string
	Variables   string
	ScheduleID  string
	MaxAttempts int
}

// Submit accepts a task and returns its execution handle without waiting
// for any turn to run. Background work goes to the worker pool and the
// handle is trackable through Status immediately; interactive submissions
// provision their session before returning so the caller can query it.
// No turn ever runs on the submitting goroutine.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*persistence.TaskExecution, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.submit",
		attribute.String("mode", string(req.Mode)))
	defer span.End()

	if req.Mode == "" {
		req.Mode = persistence.ModeBackground
	}
	if req.Mode == persistence.ModeForked {
		return nil, &ConfigurationError{Field: "mode", Reason: "forked sessions are created by fork, not submit"}
	}
	spec, err := ParseTaskSpec(req.Spec, req.Variables)
	if err != nil {
		return nil, err
	}

	exec, err := e.queue.Enqueue(ctx, persistence.NewExecution{
		Mode:        req.Mode,
		Spec:        req.Spec,
		Variables:   req.Variables,
		SessionID:   spec.SessionID,
		ScheduleID:  req.ScheduleID,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	if req.Mode == persistence.ModeInteractive {
		return e.startInteractive(ctx, exec, spec)
	}
	return exec, nil
}

// startInteractive serves an interactive submission in place: resolve or
// provision the session, then finalize the execution row. Workers never
// see these rows; claims exclude the interactive mode.
func (e *Engine) startInteractive(ctx context.Context, exec *persistence.TaskExecution, spec *TaskSpec) (*persistence.TaskExecution, error) {
	sess, err := e.interactiveSession(ctx, exec, spec)
	if err != nil {
		if _, ferr := e.store.FailPendingExecution(ctx, exec.ID, err.Error()); ferr != nil {
			e.logger.Error("fail interactive execution", "execution_id", exec.ID, "error", ferr)
		}
		return nil, err
	}
	summary := fmt.Sprintf("interactive session %s ready", sess.ID)
	if err := e.store.CompleteSyncExecution(ctx, exec.ID, summary); err != nil {
		return nil, fmt.Errorf("finalize interactive execution: %w", err)
	}
	return e.store.GetExecution(ctx, exec.ID)
}

func (e *Engine) interactiveSession(ctx context.Context, exec *persistence.TaskExecution, spec *TaskSpec) (*persistence.Session, error) {
	if spec.SessionID == "" {
		return e.provision(ctx, exec, spec)
	}
	sess, err := e.store.GetSession(ctx, spec.SessionID)
	if err != nil {
		return nil, &ConfigurationError{Field: "session_id", Reason: fmt.Sprintf("session %s: %v", spec.SessionID, err)}
	}
	switch sess.Status {
	case persistence.SessionActive:
	case persistence.SessionPaused:
		if sess, err = e.Resume(ctx, sess.ID, ""); err != nil {
			return nil, err
		}
	default:
		return nil, &StateError{SessionID: sess.ID, Status: sess.Status, Reason: "pinned session is not resumable"}
	}
	if err := e.store.AttachSessionToExecution(ctx, exec.ID, sess.ID); err != nil {
		e.logger.Error("attach session to execution", "execution_id", exec.ID, "error", err)
	}
	return sess, nil
}

// Status returns the current view of an execution.
func (e *Engine) Status(ctx context.Context, execID string) (*persistence.TaskExecution, error) {
	return e.store.GetExecution(ctx, execID)
}

// Cancel stops an execution as early as its state allows; see
// queue.Queue.Cancel for the outcome taxonomy.
func (e *Engine) Cancel(ctx context.Context, execID string) (queue.CancelOutcome, error) {
	return e.queue.Cancel(ctx, execID)
}

// Query runs one turn against an ACTIVE interactive session and streams
// its events. The returned channel carries every event in persisted
// order and closes when the turn ends; the caller must drain it. The
// turn runs on the caller's concurrency context, never on a queue
// worker, and is bounded by the runtime connection cap.
func (e *Engine) Query(ctx context.Context, sessionID, message string) (<-chan turn.Event, error) {
	if message == "" {
		return nil, &ConfigurationError{Field: "message", Reason: "required"}
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Mode != persistence.ModeInteractive {
		return nil, &StateError{SessionID: sessionID, Status: sess.Status, Reason: fmt.Sprintf("query targets interactive sessions, this one is %s", sess.Mode)}
	}
	if sess.Status != persistence.SessionActive {
		return nil, &InvalidTransitionError{SessionID: sessionID, Status: sess.Status, Op: "query"}
	}
	client, err := e.runtimes.Acquire(ctx, sess)
	if err != nil {
		return nil, &RuntimeFault{Err: fmt.Errorf("acquire runtime: %w", err)}
	}

	forward := make(chan turn.Event, turn.PipeCapacity)
	go func() {
		release := e.locks.acquire(sessionID)
		defer release()

		st := e.strategies[persistence.ModeInteractive]
		_, runErr := st.RunTurn(ctx, &strategy.Turn{
			Session:   sess,
			Input:     message,
			Client:    client,
			Processor: e.processor,
			Forward:   forward,
		})
		if runErr == nil {
			return
		}
		var fault *strategy.RuntimeFault
		if errors.As(runErr, &fault) {
			e.finishFailed(sessionID, "runtime fault: "+fault.Error())
			return
		}
		// Gate blocks already reached the caller as a turn_failed event;
		// the session stays usable.
		e.logger.Info("interactive turn ended with error",
			"session_id", sessionID, "error", runErr)
	}()
	return forward, nil
}

// ForkOptions control what a fork inherits beyond configuration and
// transcript.
type ForkOptions struct {
	// IncludeFiles copies the source working directory's contents into
	// the fork's. When false the fork starts with an empty directory.
	IncludeFiles bool
}

// Fork snapshots an ACTIVE or PAUSED session into a new FORKED session:
// cloned working directory, copied transcript, inherited model and tool
// configuration, parent lineage recorded. The fork lands in PAUSED and
// runs only when something resumes or pins it; the source is untouched.
func (e *Engine) Fork(ctx context.Context, sessionID string, opts ForkOptions) (*persistence.Session, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.fork",
		attribute.String("session.id", sessionID))
	defer span.End()

	src, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if src.Status != persistence.SessionActive && src.Status != persistence.SessionPaused {
		return nil, &StateError{SessionID: sessionID, Status: src.Status, Reason: "only live sessions fork"}
	}

	// Hold the source's writer lock so the copied transcript is a
	// consistent snapshot, not a torn view of a turn in flight.
	release := e.locks.acquire(sessionID)
	defer release()

	forkID := uuid.NewString()
	var forkPath string
	if src.WorkdirPath != "" {
		forkPath, err = e.workdirs.Clone(src.WorkdirPath, forkID, opts.IncludeFiles)
	} else {
		forkPath, err = e.workdirs.Allocate(forkID)
	}
	if err != nil {
		return nil, fmt.Errorf("clone workdir: %w", err)
	}

	fork, err := e.store.CreateSession(ctx, persistence.NewSession{
		ID:              forkID,
		UserID:          src.UserID,
		Mode:            persistence.ModeForked,
		ParentSessionID: src.ID,
		WorkdirPath:     forkPath,
		Model:           src.Model,
		SystemPrompt:    src.SystemPrompt,
		ToolGroup:       src.ToolGroup,
	})
	if err != nil {
		e.discardFork(forkPath, "")
		return nil, fmt.Errorf("create fork: %w", err)
	}
	if _, err := e.store.CopyTranscript(ctx, src.ID, fork.ID); err != nil {
		e.discardFork(forkPath, fork.ID)
		return nil, fmt.Errorf("copy transcript: %w", err)
	}

	// ARCHIVED aside, PAUSED is only reachable through ACTIVE, so the
	// fork passes through it. No runtime is acquired along the way.
	for _, step := range []struct {
		from persistence.SessionStatus
		to   persistence.SessionStatus
	}{
		{persistence.SessionInitializing, persistence.SessionActive},
		{persistence.SessionActive, persistence.SessionPaused},
	} {
		ok, cur, err := e.store.TransitionSession(ctx, fork.ID,
			[]persistence.SessionStatus{step.from}, step.to, "fork")
		if err != nil {
			e.discardFork(forkPath, fork.ID)
			return nil, fmt.Errorf("settle fork state: %w", err)
		}
		if !ok {
			e.discardFork(forkPath, fork.ID)
			return nil, &InvalidTransitionError{SessionID: fork.ID, Status: cur, Op: "fork"}
		}
	}
	return e.store.GetSession(ctx, fork.ID)
}

// discardFork tears down a half-built fork: the cloned directory always,
// the session row when it was created.
func (e *Engine) discardFork(path, forkID string) {
	if path != "" {
		if err := e.workdirs.Release(path); err != nil {
			e.logger.Warn("release fork workdir", "path", path, "error", err)
		}
	}
	if forkID == "" {
		return
	}
	ctx := context.Background()
	if _, _, err := e.store.TransitionSession(ctx, forkID,
		[]persistence.SessionStatus{persistence.SessionInitializing},
		persistence.SessionFailed, "fork aborted"); err != nil {
		e.logger.Error("fail aborted fork", "session_id", forkID, "error", err)
	}
	_ = e.store.SetSessionFailureReason(ctx, forkID, "fork aborted")
}
