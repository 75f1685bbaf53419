package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/sessiond/internal/hooks"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/tokenutil"
)

// CreateOptions configure a new session. Zero-value fields fall back to
// the runtime defaults from config.
type CreateOptions struct {
	UserID       string
	Mode         persistence.SessionMode
	Model        string
	SystemPrompt string
	ToolGroup    string
}

// Create allocates a working directory and persists the session in
// INITIALIZING. No runtime resources are held yet; StartSession does
// that.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (*persistence.Session, error) {
	if opts.Mode == "" {
		opts.Mode = persistence.ModeInteractive
	}
	if opts.Mode == persistence.ModeForked {
		return nil, &ConfigurationError{Field: "mode", Reason: "forked sessions are created by fork"}
	}
	if !persistence.ValidMode(opts.Mode) {
		return nil, &ConfigurationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", opts.Mode)}
	}
	if opts.Model == "" {
		opts.Model = e.cfg.Runtime.Model
	}

	id := uuid.NewString()
	path, err := e.workdirs.Allocate(id)
	if err != nil {
		return nil, fmt.Errorf("allocate workdir: %w", err)
	}
	sess, err := e.store.CreateSession(ctx, persistence.NewSession{
		ID:           id,
		UserID:       opts.UserID,
		Mode:         opts.Mode,
		WorkdirPath:  path,
		Model:        opts.Model,
		SystemPrompt: opts.SystemPrompt,
		ToolGroup:    opts.ToolGroup,
	})
	if err != nil {
		if rerr := e.workdirs.Release(path); rerr != nil {
			e.logger.Warn("release workdir after create failure", "path", path, "error", rerr)
		}
		return nil, err
	}
	return sess, nil
}

// StartSession activates an INITIALIZING session: session_start hooks
// first, then the runtime connection, then the status flip. A hook block
// fails the session before any runtime resources are spent; a runtime
// failure leaves it INITIALIZING so start can be retried.
func (e *Engine) StartSession(ctx context.Context, sessionID string) (*persistence.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != persistence.SessionInitializing {
		return nil, &InvalidTransitionError{SessionID: sessionID, Status: sess.Status, Op: "start"}
	}

	outcome := e.hooks.Fire(ctx, hooks.Event{Point: hooks.SessionStart, SessionID: sessionID})
	for _, msg := range outcome.SystemMessages {
		if _, err := e.store.AppendMessage(ctx, sessionID, "", "system", msg, tokenutil.EstimateTokens(msg)); err != nil {
			e.logger.Warn("append hook system message", "session_id", sessionID, "error", err)
		}
	}
	if !outcome.Continue {
		reason := fmt.Sprintf("session_start hook %s blocked: %s", outcome.BlockedBy, outcome.Reason)
		if _, _, err := e.store.TransitionSession(ctx, sessionID,
			[]persistence.SessionStatus{persistence.SessionInitializing},
			persistence.SessionFailed, reason); err != nil {
			e.logger.Error("fail hook-blocked session", "session_id", sessionID, "error", err)
		}
		_ = e.store.SetSessionFailureReason(ctx, sessionID, reason)
		return nil, &BlockedError{Code: "hook_blocked", Reason: outcome.Reason}
	}

	if _, err := e.runtimes.Acquire(ctx, sess); err != nil {
		return nil, &RuntimeFault{Err: fmt.Errorf("provision runtime: %w", err)}
	}
	ok, cur, err := e.store.TransitionSession(ctx, sessionID,
		[]persistence.SessionStatus{persistence.SessionInitializing},
		persistence.SessionActive, "started")
	if err != nil {
		e.runtimes.Release(ctx, sessionID)
		return nil, err
	}
	if !ok {
		e.runtimes.Release(ctx, sessionID)
		return nil, &InvalidTransitionError{SessionID: sessionID, Status: cur, Op: "start"}
	}
	return e.store.GetSession(ctx, sessionID)
}

// Pause moves an ACTIVE session to PAUSED and frees its runtime slot.
// Refused while a tool call is running; the strategy must reach a safe
// boundary first. Pausing an already paused session is a no-op.
func (e *Engine) Pause(ctx context.Context, sessionID string) error {
	changed, cur, err := e.store.PauseSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("pause session %s: %w", sessionID, err)
	}
	if !changed {
		if cur == persistence.SessionPaused {
			return nil
		}
		return &InvalidTransitionError{SessionID: sessionID, Status: cur, Op: "pause"}
	}
	e.runtimes.Release(ctx, sessionID)
	return nil
}

// Resume reactivates a PAUSED session and reacquires its runtime. The
// optional message enters the transcript as a user row ahead of the next
// turn.
func (e *Engine) Resume(ctx context.Context, sessionID, message string) (*persistence.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != persistence.SessionPaused {
		return nil, &InvalidTransitionError{SessionID: sessionID, Status: sess.Status, Op: "resume"}
	}
	if _, err := e.runtimes.Acquire(ctx, sess); err != nil {
		return nil, &RuntimeFault{Err: fmt.Errorf("provision runtime: %w", err)}
	}
	ok, cur, err := e.store.TransitionSession(ctx, sessionID,
		[]persistence.SessionStatus{persistence.SessionPaused},
		persistence.SessionActive, "resumed")
	if err != nil {
		e.runtimes.Release(ctx, sessionID)
		return nil, err
	}
	if !ok {
		e.runtimes.Release(ctx, sessionID)
		return nil, &InvalidTransitionError{SessionID: sessionID, Status: cur, Op: "resume"}
	}
	if message != "" {
		if _, err := e.store.AppendMessage(ctx, sessionID, "", "user", message, tokenutil.EstimateTokens(message)); err != nil {
			e.logger.Warn("append resume message", "session_id", sessionID, "error", err)
		}
	}
	return e.store.GetSession(ctx, sessionID)
}

// Complete ends a session's useful life from ACTIVE or PAUSED. Calling it
// on a session already in a terminal state is a no-op.
func (e *Engine) Complete(ctx context.Context, sessionID string) error {
	ok, cur, err := e.store.TransitionSession(ctx, sessionID,
		[]persistence.SessionStatus{persistence.SessionActive, persistence.SessionPaused},
		persistence.SessionCompleted, "completed")
	if err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	if !ok {
		if cur.IsTerminal() {
			return nil
		}
		return &InvalidTransitionError{SessionID: sessionID, Status: cur, Op: "complete"}
	}
	e.fireStop(ctx, sessionID, "completed")
	e.runtimes.Release(ctx, sessionID)
	return nil
}

// Fail marks a session FAILED with a human-readable reason. The working
// directory is preserved for inspection until archive. Idempotent on
// sessions already in a terminal state.
func (e *Engine) Fail(ctx context.Context, sessionID, reason string) error {
	ok, cur, err := e.store.TransitionSession(ctx, sessionID,
		[]persistence.SessionStatus{
			persistence.SessionInitializing,
			persistence.SessionActive,
			persistence.SessionPaused,
		},
		persistence.SessionFailed, reason)
	if err != nil {
		return fmt.Errorf("fail session %s: %w", sessionID, err)
	}
	if !ok {
		if cur.IsTerminal() {
			return nil
		}
		return &InvalidTransitionError{SessionID: sessionID, Status: cur, Op: "fail"}
	}
	if err := e.store.SetSessionFailureReason(ctx, sessionID, reason); err != nil {
		e.logger.Error("record failure reason", "session_id", sessionID, "error", err)
	}
	e.fireStop(ctx, sessionID, reason)
	e.runtimes.Release(ctx, sessionID)
	return nil
}

// ArchiveSession exports a terminal session's working directory and
// releases it. Export is best effort: a failed tarball is logged and the
// session still archives, because retention must not be hostage to a full
// disk. Archiving an ARCHIVED session returns it unchanged.
func (e *Engine) ArchiveSession(ctx context.Context, sessionID string) (*persistence.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Status == persistence.SessionArchived {
		return sess, nil
	}
	if sess.Status != persistence.SessionCompleted && sess.Status != persistence.SessionFailed {
		return nil, &StateError{SessionID: sessionID, Status: sess.Status, Reason: "only terminal sessions archive"}
	}

	if sess.WorkdirPath != "" {
		if archivePath, aerr := e.workdirs.Archive(sess.WorkdirPath); aerr != nil {
			e.logger.Warn("archive export failed", "session_id", sessionID, "error", aerr)
		} else if err := e.store.SetSessionArchivePath(ctx, sessionID, archivePath); err != nil {
			return nil, fmt.Errorf("record archive path: %w", err)
		}
		if rerr := e.workdirs.Release(sess.WorkdirPath); rerr != nil {
			e.logger.Warn("release workdir", "session_id", sessionID, "error", rerr)
		}
	}

	ok, cur, err := e.store.TransitionSession(ctx, sessionID,
		[]persistence.SessionStatus{persistence.SessionCompleted, persistence.SessionFailed},
		persistence.SessionArchived, "archived")
	if err != nil {
		return nil, fmt.Errorf("archive session %s: %w", sessionID, err)
	}
	if !ok && cur != persistence.SessionArchived {
		return nil, &InvalidTransitionError{SessionID: sessionID, Status: cur, Op: "archive"}
	}
	return e.store.GetSession(ctx, sessionID)
}

// fireStop runs session_stop hooks. Stop is not blockable; a hook that
// says stop is only recorded.
func (e *Engine) fireStop(ctx context.Context, sessionID, reason string) {
	outcome := e.hooks.Fire(ctx, hooks.Event{
		Point:     hooks.SessionStop,
		SessionID: sessionID,
		Reason:    reason,
	})
	if !outcome.Continue {
		e.logger.Warn("session_stop hook blocked, ignoring",
			"session_id", sessionID, "hook", outcome.BlockedBy)
	}
}
