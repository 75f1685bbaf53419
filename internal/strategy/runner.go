package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/basket/sessiond/internal/hooks"
	"github.com/basket/sessiond/internal/permission"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/runtime"
	"github.com/basket/sessiond/internal/stream"
	"github.com/basket/sessiond/internal/tokenutil"
	"github.com/basket/sessiond/internal/turn"
)

// runner is the mode-independent turn executor. It owns the choreography
// between the runtime client, the gates, and the stream processor:
//
//	client event -> pipe -> persisted -> acked -> gates -> verdict
//
// The ack before gating matters: a verdict is only ever given for a tool
// use that is already durable as a pending ToolCall row.
type runner struct {
	store  *persistence.Store
	perms  *permission.Evaluator
	hooks  *hooks.Dispatcher
	logger *slog.Logger
}

func newRunner(store *persistence.Store, perms *permission.Evaluator, dispatcher *hooks.Dispatcher, logger *slog.Logger) runner {
	if logger == nil {
		logger = slog.Default()
	}
	return runner{store: store, perms: perms, hooks: dispatcher, logger: logger}
}

func (r *runner) run(ctx context.Context, t *Turn, forward chan<- turn.Event) (*stream.Summary, error) {
	turnID := uuid.NewString()

	// The processor owns closing the forward channel once it starts; on
	// failures before that point the runner closes it, so an interactive
	// caller never waits on a stream with no writer.
	procStarted := false
	defer func() {
		if !procStarted && forward != nil {
			close(forward)
		}
	}()

	// History first, then the new input as its own durable row. The
	// request carries them separately so the runtime never sees the
	// input twice.
	transcript, err := r.store.ListMessages(ctx, t.Session.ID, 0)
	if err != nil {
		return nil, &RuntimeFault{Err: fmt.Errorf("load transcript: %w", err)}
	}
	if _, err := r.store.AppendMessage(ctx, t.Session.ID, turnID, "user", t.Input, tokenutil.EstimateTokens(t.Input)); err != nil {
		return nil, &RuntimeFault{Err: fmt.Errorf("append user message: %w", err)}
	}
	appended := 1

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	events, err := t.Client.RunTurn(runCtx, runtime.TurnRequest{
		SessionID:    t.Session.ID,
		TurnID:       turnID,
		Input:        t.Input,
		Transcript:   transcript,
		Model:        t.Session.Model,
		SystemPrompt: t.Session.SystemPrompt,
		Workdir:      t.Session.WorkdirPath,
	})
	if err != nil {
		return nil, &RuntimeFault{Err: fmt.Errorf("start turn: %w", err)}
	}

	// The processor runs on the parent ctx: a client cancel (late hook
	// block) must not stop it from draining and persisting the outcome.
	pipe := make(chan turn.Event, turn.PipeCapacity)
	procExited := make(chan struct{})
	var procSum stream.Summary
	var procErr error
	procStarted = true
	go func() {
		defer close(procExited)
		procSum, procErr = t.Processor.Run(ctx, t.Session, pipe, forward)
	}()

	send := func(ev turn.Event) bool {
		select {
		case pipe <- ev:
			return true
		case <-procExited:
			return false
		case <-ctx.Done():
			return false
		}
	}
	awaitAck := func(ev turn.Event) bool {
		select {
		case <-ev.Ack:
			return true
		case <-procExited:
			return false
		case <-ctx.Done():
			return false
		}
	}

	var lateBlock *turn.Failure
	sawFailed := false
	aborted := false

	for ev := range events {
		if aborted {
			continue
		}
		switch ev.Type {
		case turn.EventToolUseRequested:
			acked := ev.WithAck()
			if !send(acked) || !awaitAck(acked) {
				// The stream is dead; unpark the client and drain.
				cancelRun()
				aborted = true
				continue
			}
			r.gate(ctx, t, turnID, acked.ToolUse, &appended)

		case turn.EventToolResult:
			acked := ev.WithAck()
			if !send(acked) || !awaitAck(acked) {
				cancelRun()
				aborted = true
				continue
			}
			if block := r.afterResult(ctx, t, turnID, acked.ToolResult, &appended); block != nil {
				lateBlock = block
				cancelRun()
				aborted = true
			}

		case turn.EventTurnFailed:
			sawFailed = true
			if !send(ev) {
				aborted = true
			}

		default:
			if !send(ev) {
				cancelRun()
				aborted = true
			}
		}
	}

	if lateBlock != nil && !sawFailed {
		send(turn.TurnFailed(t.Session.ID, turnID, *lateBlock))
	}
	close(pipe)
	<-procExited

	if procErr != nil {
		return nil, &RuntimeFault{Err: fmt.Errorf("stream processing: %w", procErr)}
	}
	sum := procSum
	sum.Messages += appended

	if sum.Failure != nil {
		if sum.Failure.Blocked() {
			return &sum, &BlockedError{
				ToolUseID: sum.Failure.BlockedToolUseID,
				Code:      sum.Failure.BlockCode,
				Reason:    sum.Failure.BlockReason,
			}
		}
		return &sum, &RuntimeFault{Err: errors.New(sum.Failure.Reason)}
	}
	if err := ctx.Err(); err != nil {
		return &sum, &RuntimeFault{Err: err}
	}
	return &sum, nil
}

// gate decides one tool use and resolves the client's verdict. Order is
// fixed: permission rules, then pre_tool_use hooks, then the running
// stamp. The first no wins and nothing after it runs.
func (r *runner) gate(ctx context.Context, t *Turn, turnID string, use *turn.ToolUse, appended *int) {
	decision := r.perms.Evaluate(ctx, permission.Request{
		SessionID:  t.Session.ID,
		ToolCallID: use.ID,
		Tool:       use.Name,
		Arguments:  use.Input,
		Group:      t.Session.ToolGroup,
	})
	if !decision.Allow {
		t.Client.Resolve(use.ID, runtime.Verdict{
			Allow:  false,
			Reason: decision.Reason,
			Code:   persistence.ToolErrPermissionDenied,
		})
		return
	}

	out := r.hooks.Fire(ctx, hooks.Event{
		Point:     hooks.PreToolUse,
		SessionID: t.Session.ID,
		TurnID:    turnID,
		Tool:      use.Name,
		ToolUseID: use.ID,
		Arguments: use.Input,
	})
	*appended += r.appendSystemMessages(ctx, t.Session.ID, turnID, out.SystemMessages)
	if !out.Continue {
		t.Client.Resolve(use.ID, runtime.Verdict{
			Allow:  false,
			Reason: out.Reason,
			Code:   persistence.ToolErrHookBlocked,
		})
		return
	}

	if err := r.store.MarkToolCallRunning(ctx, use.ID); err != nil {
		r.logger.Error("mark tool call running",
			"session_id", t.Session.ID, "tool_use_id", use.ID, "error", err)
		t.Client.Resolve(use.ID, runtime.Verdict{
			Allow:  false,
			Reason: "tool start could not be recorded",
			Code:   persistence.ToolErrExecution,
		})
		return
	}
	t.Client.Resolve(use.ID, runtime.Verdict{Allow: true})
}

// afterResult fires post_tool_use hooks once the result row is durable.
// A blocking hook cannot undo the result; it ends the turn instead, and
// the returned failure is what the turn fails with.
func (r *runner) afterResult(ctx context.Context, t *Turn, turnID string, result *turn.ToolResult, appended *int) *turn.Failure {
	ev := hooks.Event{
		Point:     hooks.PostToolUse,
		SessionID: t.Session.ID,
		TurnID:    turnID,
		ToolUseID: result.ToolUseID,
		Output:    result.Output,
		Reason:    result.Err,
	}
	if tc, err := r.store.GetToolCall(ctx, result.ToolUseID); err == nil {
		ev.Tool = tc.Name
		ev.Arguments = tc.Arguments
	}

	out := r.hooks.Fire(ctx, ev)
	*appended += r.appendSystemMessages(ctx, t.Session.ID, turnID, out.SystemMessages)
	if out.Continue {
		return nil
	}
	return &turn.Failure{
		Reason:           "tool result blocked",
		BlockedToolUseID: result.ToolUseID,
		BlockReason:      out.Reason,
		BlockCode:        persistence.ToolErrHookBlocked,
	}
}

// appendSystemMessages surfaces hook guidance into the transcript and
// returns how many rows were written. A failed append loses guidance,
// not the turn.
func (r *runner) appendSystemMessages(ctx context.Context, sessionID, turnID string, msgs []string) int {
	n := 0
	for _, msg := range msgs {
		if _, err := r.store.AppendMessage(ctx, sessionID, turnID, "system", msg, tokenutil.EstimateTokens(msg)); err != nil {
			r.logger.Warn("append hook system message", "session_id", sessionID, "error", err)
			continue
		}
		n++
	}
	return n
}
