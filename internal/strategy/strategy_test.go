package strategy_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/hooks"
	"github.com/basket/sessiond/internal/permission"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/runtime"
	"github.com/basket/sessiond/internal/strategy"
	"github.com/basket/sessiond/internal/stream"
	"github.com/basket/sessiond/internal/turn"
)

type fixture struct {
	store      *persistence.Store
	bus        *bus.Bus
	sim        *runtime.SimClient
	dispatcher *hooks.Dispatcher
	processor  *stream.Processor
	strategies map[persistence.SessionMode]strategy.Strategy
}

func newFixture(t *testing.T, perms config.PermissionsConfig) *fixture {
	t.Helper()
	b := bus.New()
	st, err := persistence.Open(filepath.Join(t.TempDir(), "strategy.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rs, err := permission.Compile(perms)
	if err != nil {
		t.Fatalf("compile permissions: %v", err)
	}
	evaluator := permission.NewEvaluator(permission.NewLiveRules(rs), st, nil, b, nil)
	dispatcher := hooks.NewDispatcher(st, b, nil)

	return &fixture{
		store:      st,
		bus:        b,
		sim:        runtime.NewSimClient(),
		dispatcher: dispatcher,
		processor:  stream.NewProcessor(st, b, nil),
		strategies: strategy.Map(st, evaluator, dispatcher, nil),
	}
}

func (f *fixture) createSession(t *testing.T, mode persistence.SessionMode) *persistence.Session {
	t.Helper()
	sess, err := f.store.CreateSession(context.Background(), persistence.NewSession{
		UserID: "u1",
		Mode:   mode,
		Model:  "gpt-4o",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (f *fixture) backgroundTurn(sess *persistence.Session, input string) *strategy.Turn {
	return &strategy.Turn{
		Session:   sess,
		Input:     input,
		Client:    f.sim,
		Processor: f.processor,
	}
}

func TestRunner_AllowedToolFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.PermissionsConfig{})
	sess := f.createSession(t, persistence.ModeBackground)

	f.sim.ScriptTurn("inspect", runtime.SimScript{Steps: []runtime.SimStep{
		{Tool: "bash", Args: `{"command":"ls"}`, Output: `{"stdout":"README.md"}`, Say: "one file"},
	}})

	sum, err := f.strategies[persistence.ModeBackground].RunTurn(ctx, f.backgroundTurn(sess, "inspect"))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if sum.ToolCalls != 1 {
		t.Fatalf("tool calls = %d, want 1", sum.ToolCalls)
	}
	// One user row plus one assistant row.
	if sum.Messages != 2 {
		t.Fatalf("messages = %d, want 2", sum.Messages)
	}
	if sum.FinalText != "one file" {
		t.Fatalf("final text = %q", sum.FinalText)
	}

	msgs, err := f.store.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("transcript = %+v", msgs)
	}

	calls, err := f.store.ListToolCalls(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list tool calls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != persistence.ToolCallCompleted {
		t.Fatalf("tool calls = %+v", calls)
	}
	if calls[0].Output != `{"stdout":"README.md"}` {
		t.Fatalf("tool output = %q", calls[0].Output)
	}

	decisions, err := f.store.ListPermissionDecisions(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Decision != "allow" {
		t.Fatalf("decisions = %+v", decisions)
	}
}

func TestRunner_PermissionDenyBlocksTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.PermissionsConfig{Deny: []string{"bash"}})
	sess := f.createSession(t, persistence.ModeBackground)

	f.sim.ScriptTurn("wipe", runtime.SimScript{Steps: []runtime.SimStep{
		{Tool: "bash", Args: `{"command":"rm -rf ."}`, Output: "never", Say: "never"},
	}})

	sum, err := f.strategies[persistence.ModeBackground].RunTurn(ctx, f.backgroundTurn(sess, "wipe"))
	var blocked *strategy.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want BlockedError", err)
	}
	if blocked.Code != persistence.ToolErrPermissionDenied {
		t.Fatalf("block code = %q, want permission_denied", blocked.Code)
	}
	if sum == nil || sum.Failure == nil || !sum.Failure.Blocked() {
		t.Fatalf("summary = %+v, want blocked failure", sum)
	}

	calls, err := f.store.ListToolCalls(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list tool calls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != persistence.ToolCallFailed {
		t.Fatalf("tool calls = %+v", calls)
	}
	if calls[0].ErrorCode != persistence.ToolErrPermissionDenied {
		t.Fatalf("error code = %q", calls[0].ErrorCode)
	}
	if calls[0].Output != "" {
		t.Fatalf("denied tool must never produce output, got %q", calls[0].Output)
	}

	// Only the user message landed; the scripted say never ran.
	msgs, _ := f.store.ListMessages(ctx, sess.ID, 0)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("transcript = %+v", msgs)
	}

	decisions, _ := f.store.ListPermissionDecisions(ctx, sess.ID, 0)
	if len(decisions) != 1 || decisions[0].Decision != "deny" {
		t.Fatalf("decisions = %+v", decisions)
	}
}

func TestRunner_PreHookBlockFailsToolBeforeStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.PermissionsConfig{})
	sess := f.createSession(t, persistence.ModeBackground)

	if err := f.dispatcher.Register(hooks.PreToolUse, hooks.Func{
		HookName: "guard",
		Fn: func(ctx context.Context, ev hooks.Event) (hooks.Result, error) {
			return hooks.Result{Continue: false, Reason: "workdir is locked"}, nil
		},
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	f.sim.ScriptTurn("edit", runtime.SimScript{Steps: []runtime.SimStep{
		{Tool: "write_file", Args: `{"path":"a.txt"}`, Output: "never"},
	}})

	_, err := f.strategies[persistence.ModeBackground].RunTurn(ctx, f.backgroundTurn(sess, "edit"))
	var blocked *strategy.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want BlockedError", err)
	}
	if blocked.Code != persistence.ToolErrHookBlocked {
		t.Fatalf("block code = %q, want hook_blocked", blocked.Code)
	}
	if blocked.Reason != "workdir is locked" {
		t.Fatalf("reason = %q", blocked.Reason)
	}

	calls, _ := f.store.ListToolCalls(ctx, sess.ID, 0)
	if len(calls) != 1 || calls[0].Status != persistence.ToolCallFailed {
		t.Fatalf("tool calls = %+v", calls)
	}
	if calls[0].ErrorCode != persistence.ToolErrHookBlocked {
		t.Fatalf("error code = %q", calls[0].ErrorCode)
	}

	recs, _ := f.store.ListHookExecutions(ctx, sess.ID, 0)
	if len(recs) != 1 || recs[0].Continue {
		t.Fatalf("hook executions = %+v", recs)
	}
}

func TestRunner_PostHookBlockEndsTurnAfterResultPersists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.PermissionsConfig{})
	sess := f.createSession(t, persistence.ModeBackground)

	if err := f.dispatcher.Register(hooks.PostToolUse, hooks.Func{
		HookName: "auditor",
		Fn: func(ctx context.Context, ev hooks.Event) (hooks.Result, error) {
			return hooks.Result{Continue: false, Reason: "output contains a secret"}, nil
		},
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	f.sim.ScriptTurn("leak", runtime.SimScript{Steps: []runtime.SimStep{
		{Tool: "bash", Args: `{"command":"env"}`, Output: "TOKEN=abc", Say: "here you go"},
	}})

	sum, err := f.strategies[persistence.ModeBackground].RunTurn(ctx, f.backgroundTurn(sess, "leak"))
	var blocked *strategy.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want BlockedError", err)
	}
	if blocked.Code != persistence.ToolErrHookBlocked {
		t.Fatalf("block code = %q", blocked.Code)
	}

	// The result stays persisted; the block ends the turn, it does not
	// rewrite history.
	calls, _ := f.store.ListToolCalls(ctx, sess.ID, 0)
	if len(calls) != 1 || calls[0].Status != persistence.ToolCallCompleted {
		t.Fatalf("tool calls = %+v", calls)
	}
	if calls[0].Output != "TOKEN=abc" {
		t.Fatalf("tool output = %q", calls[0].Output)
	}

	// The trailing scripted say never entered the transcript.
	if sum.FinalText != "" {
		t.Fatalf("final text = %q, want empty", sum.FinalText)
	}
	msgs, _ := f.store.ListMessages(ctx, sess.ID, 0)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("transcript = %+v", msgs)
	}
}

func TestRunner_RuntimeFaultSurfaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.PermissionsConfig{})
	sess := f.createSession(t, persistence.ModeBackground)

	f.sim.ScriptTurn("flaky", runtime.SimScript{
		Steps:     []runtime.SimStep{{Say: "ok"}},
		FailTimes: 1,
	})

	sum, err := f.strategies[persistence.ModeBackground].RunTurn(ctx, f.backgroundTurn(sess, "flaky"))
	var fault *strategy.RuntimeFault
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want RuntimeFault", err)
	}
	if sum == nil || sum.Failure == nil || sum.Failure.Blocked() {
		t.Fatalf("summary = %+v, want non-blocked failure", sum)
	}

	// The same input succeeds on the next attempt, which is what makes
	// this error class retryable.
	if _, err := f.strategies[persistence.ModeBackground].RunTurn(ctx, f.backgroundTurn(sess, "flaky")); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestRunner_HookSystemMessagesEnterTranscript(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.PermissionsConfig{})
	sess := f.createSession(t, persistence.ModeBackground)

	if err := f.dispatcher.Register(hooks.PreToolUse, hooks.Func{
		HookName: "reminder",
		Fn: func(ctx context.Context, ev hooks.Event) (hooks.Result, error) {
			return hooks.Result{Continue: true, SystemMessage: "stay inside the workdir"}, nil
		},
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	f.sim.ScriptTurn("build", runtime.SimScript{Steps: []runtime.SimStep{
		{Tool: "bash", Args: `{"command":"make"}`, Output: "ok", Say: "built"},
	}})

	sum, err := f.strategies[persistence.ModeBackground].RunTurn(ctx, f.backgroundTurn(sess, "build"))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	// user + system + assistant.
	if sum.Messages != 3 {
		t.Fatalf("messages = %d, want 3", sum.Messages)
	}

	msgs, _ := f.store.ListMessages(ctx, sess.ID, 0)
	var system []string
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
		}
	}
	if len(system) != 1 || system[0] != "stay inside the workdir" {
		t.Fatalf("system messages = %+v", system)
	}
}

func TestInteractive_ForwardsEventsToCaller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.PermissionsConfig{})
	sess := f.createSession(t, persistence.ModeInteractive)

	forward := make(chan turn.Event)
	done := make(chan error, 1)
	go func() {
		_, err := f.strategies[persistence.ModeInteractive].RunTurn(ctx, &strategy.Turn{
			Session:   sess,
			Input:     "hello",
			Client:    f.sim,
			Processor: f.processor,
			Forward:   forward,
		})
		done <- err
	}()

	var got []turn.Event
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev, ok := <-forward:
			if !ok {
				break collect
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("forward channel never closed")
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(got))
	}
	if got[0].Type != turn.EventAssistantText || got[0].Text != "done: hello" {
		t.Fatalf("first forwarded event = %+v", got[0])
	}
	if got[1].Type != turn.EventTurnComplete {
		t.Fatalf("second forwarded event = %+v", got[1])
	}
}

func TestMap_CoversEveryMode(t *testing.T) {
	f := newFixture(t, config.PermissionsConfig{})
	for _, mode := range []persistence.SessionMode{
		persistence.ModeInteractive,
		persistence.ModeBackground,
		persistence.ModeForked,
	} {
		s, ok := f.strategies[mode]
		if !ok {
			t.Fatalf("no strategy for mode %s", mode)
		}
		if s.Mode() != mode {
			t.Fatalf("strategy for %s reports mode %s", mode, s.Mode())
		}
	}
}
