package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/engine"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/runtime"
	"github.com/basket/sessiond/internal/turn"
)

// interactiveSession provisions a fresh interactive session through the
// submit path and returns it ACTIVE.
func (f *engineFixture) interactiveSession(t *testing.T) *persistence.Session {
	t.Helper()
	exec, err := f.engine.Submit(context.Background(), engine.SubmitRequest{
		Mode: persistence.ModeInteractive,
		Spec: `{"input":"hello","user_id":"u1"}`,
	})
	if err != nil {
		t.Fatalf("interactive submit: %v", err)
	}
	sess, err := f.store.GetSession(context.Background(), exec.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess
}

func collectEvents(t *testing.T, events <-chan turn.Event) []turn.Event {
	t.Helper()
	var got []turn.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("event stream never closed; got %d events", len(got))
		}
	}
}

func TestQuery_StreamsEventsInPersistedOrder(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)

	f.sim.ScriptTurn("inspect", runtime.SimScript{Steps: []runtime.SimStep{
		{Tool: "bash", Args: `{"cmd":"ls"}`, Output: "a.txt"},
		{Say: "one file"},
	}})

	events, err := f.engine.Query(context.Background(), sess.ID, "inspect")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	got := collectEvents(t, events)

	want := []turn.EventType{
		turn.EventToolUseRequested,
		turn.EventToolResult,
		turn.EventAssistantText,
		turn.EventTurnComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}

	msgs, err := f.store.ListMessages(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("transcript = %+v, want user then assistant", msgs)
	}

	// The session survives the turn and can serve the next one.
	after, err := f.store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.Status != persistence.SessionActive {
		t.Fatalf("session status = %s after turn, want ACTIVE", after.Status)
	}
}

func TestQuery_RefusedForNonInteractiveAndInactive(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	ctx := context.Background()

	bg, err := f.engine.Create(ctx, engine.CreateOptions{Mode: persistence.ModeBackground})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.StartSession(ctx, bg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	var stateErr *engine.StateError
	if _, err := f.engine.Query(ctx, bg.ID, "hi"); !errors.As(err, &stateErr) {
		t.Fatalf("query background session: err = %v, want StateError", err)
	}

	sess := f.interactiveSession(t)
	if err := f.engine.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	var transErr *engine.InvalidTransitionError
	if _, err := f.engine.Query(ctx, sess.ID, "hi"); !errors.As(err, &transErr) {
		t.Fatalf("query paused session: err = %v, want InvalidTransitionError", err)
	}

	if _, err := f.engine.Resume(ctx, sess.ID, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	events, err := f.engine.Query(ctx, sess.ID, "after resume")
	if err != nil {
		t.Fatalf("query after resume: %v", err)
	}
	collectEvents(t, events)
}

func TestQuery_RuntimeFaultFailsSession(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)

	f.sim.ScriptTurn("crash", runtime.SimScript{FailTimes: 1})

	events, err := f.engine.Query(context.Background(), sess.ID, "crash")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	got := collectEvents(t, events)
	if len(got) == 0 || got[len(got)-1].Type != turn.EventTurnFailed {
		t.Fatalf("events = %+v, want a trailing turn_failed", got)
	}

	waitFor(t, 2*time.Second, "session to fail", func() bool {
		after, err := f.store.GetSession(context.Background(), sess.ID)
		return err == nil && after.Status == persistence.SessionFailed
	})
	after, err := f.store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.WorkdirPath == "" {
		t.Fatalf("workdir released on failure; must be preserved for inspection")
	}
	if _, statErr := os.Stat(after.WorkdirPath); statErr != nil {
		t.Fatalf("workdir missing after failure: %v", statErr)
	}
}

func TestPause_RefusedWhileToolCallRuns(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)
	ctx := context.Background()

	f.sim.ScriptTurn("slow tool", runtime.SimScript{
		Steps: []runtime.SimStep{{Tool: "bash", Args: `{"cmd":"sleep"}`, Output: "ok"}},
		Delay: 250 * time.Millisecond,
	})

	events, err := f.engine.Query(ctx, sess.ID, "slow tool")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	waitFor(t, 2*time.Second, "tool call to start running", func() bool {
		n, err := f.store.RunningToolCallCount(ctx, sess.ID)
		return err == nil && n == 1
	})
	err = f.engine.Pause(ctx, sess.ID)
	if !errors.Is(err, persistence.ErrToolCallRunning) {
		t.Fatalf("pause mid-call: err = %v, want ErrToolCallRunning", err)
	}

	collectEvents(t, events)
	if err := f.engine.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("pause after turn: %v", err)
	}
	if got := f.runtimes.ActiveConnections(); got != 0 {
		t.Fatalf("active connections = %d after pause, want 0", got)
	}
}

func TestResume_MessageEntersTranscript(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)
	ctx := context.Background()

	if err := f.engine.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	resumed, err := f.engine.Resume(ctx, sess.ID, "picking this back up")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != persistence.SessionActive {
		t.Fatalf("status = %s, want ACTIVE", resumed.Status)
	}

	msgs, err := f.store.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "picking this back up" || msgs[0].Role != "user" {
		t.Fatalf("transcript = %+v, want the resume message", msgs)
	}

	// Resuming an ACTIVE session is a caller bug, not a silent no-op.
	var transErr *engine.InvalidTransitionError
	if _, err := f.engine.Resume(ctx, sess.ID, ""); !errors.As(err, &transErr) {
		t.Fatalf("resume active: err = %v, want InvalidTransitionError", err)
	}
}

func TestFork_IsolatesTranscriptAndFiles(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)
	ctx := context.Background()

	events, err := f.engine.Query(ctx, sess.ID, "seed the transcript")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	collectEvents(t, events)
	if err := os.WriteFile(filepath.Join(sess.WorkdirPath, "notes.txt"), []byte("shared"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	fork, err := f.engine.Fork(ctx, sess.ID, engine.ForkOptions{IncludeFiles: true})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if fork.Mode != persistence.ModeForked {
		t.Fatalf("fork mode = %s", fork.Mode)
	}
	if fork.Status != persistence.SessionPaused {
		t.Fatalf("fork status = %s, want PAUSED", fork.Status)
	}
	if fork.ParentSessionID != sess.ID {
		t.Fatalf("fork parent = %q, want %s", fork.ParentSessionID, sess.ID)
	}
	if fork.WorkdirPath == sess.WorkdirPath {
		t.Fatalf("fork shares the source working directory")
	}

	srcMsgs, _ := f.store.ListMessages(ctx, sess.ID, 0)
	forkMsgs, err := f.store.ListMessages(ctx, fork.ID, 0)
	if err != nil {
		t.Fatalf("list fork messages: %v", err)
	}
	if len(forkMsgs) != len(srcMsgs) {
		t.Fatalf("fork transcript = %d rows, source %d", len(forkMsgs), len(srcMsgs))
	}

	if _, err := os.Stat(filepath.Join(fork.WorkdirPath, "notes.txt")); err != nil {
		t.Fatalf("cloned file missing in fork: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fork.WorkdirPath, "fork-only.txt"), []byte("mine"), 0o644); err != nil {
		t.Fatalf("write fork file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sess.WorkdirPath, "fork-only.txt")); !os.IsNotExist(err) {
		t.Fatalf("fork write leaked into the source directory")
	}

	// Forking twice yields two independent directories.
	fork2, err := f.engine.Fork(ctx, sess.ID, engine.ForkOptions{IncludeFiles: true})
	if err != nil {
		t.Fatalf("second fork: %v", err)
	}
	if fork2.WorkdirPath == fork.WorkdirPath {
		t.Fatalf("two forks share a working directory")
	}
}

func TestFork_EmptyWithoutFilesAndRefusedWhenTerminal(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(sess.WorkdirPath, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	fork, err := f.engine.Fork(ctx, sess.ID, engine.ForkOptions{IncludeFiles: false})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fork.WorkdirPath, "secret.txt")); !os.IsNotExist(err) {
		t.Fatalf("fork copied files despite IncludeFiles=false")
	}

	if err := f.engine.Complete(ctx, sess.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var stateErr *engine.StateError
	if _, err := f.engine.Fork(ctx, sess.ID, engine.ForkOptions{}); !errors.As(err, &stateErr) {
		t.Fatalf("fork terminal session: err = %v, want StateError", err)
	}
}

func TestArchive_ExportsThenReleases(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(sess.WorkdirPath, "result.txt"), []byte("42"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := f.engine.Complete(ctx, sess.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	archived, err := f.engine.ArchiveSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != persistence.SessionArchived {
		t.Fatalf("status = %s, want ARCHIVED", archived.Status)
	}
	if archived.ArchivePath == "" {
		t.Fatalf("no archive path recorded")
	}
	if _, err := os.Stat(archived.ArchivePath); err != nil {
		t.Fatalf("archive tarball missing: %v", err)
	}
	if _, err := os.Stat(sess.WorkdirPath); !os.IsNotExist(err) {
		t.Fatalf("live working directory still present after archive")
	}

	// Idempotent: archiving again returns the same session.
	again, err := f.engine.ArchiveSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if again.ArchivePath != archived.ArchivePath {
		t.Fatalf("archive path changed on repeat: %q vs %q", again.ArchivePath, archived.ArchivePath)
	}

	var stateErr *engine.StateError
	live := f.interactiveSession(t)
	if _, err := f.engine.ArchiveSession(ctx, live.ID); !errors.As(err, &stateErr) {
		t.Fatalf("archive live session: err = %v, want StateError", err)
	}
}

func TestStart_RecoversSessionsFromPreviousProcess(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	ctx := context.Background()

	// An ACTIVE session with a tool call mid-flight, as a crashed daemon
	// would leave it.
	crashed, err := f.store.CreateSession(ctx, persistence.NewSession{UserID: "u1", Mode: persistence.ModeInteractive})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, _, err := f.store.TransitionSession(ctx, crashed.ID,
		[]persistence.SessionStatus{persistence.SessionInitializing},
		persistence.SessionActive, ""); err != nil {
		t.Fatalf("activate: %v", err)
	}
	call, err := f.store.InsertToolCall(ctx, crashed.ID, "t1", "", "bash", `{"cmd":"ls"}`)
	if err != nil {
		t.Fatalf("insert tool call: %v", err)
	}
	if err := f.store.MarkToolCallRunning(ctx, call.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	// And one caught before provisioning finished.
	stale, err := f.store.CreateSession(ctx, persistence.NewSession{UserID: "u1", Mode: persistence.ModeBackground})
	if err != nil {
		t.Fatalf("create stale session: %v", err)
	}

	f.start(t)

	recovered, err := f.store.GetSession(ctx, crashed.ID)
	if err != nil {
		t.Fatalf("get recovered: %v", err)
	}
	if recovered.Status != persistence.SessionPaused {
		t.Fatalf("recovered status = %s, want PAUSED", recovered.Status)
	}
	calls, err := f.store.ListToolCalls(ctx, crashed.ID, 0)
	if err != nil {
		t.Fatalf("list tool calls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != persistence.ToolCallFailed {
		t.Fatalf("tool calls = %+v, want the stuck one failed", calls)
	}

	staleAfter, err := f.store.GetSession(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if staleAfter.Status != persistence.SessionFailed {
		t.Fatalf("stale status = %s, want FAILED", staleAfter.Status)
	}
	if staleAfter.FailureReason == "" {
		t.Fatalf("stale session has no failure reason")
	}

	// The recovered session resumes cleanly.
	if _, err := f.engine.Resume(ctx, crashed.ID, ""); err != nil {
		t.Fatalf("resume recovered session: %v", err)
	}
	events, err := f.engine.Query(ctx, crashed.ID, "still there?")
	if err != nil {
		t.Fatalf("query recovered session: %v", err)
	}
	got := collectEvents(t, events)
	if len(got) == 0 || got[len(got)-1].Type != turn.EventTurnComplete {
		t.Fatalf("events = %+v, want a completed turn", got)
	}
}

func TestCreate_ValidatesModeAndAllocatesWorkdir(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	ctx := context.Background()

	sess, err := f.engine.Create(ctx, engine.CreateOptions{Mode: persistence.ModeInteractive, UserID: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != persistence.SessionInitializing {
		t.Fatalf("status = %s, want INITIALIZING", sess.Status)
	}
	if sess.Model != "gpt-4o" {
		t.Fatalf("model = %q, want the configured default", sess.Model)
	}
	info, err := os.Stat(sess.WorkdirPath)
	if err != nil || !info.IsDir() {
		t.Fatalf("workdir not allocated: %v", err)
	}

	var cfgErr *engine.ConfigurationError
	if _, err := f.engine.Create(ctx, engine.CreateOptions{Mode: persistence.ModeForked}); !errors.As(err, &cfgErr) {
		t.Fatalf("create forked: err = %v, want ConfigurationError", err)
	}
	if _, err := f.engine.Create(ctx, engine.CreateOptions{Mode: "TURBO"}); !errors.As(err, &cfgErr) {
		t.Fatalf("create bogus mode: err = %v, want ConfigurationError", err)
	}
}

func TestComplete_IsIdempotentOnTerminalSessions(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)
	ctx := context.Background()

	if err := f.engine.Complete(ctx, sess.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := f.engine.Complete(ctx, sess.ID); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if err := f.engine.Fail(ctx, sess.ID, "late failure"); err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	after, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.Status != persistence.SessionCompleted {
		t.Fatalf("status = %s; a late fail must not overwrite COMPLETED", after.Status)
	}

	var transErr *engine.InvalidTransitionError
	if _, err := f.engine.StartSession(ctx, sess.ID); !errors.As(err, &transErr) {
		t.Fatalf("start completed session: err = %v, want InvalidTransitionError", err)
	}
}

func TestSingleWriter_ConcurrentQueriesSerialize(t *testing.T) {
	f := newEngineFixture(t, config.PermissionsConfig{})
	sess := f.interactiveSession(t)
	ctx := context.Background()

	f.sim.ScriptTurn("turn-a", runtime.SimScript{
		Steps: []runtime.SimStep{{Say: "a done"}},
		Delay: 150 * time.Millisecond,
	})
	f.sim.ScriptTurn("turn-b", runtime.SimScript{
		Steps: []runtime.SimStep{{Say: "b done"}},
	})

	evA, err := f.engine.Query(ctx, sess.ID, "turn-a")
	if err != nil {
		t.Fatalf("query a: %v", err)
	}
	evB, err := f.engine.Query(ctx, sess.ID, "turn-b")
	if err != nil {
		t.Fatalf("query b: %v", err)
	}

	done := make(chan []turn.Event, 2)
	go func() { done <- collectEvents(t, evA) }()
	go func() { done <- collectEvents(t, evB) }()
	<-done
	<-done

	// Both turns ran; the per-session lock kept them strictly ordered, so
	// the transcript interleaves nothing.
	msgs, err := f.store.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("transcript rows = %d, want 4", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i {
			t.Fatalf("seq gap at %d: %+v", i, msgs)
		}
	}
	first, second := msgs[0].Content, msgs[2].Content
	if first == second {
		t.Fatalf("both turns recorded the same input %q", first)
	}
}
