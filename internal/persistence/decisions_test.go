package persistence_test

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/sessiond/internal/persistence"
)

func TestDecisions_RecordAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, store, persistence.ModeInteractive)

	id, err := store.RecordPermissionDecision(ctx, persistence.PermissionDecision{
		SessionID: sess.ID,
		Tool:      "bash",
		Target:    "git status",
		Decision:  "allow",
		Rule:      "Bash(git:*)",
		Reason:    "matched allow rule",
	})
	if err != nil {
		t.Fatalf("record allow: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive decision id, got %d", id)
	}
	if _, err := store.RecordPermissionDecision(ctx, persistence.PermissionDecision{
		SessionID: sess.ID,
		Tool:      "bash",
		Target:    "curl evil.example",
		Decision:  "deny",
		Rule:      "Bash(curl:*)",
		Reason:    "matched deny rule",
	}); err != nil {
		t.Fatalf("record deny: %v", err)
	}

	decisions, err := store.ListPermissionDecisions(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	if decisions[0].Decision != "allow" || decisions[1].Decision != "deny" {
		t.Fatalf("unexpected decision order: %#v", decisions)
	}
	if decisions[1].Rule != "Bash(curl:*)" {
		t.Fatalf("expected rule recorded, got %q", decisions[1].Rule)
	}
}

func TestDecisions_TargetAndReasonRedacted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, store, persistence.ModeInteractive)

	secret := "sk-ant-REDACTED"
	if _, err := store.RecordPermissionDecision(ctx, persistence.PermissionDecision{
		SessionID: sess.ID,
		Tool:      "bash",
		Target:    "curl -H 'Authorization: " + secret + "'",
		Decision:  "deny",
		Reason:    "request carried " + secret,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	decisions, err := store.ListPermissionDecisions(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	if strings.Contains(decisions[0].Target, secret) || strings.Contains(decisions[0].Reason, secret) {
		t.Fatalf("expected secret redacted, got %#v", decisions[0])
	}
}

func TestHookExecutions_RecordAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sess := createTestSession(t, store, persistence.ModeInteractive)

	if _, err := store.RecordHookExecution(ctx, persistence.HookExecution{
		SessionID:  sess.ID,
		Point:      "pre_tool_use",
		Hook:       "lint-guard",
		Continue:   false,
		Reason:     "refusing writes to vendored code",
		DurationMS: 12,
	}); err != nil {
		t.Fatalf("record blocking hook: %v", err)
	}
	if _, err := store.RecordHookExecution(ctx, persistence.HookExecution{
		SessionID:  sess.ID,
		Point:      "session_start",
		Hook:       "env-banner",
		Continue:   true,
		Faulted:    true,
		Reason:     "hook exited with panic; treated as continue",
		DurationMS: 3,
	}); err != nil {
		t.Fatalf("record faulted hook: %v", err)
	}

	hooks, err := store.ListHookExecutions(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list hooks: %v", err)
	}
	if len(hooks) != 2 {
		t.Fatalf("expected 2 hook executions, got %d", len(hooks))
	}
	if hooks[0].Continue || hooks[0].Point != "pre_tool_use" {
		t.Fatalf("unexpected first hook record: %#v", hooks[0])
	}
	if !hooks[1].Faulted || !hooks[1].Continue {
		t.Fatalf("expected faulted hook recorded as continue, got %#v", hooks[1])
	}
}
