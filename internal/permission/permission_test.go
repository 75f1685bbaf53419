package permission_test

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/permission"
	"github.com/basket/sessiond/internal/persistence"
)

func compileRules(t *testing.T, allow, deny []string) *permission.RuleSet {
	t.Helper()
	rs, err := permission.Compile(config.PermissionsConfig{Allow: allow, Deny: deny})
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	return rs
}

func TestParseRule_Forms(t *testing.T) {
	tests := []struct {
		rule   string
		tool   string
		target string
		match  bool
	}{
		{"bash", "bash", "anything at all", true},
		{"bash", "Bash", "", true},
		{"bash", "read_file", "", false},
		{"bash(*)", "bash", "rm -rf /", true},
		{"bash(git:*)", "bash", "git status", true},
		{"bash(git:*)", "bash", "gitk", true},
		{"bash(git:*)", "bash", "ls", false},
		{"bash(git:*)", "bash", "", false},
		{"bash(git status)", "bash", "git status", true},
		{"bash(git status)", "bash", "git status --short", false},
		{"read_file(/etc/:*)", "read_file", "/etc/passwd", true},
		{"read_file(/etc/:*)", "read_file", "/home/user/notes", false},
	}
	for _, tt := range tests {
		r, err := permission.ParseRule(tt.rule)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.rule, err)
		}
		if got := r.Matches(tt.tool, tt.target); got != tt.match {
			t.Errorf("%q.Matches(%q, %q) = %v, want %v", tt.rule, tt.tool, tt.target, got, tt.match)
		}
	}
}

func TestParseRule_RejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"bash(",
		"bash)",
		"(git:*)",
		"bash(git*)",
		"bash(:*)",
		"bash()",
		"ba sh",
	}
	for _, rule := range bad {
		if _, err := permission.ParseRule(rule); err == nil {
			t.Errorf("expected parse error for %q", rule)
		}
	}
}

func TestDecide_DenyAlwaysWins(t *testing.T) {
	rs := compileRules(t,
		[]string{"bash(*)"},
		[]string{"bash(rm:*)"},
	)
	d := rs.Decide("bash", "rm -rf /tmp/x", "")
	if d.Allow {
		t.Fatalf("expected deny for tool matching both lists, got %#v", d)
	}
	if d.Code != permission.CodeDenyRule {
		t.Fatalf("expected deny_rule code, got %s", d.Code)
	}
	if d.Rule != "bash(rm:*)" {
		t.Fatalf("expected matched deny rule recorded, got %q", d.Rule)
	}
}

func TestDecide_DenyPrecedenceHoldsForRandomSets(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tools := []string{"bash", "read_file", "write_file", "web_search"}
	prefixes := []string{"git", "ls", "/etc", "curl", "rm"}

	for i := 0; i < 200; i++ {
		tool := tools[rng.Intn(len(tools))]
		prefix := prefixes[rng.Intn(len(prefixes))]
		target := prefix + " something"

		// Build allow and deny sets that both cover the invocation, plus noise.
		allow := []string{tool + "(" + prefix + ":*)"}
		deny := []string{tool + "(" + prefix + ":*)"}
		for j := 0; j < rng.Intn(3); j++ {
			other := tools[rng.Intn(len(tools))]
			allow = append(allow, other)
			deny = append(deny, other+"(zz:*)")
		}

		rs := compileRules(t, allow, deny)
		if d := rs.Decide(tool, target, ""); d.Allow {
			t.Fatalf("iteration %d: deny precedence violated for tool=%s target=%q allow=%v deny=%v",
				i, tool, target, allow, deny)
		}
	}
}

func TestDecide_NoAllowRulesPermitsByDefault(t *testing.T) {
	rs := compileRules(t, nil, []string{"bash(curl:*)"})

	if d := rs.Decide("bash", "ls -la", ""); !d.Allow {
		t.Fatalf("expected default allow with empty allow set, got %#v", d)
	}
	if d := rs.Decide("web_search", "", ""); !d.Allow {
		t.Fatalf("expected default allow for unlisted tool, got %#v", d)
	}
	if d := rs.Decide("bash", "curl http://example.com", ""); d.Allow {
		t.Fatalf("expected deny rule to still apply, got %#v", d)
	}
}

func TestDecide_ConfiguredAllowDeniesUnmatched(t *testing.T) {
	rs := compileRules(t, []string{"read_file", "bash(git:*)"}, nil)

	if d := rs.Decide("read_file", "/any/path", ""); !d.Allow {
		t.Fatalf("expected allow for listed tool, got %#v", d)
	}
	if d := rs.Decide("bash", "git log", ""); !d.Allow {
		t.Fatalf("expected allow for matching prefix, got %#v", d)
	}
	d := rs.Decide("bash", "make all", "")
	if d.Allow {
		t.Fatalf("expected deny for unmatched tool, got %#v", d)
	}
	if d.Code != permission.CodeDenyUnmatched {
		t.Fatalf("expected deny_unmatched, got %s", d.Code)
	}
}

func TestDecide_GroupRestrictionAppliesFirst(t *testing.T) {
	rs, err := permission.Compile(config.PermissionsConfig{
		Allow:  []string{"bash(*)", "web_search"},
		Groups: map[string][]string{"readonly": {"read_file", "list_files"}},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	// bash is allow-listed but outside the session's group.
	d := rs.Decide("bash", "ls", "readonly")
	if d.Allow {
		t.Fatalf("expected group restriction to deny, got %#v", d)
	}
	if d.Code != permission.CodeToolNotInGroup {
		t.Fatalf("expected tool_not_in_group, got %s", d.Code)
	}

	// An undefined group denies everything rather than silently allowing.
	d = rs.Decide("read_file", "/x", "ghost-group")
	if d.Allow || d.Code != permission.CodeToolNotInGroup {
		t.Fatalf("expected undefined group to deny, got %#v", d)
	}
}

func TestDeriveTarget_KnownTools(t *testing.T) {
	tests := []struct {
		tool string
		args string
		want string
	}{
		{"bash", `{"command":"git status"}`, "git status"},
		{"Bash", `{"command":"  ls  "}`, "ls"},
		{"read_file", `{"path":"/etc/passwd"}`, "/etc/passwd"},
		{"write_file", `{"path":"out.txt","content":"x"}`, "out.txt"},
		{"list_files", `{"path":"src"}`, "src"},
		{"web_search", `{"query":"golang"}`, ""},
		{"bash", `not json`, ""},
		{"bash", ``, ""},
		{"bash", `{"command":42}`, ""},
	}
	for _, tt := range tests {
		if got := permission.DeriveTarget(tt.tool, tt.args); got != tt.want {
			t.Errorf("DeriveTarget(%q, %q) = %q, want %q", tt.tool, tt.args, got, tt.want)
		}
	}
}

func TestLiveRules_ReloadSwapsAndKeepsOldOnError(t *testing.T) {
	initial := compileRules(t, nil, []string{"bash(curl:*)"})
	live := permission.NewLiveRules(initial)

	if d := live.Snapshot().Decide("bash", "curl x", ""); d.Allow {
		t.Fatalf("expected initial deny")
	}

	// A valid reload changes behavior.
	if err := live.ReloadFromConfig(config.PermissionsConfig{Deny: []string{"bash(wget:*)"}}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d := live.Snapshot().Decide("bash", "curl x", ""); !d.Allow {
		t.Fatalf("expected allow after rules changed")
	}
	if d := live.Snapshot().Decide("bash", "wget x", ""); d.Allow {
		t.Fatalf("expected new deny rule to apply")
	}

	// A broken reload keeps the current rules.
	before := live.Version()
	if err := live.ReloadFromConfig(config.PermissionsConfig{Deny: []string{"bash(("}}); err == nil {
		t.Fatalf("expected compile error")
	}
	if live.Version() != before {
		t.Fatalf("expected version unchanged after failed reload")
	}
}

func TestRuleSet_VersionTracksContent(t *testing.T) {
	a := compileRules(t, []string{"bash(git:*)"}, nil)
	b := compileRules(t, []string{"bash(git:*)"}, nil)
	c := compileRules(t, []string{"bash(ls:*)"}, nil)
	if a.Version() != b.Version() {
		t.Fatalf("expected identical configs to share a version")
	}
	if a.Version() == c.Version() {
		t.Fatalf("expected differing configs to differ in version")
	}
}

func TestEvaluator_RecordsEveryDecision(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "sessiond.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, persistence.NewSession{UserID: "u", Mode: persistence.ModeInteractive})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	eventBus := bus.New()
	denied := eventBus.Subscribe(bus.TopicPermissionDenied)

	live := permission.NewLiveRules(compileRules(t, []string{"bash(git:*)"}, nil))
	eval := permission.NewEvaluator(live, store, nil, eventBus, nil)

	d := eval.Evaluate(ctx, permission.Request{
		SessionID: sess.ID,
		Tool:      "bash",
		Arguments: `{"command":"git status"}`,
	})
	if !d.Allow {
		t.Fatalf("expected allow, got %#v", d)
	}

	d = eval.Evaluate(ctx, permission.Request{
		SessionID: sess.ID,
		Tool:      "bash",
		Arguments: `{"command":"make all"}`,
	})
	if d.Allow {
		t.Fatalf("expected deny, got %#v", d)
	}

	decisions, err := store.ListPermissionDecisions(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected both evaluations recorded, got %d", len(decisions))
	}
	if decisions[0].Decision != "allow" || decisions[1].Decision != "deny" {
		t.Fatalf("unexpected recorded verdicts: %#v", decisions)
	}
	if decisions[0].Target != "git status" {
		t.Fatalf("expected derived target recorded, got %q", decisions[0].Target)
	}

	select {
	case msg := <-denied.Ch():
		ev, ok := msg.Payload.(bus.PermissionDeniedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", msg.Payload)
		}
		if ev.Tool != "bash" || !strings.Contains(ev.Target, "make") {
			t.Fatalf("unexpected denied event: %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a permission.denied event")
	}
}

func TestEvaluator_FailsClosedWhenStoreUnavailable(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "sessiond.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	_ = store.Close()

	live := permission.NewLiveRules(compileRules(t, nil, nil))
	eval := permission.NewEvaluator(live, store, nil, nil, nil)

	d := eval.Evaluate(context.Background(), permission.Request{
		SessionID: "sess-x",
		Tool:      "bash",
		Arguments: `{"command":"ls"}`,
	})
	if d.Allow {
		t.Fatalf("expected fail-closed deny when recording is impossible, got %#v", d)
	}
	if d.Code != permission.CodeEvaluatorFault {
		t.Fatalf("expected evaluator_fault, got %s", d.Code)
	}
}
