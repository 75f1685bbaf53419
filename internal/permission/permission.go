// Package permission evaluates tool invocations against allow/deny rules.
// The evaluator fails closed: any fault during evaluation or recording
// produces a deny, never a silent allow.
package permission

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/sessiond/internal/config"
)

// Decision codes, stored with every recorded evaluation.
const (
	CodeAllowRule      = "allow_rule"
	CodeAllowDefault   = "allow_default"
	CodeDenyRule       = "deny_rule"
	CodeDenyUnmatched  = "deny_unmatched"
	CodeToolNotInGroup = "tool_not_in_group"
	CodeEvaluatorFault = "evaluator_fault"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Allow  bool
	Rule   string // Rule text that decided, empty for defaults.
	Code   string
	Reason string
}

type matchKind int

const (
	matchAny matchKind = iota
	matchExact
	matchPrefix
)

// Rule is one compiled allow or deny pattern. Supported forms:
//
//	bash             every invocation of the tool
//	bash(*)          same as the bare form
//	bash(git:*)      target starts with "git"
//	bash(git status) target equals "git status"
//
// Tool names compare case-insensitively; targets compare as written.
type Rule struct {
	raw     string
	tool    string
	kind    matchKind
	pattern string
}

func (r Rule) String() string { return r.raw }

// ParseRule compiles a single rule string.
func ParseRule(raw string) (Rule, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Rule{}, fmt.Errorf("empty permission rule")
	}

	open := strings.IndexByte(trimmed, '(')
	if open == -1 {
		if strings.ContainsAny(trimmed, ")* \t") {
			return Rule{}, fmt.Errorf("malformed permission rule %q", raw)
		}
		return Rule{raw: trimmed, tool: strings.ToLower(trimmed), kind: matchAny}, nil
	}
	if !strings.HasSuffix(trimmed, ")") {
		return Rule{}, fmt.Errorf("unterminated pattern in permission rule %q", raw)
	}
	tool := strings.TrimSpace(trimmed[:open])
	if tool == "" || strings.ContainsAny(tool, ")* \t") {
		return Rule{}, fmt.Errorf("malformed tool name in permission rule %q", raw)
	}
	pattern := trimmed[open+1 : len(trimmed)-1]
	r := Rule{raw: trimmed, tool: strings.ToLower(tool)}
	switch {
	case pattern == "*":
		r.kind = matchAny
	case strings.HasSuffix(pattern, ":*"):
		r.kind = matchPrefix
		r.pattern = strings.TrimSpace(pattern[:len(pattern)-2])
		if r.pattern == "" {
			return Rule{}, fmt.Errorf("empty prefix in permission rule %q", raw)
		}
	case strings.Contains(pattern, "*"):
		return Rule{}, fmt.Errorf("unsupported wildcard position in permission rule %q", raw)
	default:
		r.kind = matchExact
		r.pattern = strings.TrimSpace(pattern)
		if r.pattern == "" {
			return Rule{}, fmt.Errorf("empty pattern in permission rule %q", raw)
		}
	}
	return r, nil
}

// Matches reports whether the rule covers the given tool and target.
// A pattern rule never matches an empty target: a tool call whose target
// cannot be derived only matches bare rules.
func (r Rule) Matches(tool, target string) bool {
	if r.tool != strings.ToLower(strings.TrimSpace(tool)) {
		return false
	}
	switch r.kind {
	case matchAny:
		return true
	case matchExact:
		return target != "" && target == r.pattern
	case matchPrefix:
		return target != "" && strings.HasPrefix(target, r.pattern)
	}
	return false
}

// RuleSet is a compiled, immutable policy snapshot.
type RuleSet struct {
	allow   []Rule
	deny    []Rule
	groups  map[string]map[string]struct{}
	version string
}

// Compile builds a RuleSet from configuration. Any malformed rule fails
// the whole compilation so a partial policy never goes live.
func Compile(cfg config.PermissionsConfig) (*RuleSet, error) {
	rs := &RuleSet{groups: make(map[string]map[string]struct{})}
	for _, raw := range cfg.Allow {
		r, err := ParseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("allow rule: %w", err)
		}
		rs.allow = append(rs.allow, r)
	}
	for _, raw := range cfg.Deny {
		r, err := ParseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("deny rule: %w", err)
		}
		rs.deny = append(rs.deny, r)
	}
	for name, tools := range cfg.Groups {
		set := make(map[string]struct{}, len(tools))
		for _, tool := range tools {
			tool = strings.ToLower(strings.TrimSpace(tool))
			if tool == "" {
				return nil, fmt.Errorf("empty tool in group %q", name)
			}
			set[tool] = struct{}{}
		}
		rs.groups[strings.TrimSpace(name)] = set
	}
	rs.version = versionFor(cfg)
	return rs, nil
}

// Version identifies this snapshot; changes whenever the rules change.
func (rs *RuleSet) Version() string { return rs.version }

// HasGroup reports whether a named tool group is defined.
func (rs *RuleSet) HasGroup(name string) bool {
	_, ok := rs.groups[name]
	return ok
}

// Decide applies the evaluation order: group restriction, then deny rules,
// then allow rules. Deny always wins. With no allow rules configured every
// tool not denied is permitted; with any configured, an unmatched tool is
// denied.
func (rs *RuleSet) Decide(tool, target, group string) Decision {
	toolKey := strings.ToLower(strings.TrimSpace(tool))
	if toolKey == "" {
		return Decision{Allow: false, Code: CodeEvaluatorFault, Reason: "empty tool name"}
	}

	if group != "" {
		allowed, ok := rs.groups[group]
		if !ok {
			return Decision{Allow: false, Code: CodeToolNotInGroup,
				Reason: fmt.Sprintf("tool group %q is not defined", group)}
		}
		if _, ok := allowed[toolKey]; !ok {
			return Decision{Allow: false, Code: CodeToolNotInGroup,
				Reason: fmt.Sprintf("tool %q is outside group %q", tool, group)}
		}
	}

	for _, r := range rs.deny {
		if r.Matches(tool, target) {
			return Decision{Allow: false, Rule: r.raw, Code: CodeDenyRule,
				Reason: fmt.Sprintf("denied by rule %s", r.raw)}
		}
	}

	if len(rs.allow) == 0 {
		return Decision{Allow: true, Code: CodeAllowDefault, Reason: "no allow rules configured"}
	}
	for _, r := range rs.allow {
		if r.Matches(tool, target) {
			return Decision{Allow: true, Rule: r.raw, Code: CodeAllowRule,
				Reason: fmt.Sprintf("allowed by rule %s", r.raw)}
		}
	}
	return Decision{Allow: false, Code: CodeDenyUnmatched,
		Reason: "no allow rule matches and allow rules are configured"}
}

// DeriveTarget extracts the match text for a tool invocation from its
// JSON arguments. Unknown tools yield an empty target, which restricts
// matching to bare rules.
func DeriveTarget(tool, argumentsJSON string) string {
	if argumentsJSON == "" {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return ""
	}
	key := ""
	switch strings.ToLower(strings.TrimSpace(tool)) {
	case "bash":
		key = "command"
	case "read_file", "write_file", "list_files":
		key = "path"
	default:
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func versionFor(cfg config.PermissionsConfig) string {
	h := fnv.New64a()
	for _, v := range cfg.Allow {
		_, _ = h.Write([]byte("a:" + strings.TrimSpace(v) + "|"))
	}
	for _, v := range cfg.Deny {
		_, _ = h.Write([]byte("d:" + strings.TrimSpace(v) + "|"))
	}
	// Map order is unstable; sort-free accumulation via XOR keeps the
	// version independent of iteration order.
	var groupsHash uint64
	for name, tools := range cfg.Groups {
		gh := fnv.New64a()
		_, _ = gh.Write([]byte("g:" + strings.TrimSpace(name)))
		var toolsHash uint64
		for _, tool := range tools {
			th := fnv.New64a()
			_, _ = th.Write([]byte(strings.ToLower(strings.TrimSpace(tool))))
			toolsHash ^= th.Sum64()
		}
		_, _ = gh.Write([]byte(strconv.FormatUint(toolsHash, 16)))
		groupsHash ^= gh.Sum64()
	}
	_, _ = h.Write([]byte(strconv.FormatUint(groupsHash, 16)))
	_, _ = h.Write([]byte("|dg:" + cfg.DefaultGroup))
	return "rules-" + strconv.FormatUint(h.Sum64(), 16)
}

// LiveRules holds the active compiled rule set behind a read-write lock.
// Readers take consistent snapshots; the config watcher swaps in new sets.
type LiveRules struct {
	mu sync.RWMutex
	rs *RuleSet
}

func NewLiveRules(initial *RuleSet) *LiveRules {
	return &LiveRules{rs: initial}
}

// Snapshot returns the current rule set. The returned set is immutable.
func (lr *LiveRules) Snapshot() *RuleSet {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lr.rs
}

// Reload swaps in a new compiled rule set.
func (lr *LiveRules) Reload(rs *RuleSet) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.rs = rs
}

// ReloadFromConfig compiles and swaps the rule set. On compile error the
// previous rules remain active.
func (lr *LiveRules) ReloadFromConfig(cfg config.PermissionsConfig) error {
	rs, err := Compile(cfg)
	if err != nil {
		return err
	}
	lr.Reload(rs)
	return nil
}

// Version of the active rule set.
func (lr *LiveRules) Version() string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lr.rs.version
}
