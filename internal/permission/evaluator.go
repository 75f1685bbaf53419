package permission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/sessiond/internal/audit"
	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/persistence"
)

// Request describes one tool invocation to evaluate. ToolCallID links the
// recorded decision to the pending ToolCall row when one already exists.
type Request struct {
	SessionID  string
	ToolCallID string
	Tool       string
	Arguments  string
	Group      string
}

// Evaluator applies the active rule set and records every verdict in the
// database, the audit trail, and (on deny) the event bus.
type Evaluator struct {
	rules  *LiveRules
	store  *persistence.Store
	audit  *audit.Log
	bus    *bus.Bus
	logger *slog.Logger
}

func NewEvaluator(rules *LiveRules, store *persistence.Store, auditLog *audit.Log, eventBus *bus.Bus, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{rules: rules, store: store, audit: auditLog, bus: eventBus, logger: logger}
}

// Evaluate decides one tool invocation. Every call produces exactly one
// recorded decision; faults anywhere in the pipeline yield a deny.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (decision Decision) {
	target := ""
	defer func() {
		if r := recover(); r != nil {
			decision = Decision{Allow: false, Code: CodeEvaluatorFault,
				Reason: fmt.Sprintf("evaluator panic: %v", r)}
			e.logger.Error("permission evaluator panicked",
				"session_id", req.SessionID, "tool", req.Tool, "panic", fmt.Sprint(r))
			e.record(ctx, req, target, decision)
		}
	}()

	target = DeriveTarget(req.Tool, req.Arguments)
	decision = e.rules.Snapshot().Decide(req.Tool, target, req.Group)

	if !e.record(ctx, req, target, decision) && decision.Allow {
		// An allow that cannot be audited is converted to a deny.
		decision = Decision{Allow: false, Code: CodeEvaluatorFault,
			Reason: "permission decision could not be recorded"}
	}
	return decision
}

// record writes the decision everywhere it belongs. Returns false when the
// durable store write failed; audit file and bus are best-effort.
func (e *Evaluator) record(ctx context.Context, req Request, target string, d Decision) bool {
	verdict := "deny"
	if d.Allow {
		verdict = "allow"
	}

	stored := true
	if e.store != nil {
		if _, err := e.store.RecordPermissionDecision(ctx, persistence.PermissionDecision{
			SessionID:  req.SessionID,
			ToolCallID: req.ToolCallID,
			Tool:       req.Tool,
			Target:     target,
			Decision:   verdict,
			Rule:       d.Rule,
			Reason:     d.Reason,
		}); err != nil {
			e.logger.Error("record permission decision",
				"session_id", req.SessionID, "tool", req.Tool, "error", err)
			stored = false
		}
	}
	if e.audit != nil {
		e.audit.Record(req.SessionID, verdict, req.Tool, target, d.Rule, d.Reason)
	}
	if !d.Allow && e.bus != nil {
		e.bus.Publish(bus.TopicPermissionDenied, bus.PermissionDeniedEvent{
			SessionID: req.SessionID,
			Tool:      req.Tool,
			Target:    target,
			Rule:      d.Rule,
			Reason:    d.Reason,
		})
	}
	return stored
}
