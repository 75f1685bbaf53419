// Package stream turns a runtime's event feed into durable transcript
// state. The processor is the single writer for a turn: it consumes
// events in arrival order and gives each one exactly one persistence
// action and one bus publish before moving on. Consumers that need
// ordering attach an ack to an event and wait for it; the processor
// acknowledges only after the row is committed.
package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/pricing"
	"github.com/basket/sessiond/internal/tokenutil"
	"github.com/basket/sessiond/internal/turn"
)

// Summary aggregates what one turn changed. Failure is nil when the turn
// ended with turn_complete.
type Summary struct {
	Messages  int
	ToolCalls int
	FinalText string
	Usage     turn.Usage
	Failure   *turn.Failure
}

// Processor persists turn events and fans them out.
type Processor struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func NewProcessor(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, bus: b, logger: logger}
}

// Run consumes pipe until it closes and returns what the turn did. Per
// event the order is persist, ack, publish, forward. The bus publish
// never blocks; the forward send does, which is how interactive callers
// get backpressure. Forward is closed once the pipe drains so callers
// can range over it. A persistence failure aborts the turn; events still
// in the pipe are not consumed.
func (p *Processor) Run(ctx context.Context, session *persistence.Session, pipe <-chan turn.Event, forward chan<- turn.Event) (Summary, error) {
	var sum Summary
	if forward != nil {
		defer close(forward)
	}
	for {
		select {
		case ev, ok := <-pipe:
			if !ok {
				return sum, nil
			}
			if err := p.persist(ctx, session, ev, &sum); err != nil {
				return sum, fmt.Errorf("persist %s event: %w", ev.Type, err)
			}
			ev.Acknowledge()
			p.publish(session, ev)
			if forward != nil {
				select {
				case forward <- ev:
				case <-ctx.Done():
					return sum, ctx.Err()
				}
			}
		case <-ctx.Done():
			return sum, ctx.Err()
		}
	}
}

func (p *Processor) persist(ctx context.Context, session *persistence.Session, ev turn.Event, sum *Summary) error {
	switch ev.Type {
	case turn.EventAssistantText:
		if _, err := p.store.AppendMessage(ctx, session.ID, ev.TurnID, "assistant", ev.Text, tokenutil.EstimateTokens(ev.Text)); err != nil {
			return err
		}
		sum.Messages++
		sum.FinalText = ev.Text
		return nil

	case turn.EventToolUseRequested:
		if _, err := p.store.InsertToolCall(ctx, session.ID, ev.TurnID, ev.ToolUse.ID, ev.ToolUse.Name, ev.ToolUse.Input); err != nil {
			return err
		}
		sum.ToolCalls++
		return nil

	case turn.EventToolResult:
		if ev.ToolResult.Err != "" {
			return p.store.FailToolCall(ctx, ev.ToolResult.ToolUseID, persistence.ToolErrExecution, ev.ToolResult.Err)
		}
		return p.store.CompleteToolCall(ctx, ev.ToolResult.ToolUseID, ev.ToolResult.Output)

	case turn.EventTurnComplete:
		sum.Usage = *ev.Usage
		cost := pricing.EstimateCost(session.Model, ev.Usage.InputTokens, ev.Usage.OutputTokens)
		return p.store.AddTurnUsage(ctx, session.ID, ev.Usage.InputTokens, ev.Usage.OutputTokens, cost)

	case turn.EventTurnFailed:
		sum.Failure = ev.Failure
		if !ev.Failure.Blocked() {
			return nil
		}
		code := ev.Failure.BlockCode
		if code == "" {
			code = persistence.ToolErrPermissionDenied
		}
		err := p.store.FailToolCall(ctx, ev.Failure.BlockedToolUseID, code, ev.Failure.BlockReason)
		if errors.Is(err, sql.ErrNoRows) {
			// The call was already finalized; the block stands either way.
			p.logger.Debug("blocked tool call not open", "session_id", session.ID, "tool_use_id", ev.Failure.BlockedToolUseID)
			return nil
		}
		return err

	default:
		p.logger.Warn("unknown turn event type", "session_id", session.ID, "type", ev.Type)
		return nil
	}
}

func (p *Processor) publish(session *persistence.Session, ev turn.Event) {
	te := bus.TurnEvent{SessionID: session.ID, TurnID: ev.TurnID, Type: string(ev.Type)}
	switch ev.Type {
	case turn.EventAssistantText:
		te.Text = ev.Text
	case turn.EventToolUseRequested:
		te.ToolName = ev.ToolUse.Name
		te.ToolUseID = ev.ToolUse.ID
		te.Status = string(persistence.ToolCallPending)
	case turn.EventToolResult:
		te.ToolUseID = ev.ToolResult.ToolUseID
		if ev.ToolResult.Err != "" {
			te.Status = string(persistence.ToolCallFailed)
		} else {
			te.Status = string(persistence.ToolCallCompleted)
		}
	case turn.EventTurnFailed:
		te.Reason = ev.Failure.Reason
		if ev.Failure.Blocked() {
			te.ToolUseID = ev.Failure.BlockedToolUseID
			te.Status = string(persistence.ToolCallFailed)
			te.Reason = ev.Failure.BlockReason
		}
	}
	p.bus.Publish(bus.TopicSessionTurn, te)
}
