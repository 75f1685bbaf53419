// Package turn defines the event vocabulary shared by runtime clients,
// the stream processor, and execution strategies. A runtime emits a
// stream of Events per turn; consumers persist them in arrival order.
package turn

import "context"

type EventType string

const (
	// EventAssistantText carries a completed assistant message.
	EventAssistantText EventType = "assistant_text"
	// EventToolUseRequested announces a tool invocation awaiting a gate verdict.
	EventToolUseRequested EventType = "tool_use_requested"
	// EventToolResult carries the outcome of an approved tool invocation.
	EventToolResult EventType = "tool_result"
	// EventTurnComplete ends a turn normally and carries usage totals.
	EventTurnComplete EventType = "turn_complete"
	// EventTurnFailed ends a turn abnormally (runtime fault or gate block).
	EventTurnFailed EventType = "turn_failed"
)

// ToolUse identifies one tool invocation. ID is the runtime-assigned
// tool-use identifier that later ToolResult and Resolve calls reference.
type ToolUse struct {
	ID    string
	Name  string
	Input string
}

// ToolResult carries a finished tool invocation. Err is set when the tool
// itself failed; the invocation still completes the protocol exchange.
type ToolResult struct {
	ToolUseID string
	Output    string
	Err       string
}

// Usage is the token accounting for one completed turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Failure describes an abnormal turn end. BlockedToolUseID is set when a
// permission or hook gate stopped a tool call before execution; BlockCode
// is the machine code the blocked tool call is recorded under
// (permission_denied, hook_blocked).
type Failure struct {
	Reason           string
	BlockedToolUseID string
	BlockReason      string
	BlockCode        string
}

// Blocked reports whether the failure came from a gate decision rather
// than a runtime fault.
func (f Failure) Blocked() bool {
	return f.BlockedToolUseID != ""
}

// Event is one element of a turn stream. Exactly one payload field is set
// according to Type. Ack, when non-nil, is closed by the consumer once the
// event is durably recorded; producers that need ordering wait on it.
type Event struct {
	Type       EventType
	SessionID  string
	TurnID     string
	Text       string
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Usage      *Usage
	Failure    *Failure
	Ack        chan struct{}
}

// WithAck attaches a fresh ack channel and returns the event.
func (e Event) WithAck() Event {
	e.Ack = make(chan struct{})
	return e
}

// AwaitAck blocks until the event is acknowledged or ctx ends. Events
// without an ack channel return immediately.
func (e Event) AwaitAck(ctx context.Context) error {
	if e.Ack == nil {
		return nil
	}
	select {
	case <-e.Ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acknowledge closes the ack channel if present. Safe to call once.
func (e Event) Acknowledge() {
	if e.Ack != nil {
		close(e.Ack)
	}
}

func AssistantText(sessionID, turnID, text string) Event {
	return Event{Type: EventAssistantText, SessionID: sessionID, TurnID: turnID, Text: text}
}

func ToolUseRequested(sessionID, turnID string, use ToolUse) Event {
	return Event{Type: EventToolUseRequested, SessionID: sessionID, TurnID: turnID, ToolUse: &use}
}

func ToolResultFor(sessionID, turnID string, result ToolResult) Event {
	return Event{Type: EventToolResult, SessionID: sessionID, TurnID: turnID, ToolResult: &result}
}

func TurnComplete(sessionID, turnID string, usage Usage) Event {
	return Event{Type: EventTurnComplete, SessionID: sessionID, TurnID: turnID, Usage: &usage}
}

func TurnFailed(sessionID, turnID string, failure Failure) Event {
	return Event{Type: EventTurnFailed, SessionID: sessionID, TurnID: turnID, Failure: &failure}
}

// PipeCapacity bounds in-flight events between a strategy and the stream
// processor. Producers block rather than drop when the consumer lags.
const PipeCapacity = 64

// Pipe is the bounded event channel between a turn producer and the
// stream processor. Send blocks under backpressure; Close ends the stream.
type Pipe struct {
	ch chan Event
}

func NewPipe() *Pipe {
	return &Pipe{ch: make(chan Event, PipeCapacity)}
}

// Send delivers ev, blocking until there is capacity or ctx ends.
func (p *Pipe) Send(ctx context.Context, ev Event) error {
	select {
	case p.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the consumer side of the pipe.
func (p *Pipe) Events() <-chan Event {
	return p.ch
}

// Close ends the stream. The producer must not Send afterwards.
func (p *Pipe) Close() {
	close(p.ch)
}
