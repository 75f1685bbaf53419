package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/tokenutil"
	"github.com/basket/sessiond/internal/turn"
)

// SimStep is one scripted action within a turn. A step with a Tool emits
// a gated tool use before any Say text.
type SimStep struct {
	Tool   string // tool name, empty for text-only steps
	Args   string // tool arguments JSON
	Output string // tool result reported after an allow verdict
	Say    string // assistant message
}

// SimScript describes how the sim runtime answers one input.
type SimScript struct {
	Steps []SimStep
	// Delay pauses before each emitted event, to simulate a slow model.
	Delay time.Duration
	// FailTimes makes the first N turns for this input end in turn_failed.
	FailTimes int
}

// SimClient is a deterministic offline runtime. Tests, the smoke harness,
// and keyless dev environments script it by input string; unscripted
// inputs get one assistant message and a clean finish.
type SimClient struct {
	mu       sync.Mutex
	scripts  map[string]SimScript
	failures map[string]int
	verdicts map[string]chan Verdict
	running  map[string]bool
	closed   bool
}

func NewSimClient() *SimClient {
	return &SimClient{
		scripts:  make(map[string]SimScript),
		failures: make(map[string]int),
		verdicts: make(map[string]chan Verdict),
		running:  make(map[string]bool),
	}
}

// ScriptTurn registers the script used when a turn's input matches exactly.
func (s *SimClient) ScriptTurn(input string, script SimScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[input] = script
}

func (s *SimClient) RunTurn(ctx context.Context, req TurnRequest) (<-chan turn.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("sim runtime closed")
	}
	if s.running[req.SessionID] {
		s.mu.Unlock()
		return nil, fmt.Errorf("turn already in progress for session %s", req.SessionID)
	}
	s.running[req.SessionID] = true
	script, scripted := s.scripts[req.Input]
	mustFail := false
	if scripted && s.failures[req.Input] < script.FailTimes {
		s.failures[req.Input]++
		mustFail = true
	}
	s.mu.Unlock()

	if !scripted {
		script.Steps = []SimStep{{Say: "done: " + req.Input}}
	}

	events := make(chan turn.Event, turn.PipeCapacity)
	go s.playTurn(ctx, req, script, mustFail, events)
	return events, nil
}

func (s *SimClient) playTurn(ctx context.Context, req TurnRequest, script SimScript, mustFail bool, events chan<- turn.Event) {
	defer func() {
		s.mu.Lock()
		delete(s.running, req.SessionID)
		s.mu.Unlock()
		close(events)
	}()

	emit := func(ev turn.Event) bool {
		if script.Delay > 0 {
			select {
			case <-time.After(script.Delay):
			case <-ctx.Done():
				return false
			}
		}
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if mustFail {
		emit(turn.TurnFailed(req.SessionID, req.TurnID, turn.Failure{Reason: "simulated runtime failure"}))
		return
	}

	outputTokens := 0
	for _, step := range script.Steps {
		if step.Tool != "" {
			use := turn.ToolUse{ID: uuid.NewString(), Name: step.Tool, Input: step.Args}
			ch := make(chan Verdict, 1)
			s.mu.Lock()
			s.verdicts[use.ID] = ch
			s.mu.Unlock()

			if !emit(turn.ToolUseRequested(req.SessionID, req.TurnID, use)) {
				return
			}
			var v Verdict
			select {
			case v = <-ch:
			case <-ctx.Done():
				return
			}
			s.mu.Lock()
			delete(s.verdicts, use.ID)
			s.mu.Unlock()

			if !v.Allow {
				emit(turn.TurnFailed(req.SessionID, req.TurnID, turn.Failure{
					Reason:           "tool use blocked",
					BlockedToolUseID: use.ID,
					BlockReason:      v.Reason,
					BlockCode:        v.Code,
				}))
				return
			}
			if !emit(turn.ToolResultFor(req.SessionID, req.TurnID, turn.ToolResult{ToolUseID: use.ID, Output: step.Output})) {
				return
			}
		}
		if step.Say != "" {
			if !emit(turn.AssistantText(req.SessionID, req.TurnID, step.Say)) {
				return
			}
			outputTokens += tokenutil.EstimateTokens(step.Say)
		}
	}

	emit(turn.TurnComplete(req.SessionID, req.TurnID, turn.Usage{
		InputTokens:  tokenutil.EstimateAll(req.SystemPrompt, req.Input),
		OutputTokens: outputTokens,
	}))
}

func (s *SimClient) Resolve(toolUseID string, v Verdict) {
	s.mu.Lock()
	ch, ok := s.verdicts[toolUseID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- v:
	default: // verdict already delivered
	}
}

func (s *SimClient) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// simHandle scopes a shared SimClient to one session: Release must not
// shut the runtime down for every other session using it.
type simHandle struct {
	*SimClient
}

func (simHandle) Close(ctx context.Context) error { return nil }

// SimFactory hands every session the same scripted client. Tests and the
// sim provider inject it to observe and control turns.
func SimFactory(sim *SimClient) Factory {
	return func(ctx context.Context, session *persistence.Session) (Client, error) {
		return simHandle{sim}, nil
	}
}
