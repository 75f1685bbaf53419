// Package runtime connects sessions to a model runtime. A Client drives
// one session's turns and emits turn events; the Manager owns the
// session-to-client table and the global connection cap.
package runtime

import (
	"context"

	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/turn"
)

// TurnRequest carries everything a client needs to run one turn.
type TurnRequest struct {
	SessionID    string
	TurnID       string
	Input        string
	Transcript   []persistence.Message
	Model        string
	SystemPrompt string
	Workdir      string
}

// Verdict answers a tool-use gate. The runtime holds the tool until the
// verdict arrives. On a deny, Code names which gate said no
// (permission_denied, hook_blocked) and ends up on the failed ToolCall row.
type Verdict struct {
	Allow  bool
	Reason string
	Code   string
}

// Client is one session's connection to a model runtime.
type Client interface {
	// RunTurn starts one turn and returns its event stream. The stream
	// closes after a terminal event (turn_complete or turn_failed). A
	// second turn may not start while one is in flight.
	RunTurn(ctx context.Context, req TurnRequest) (<-chan turn.Event, error)

	// Resolve delivers the gate verdict for a pending tool use.
	Resolve(toolUseID string, v Verdict)

	// Close releases the connection. Further RunTurn calls fail.
	Close(ctx context.Context) error
}

// Factory builds a Client for one session.
type Factory func(ctx context.Context, session *persistence.Session) (Client, error)
