// Package strategy executes turns according to session mode. All modes
// share one runner that enforces the gate contract: every tool use is
// persisted, then evaluated against permissions and pre_tool_use hooks,
// and only an allowed use ever executes. The modes differ in how clients
// are held and whether events stream back to a caller.
package strategy

import (
	"context"
	"log/slog"

	"github.com/basket/sessiond/internal/hooks"
	"github.com/basket/sessiond/internal/permission"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/runtime"
	"github.com/basket/sessiond/internal/stream"
	"github.com/basket/sessiond/internal/turn"
)

// Turn is one unit of work for a strategy: drive this input through this
// session's runtime client and leave the transcript durable.
type Turn struct {
	Session   *persistence.Session
	Input     string
	Client    runtime.Client
	Processor *stream.Processor
	// Forward receives every event after it persists. Only interactive
	// turns set it; the runner closes it when the turn ends.
	Forward chan<- turn.Event
}

// Strategy runs turns for one session mode.
type Strategy interface {
	Mode() persistence.SessionMode
	RunTurn(ctx context.Context, t *Turn) (*stream.Summary, error)
}

// Interactive serves query(): the client is acquired at session start and
// held across turns, and events flow to the caller's channel.
type Interactive struct {
	runner
}

func NewInteractive(store *persistence.Store, perms *permission.Evaluator, dispatcher *hooks.Dispatcher, logger *slog.Logger) *Interactive {
	return &Interactive{newRunner(store, perms, dispatcher, logger)}
}

func (s *Interactive) Mode() persistence.SessionMode { return persistence.ModeInteractive }

func (s *Interactive) RunTurn(ctx context.Context, t *Turn) (*stream.Summary, error) {
	return s.run(ctx, t, t.Forward)
}

// Background serves queue workers: the client lives only for the run and
// nobody watches the stream.
type Background struct {
	runner
}

func NewBackground(store *persistence.Store, perms *permission.Evaluator, dispatcher *hooks.Dispatcher, logger *slog.Logger) *Background {
	return &Background{newRunner(store, perms, dispatcher, logger)}
}

func (s *Background) Mode() persistence.SessionMode { return persistence.ModeBackground }

func (s *Background) RunTurn(ctx context.Context, t *Turn) (*stream.Summary, error) {
	return s.run(ctx, t, nil)
}

// Forked runs sessions created by fork. Background semantics; the mode
// exists so forked lineage stays visible in selection and persistence.
type Forked struct {
	runner
}

func NewForked(store *persistence.Store, perms *permission.Evaluator, dispatcher *hooks.Dispatcher, logger *slog.Logger) *Forked {
	return &Forked{newRunner(store, perms, dispatcher, logger)}
}

func (s *Forked) Mode() persistence.SessionMode { return persistence.ModeForked }

func (s *Forked) RunTurn(ctx context.Context, t *Turn) (*stream.Summary, error) {
	return s.run(ctx, t, nil)
}

// Map builds the mode-keyed strategy table the engine selects from.
func Map(store *persistence.Store, perms *permission.Evaluator, dispatcher *hooks.Dispatcher, logger *slog.Logger) map[persistence.SessionMode]Strategy {
	return map[persistence.SessionMode]Strategy{
		persistence.ModeInteractive: NewInteractive(store, perms, dispatcher, logger),
		persistence.ModeBackground:  NewBackground(store, perms, dispatcher, logger),
		persistence.ModeForked:      NewForked(store, perms, dispatcher, logger),
	}
}
