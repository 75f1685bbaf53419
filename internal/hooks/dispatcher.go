package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/persistence"
)

// Outcome summarizes one pipeline firing. Continue=false carries the
// blocking hook's name and reason for error reporting.
type Outcome struct {
	Continue       bool
	BlockedBy      string
	Reason         string
	SystemMessages []string
}

// Dispatcher fires hooks in registration order per point. Hook errors and
// panics are recorded as faulted firings that continue; only an explicit
// Continue=false halts the pipeline.
type Dispatcher struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	hooks  map[Point][]Hook
}

func NewDispatcher(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		bus:    eventBus,
		logger: logger,
		hooks:  make(map[Point][]Hook),
	}
}

// Register appends a hook at the given point. Order of registration is
// order of firing.
func (d *Dispatcher) Register(p Point, h Hook) error {
	if !ValidPoint(p) {
		return fmt.Errorf("unknown hook point %q", p)
	}
	d.hooks[p] = append(d.hooks[p], h)
	return nil
}

// RegisterConfigured builds shell hooks from configuration entries.
func (d *Dispatcher) RegisterConfigured(cfgs []config.HookConfig) error {
	for _, hc := range cfgs {
		timeout := time.Duration(hc.TimeoutSeconds) * time.Second
		if err := d.Register(Point(hc.Point), NewShellHook(hc.Name, hc.Command, timeout, d.logger)); err != nil {
			return fmt.Errorf("hook %q: %w", hc.Name, err)
		}
	}
	return nil
}

// HookCount returns the number of hooks registered at a point.
func (d *Dispatcher) HookCount(p Point) int {
	return len(d.hooks[p])
}

// Fire runs the pipeline for ev.Point. Every firing is recorded whether
// it continued, blocked, or faulted.
func (d *Dispatcher) Fire(ctx context.Context, ev Event) Outcome {
	outcome := Outcome{Continue: true}
	for _, h := range d.hooks[ev.Point] {
		started := time.Now()
		res, err := runHookSafely(ctx, h, ev)
		faulted := err != nil
		if faulted {
			d.logger.Warn("hook fault treated as continue",
				"hook", h.Name(), "point", string(ev.Point),
				"session_id", ev.SessionID, "error", err)
			res = Result{Continue: true, Reason: err.Error()}
		}

		d.recordFiring(ctx, ev, h.Name(), res, faulted, time.Since(started))

		if res.SystemMessage != "" {
			outcome.SystemMessages = append(outcome.SystemMessages, res.SystemMessage)
		}
		if !res.Continue {
			outcome.Continue = false
			outcome.BlockedBy = h.Name()
			outcome.Reason = res.Reason
			if d.bus != nil {
				d.bus.Publish(bus.TopicHookBlocked, bus.HookBlockedEvent{
					SessionID: ev.SessionID,
					Point:     string(ev.Point),
					Hook:      h.Name(),
					Reason:    res.Reason,
				})
			}
			return outcome
		}
	}
	return outcome
}

// runHookSafely converts a panicking hook into an error result.
func runHookSafely(ctx context.Context, h Hook, ev Event) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Continue: true}
			err = fmt.Errorf("hook %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Run(ctx, ev)
}

func (d *Dispatcher) recordFiring(ctx context.Context, ev Event, hookName string, res Result, faulted bool, elapsed time.Duration) {
	if d.store == nil {
		return
	}
	if _, err := d.store.RecordHookExecution(ctx, persistence.HookExecution{
		SessionID:  ev.SessionID,
		Point:      string(ev.Point),
		Hook:       hookName,
		Continue:   res.Continue,
		Reason:     res.Reason,
		Faulted:    faulted,
		DurationMS: elapsed.Milliseconds(),
	}); err != nil {
		d.logger.Error("record hook execution",
			"hook", hookName, "point", string(ev.Point), "error", err)
	}
}
