package engine

import (
	"fmt"

	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/queue"
	"github.com/basket/sessiond/internal/strategy"
)

// ConfigurationError rejects an invalid task spec or session definition.
// Nothing is partially applied: the error is raised before any state
// changes, so retrying the same input can never help.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a lifecycle operation called on a session
// that is not in a state the operation accepts. This is a caller bug and
// is surfaced as-is.
type InvalidTransitionError struct {
	SessionID string
	Status    persistence.SessionStatus
	Op        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot %s while %s", e.SessionID, e.Op, e.Status)
}

// StateError reports an operation that is legal in general but meaningless
// against this session's current state, such as forking a failed session.
type StateError struct {
	SessionID string
	Status    persistence.SessionStatus
	Reason    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s (%s): %s", e.SessionID, e.Status, e.Reason)
}

// BlockedError is the gate denial raised by the turn runner: a permission
// rule or hook refused a tool use. The turn fails, the session remains
// usable. Aliased here so callers match it without importing strategy.
type BlockedError = strategy.BlockedError

// RuntimeFault is a runtime transport failure. Transport errors always
// fail the session; the working directory is preserved for inspection.
type RuntimeFault = strategy.RuntimeFault

// RetryableExecutionError marks a transient execution failure the queue
// should retry under the configured backoff policy.
type RetryableExecutionError = queue.RetryableExecutionError
