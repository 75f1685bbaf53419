package strategy

import "fmt"

// BlockedError ends a turn because a permission rule or hook said no. The
// session itself stays usable; only this turn is over.
type BlockedError struct {
	ToolUseID string
	Code      string // permission_denied or hook_blocked
	Reason    string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("turn blocked (%s): %s", e.Code, e.Reason)
}

// RuntimeFault ends a turn because the runtime or the stream pipeline
// failed. Faults are retryable from the queue's point of view.
type RuntimeFault struct {
	Err error
}

func (e *RuntimeFault) Error() string {
	return fmt.Sprintf("runtime fault: %v", e.Err)
}

func (e *RuntimeFault) Unwrap() error { return e.Err }
