package bus

// Session lifecycle topics.
const (
	TopicSessionLifecycle = "session.lifecycle"
	TopicSessionTurn      = "session.turn"
)

// Task execution topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"
)

// Schedule topics.
const (
	TopicScheduleEnqueued = "schedule.enqueued"
	TopicScheduleSkipped  = "schedule.skipped"
)

// Gate topics.
const (
	TopicPermissionDenied = "permission.denied"
	TopicHookBlocked      = "hook.blocked"
)

// SessionLifecycleEvent is published on every session status transition.
type SessionLifecycleEvent struct {
	SessionID string // Session ID
	UserID    string // Owning user
	OldStatus string // Previous status (e.g. INITIALIZING)
	NewStatus string // New status (e.g. ACTIVE)
	Reason    string // Optional transition reason (error summary on FAILED)
}

// TurnEvent is published for every processed turn event, after it is durable.
type TurnEvent struct {
	SessionID string // Session ID
	TurnID    string // Turn ID
	Type      string // assistant_text | tool_use_requested | tool_result | turn_complete | turn_failed
	Text      string // Assistant text, when Type == assistant_text
	ToolName  string // Tool name, for tool events
	ToolUseID string // Tool use ID, for tool events
	Status    string // Tool call status after this event, for tool events
	Reason    string // Failure/block reason, when Type == turn_failed
}

// TaskStateChangedEvent is published when a task execution's status changes.
type TaskStateChangedEvent struct {
	ExecutionID string // Task execution ID
	SessionID   string // Session being driven
	OldStatus   string // Previous status (e.g. pending)
	NewStatus   string // New status (e.g. running)
	Attempt     int    // Attempt number at the time of the change
}

// TaskCompletedEvent is published when a task execution finishes successfully.
type TaskCompletedEvent struct {
	ExecutionID string // Task execution ID
	SessionID   string // Session that was driven
	Result      string // Final assistant text
	Messages    int    // Messages appended during the run
	ToolCalls   int    // Tool calls recorded during the run
}

// TaskFailedEvent is published when a task execution fails terminally.
type TaskFailedEvent struct {
	ExecutionID string // Task execution ID
	SessionID   string // Session that was driven
	Error       string // Human-readable error summary
	Attempts    int    // Attempts consumed
	Messages    int    // Messages completed before the failure
	ToolCalls   int    // Tool calls completed before the failure
}

// TaskRetryingEvent is published when a failed attempt is scheduled for retry.
type TaskRetryingEvent struct {
	ExecutionID string // Task execution ID
	SessionID   string // Session being driven
	Attempt     int    // Attempt that just failed
	DelayMillis int64  // Backoff before the next attempt
	Error       string // Error that triggered the retry
}

// ScheduleEvent is published when a recurring schedule fires or is skipped.
type ScheduleEvent struct {
	ScheduleID  string // Schedule ID
	Name        string // Schedule name
	ExecutionID string // Enqueued execution ID (empty on skip)
	Reason      string // Skip reason (e.g. overlap_disabled)
}

// PermissionDeniedEvent is published when the evaluator denies a tool.
type PermissionDeniedEvent struct {
	SessionID string // Session ID
	Tool      string // Tool name
	Target    string // Derived match target (e.g. "bash:ls -la")
	Rule      string // Matched deny rule, if any
	Reason    string // Denial reason
}

// HookBlockedEvent is published when a hook halts continuation.
type HookBlockedEvent struct {
	SessionID string // Session ID
	Point     string // Lifecycle point (e.g. pre_tool_use)
	Hook      string // Blocking hook name
	Reason    string // Block reason reported by the hook
}
