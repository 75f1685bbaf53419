package persistence

import "time"

type SessionStatus string

const (
	SessionInitializing SessionStatus = "INITIALIZING"
	SessionActive       SessionStatus = "ACTIVE"
	SessionPaused       SessionStatus = "PAUSED"
	SessionCompleted    SessionStatus = "COMPLETED"
	SessionFailed       SessionStatus = "FAILED"
	SessionArchived     SessionStatus = "ARCHIVED"
)

// IsTerminal reports whether the status admits no further execution.
// ARCHIVED counts: it is reached only from a terminal state.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionArchived:
		return true
	}
	return false
}

type SessionMode string

const (
	ModeInteractive SessionMode = "INTERACTIVE"
	ModeBackground  SessionMode = "BACKGROUND"
	ModeForked      SessionMode = "FORKED"
)

func ValidMode(m SessionMode) bool {
	switch m {
	case ModeInteractive, ModeBackground, ModeForked:
		return true
	}
	return false
}

// allowedSessionTransitions is the complete session state machine.
// PAUSED may complete or fail directly so queue finalization of a
// reused session does not need a resume round-trip.
var allowedSessionTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	SessionInitializing: {
		SessionActive: {},
		SessionFailed: {},
	},
	SessionActive: {
		SessionPaused:    {},
		SessionCompleted: {},
		SessionFailed:    {},
	},
	SessionPaused: {
		SessionActive:    {},
		SessionCompleted: {},
		SessionFailed:    {},
	},
	SessionCompleted: {
		SessionArchived: {},
	},
	SessionFailed: {
		SessionArchived: {},
	},
}

func canTransitionSession(from, to SessionStatus) bool {
	next, ok := allowedSessionTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Session is one conversational session with the runtime. Mode never
// changes after creation; counters only grow.
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id,omitempty"`
	Status          SessionStatus `json:"status"`
	Mode            SessionMode   `json:"mode"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	WorkdirPath     string        `json:"workdir_path,omitempty"`
	ArchivePath     string        `json:"archive_path,omitempty"`
	Model           string        `json:"model,omitempty"`
	SystemPrompt    string        `json:"system_prompt,omitempty"`
	ToolGroup       string        `json:"tool_group,omitempty"`
	MessageCount    int           `json:"message_count"`
	ToolCallCount   int           `json:"tool_call_count"`
	PromptTokens    int           `json:"prompt_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	CostUSD         float64       `json:"cost_usd"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Message is one transcript entry. Seq starts at 0 and is contiguous
// within a session; assignment happens inside the append transaction.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	TurnID    string    `json:"turn_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// Tool call states move forward only. A pending call may fail without
// ever running (permission denial, hook block).
var allowedToolCallTransitions = map[ToolCallStatus]map[ToolCallStatus]struct{}{
	ToolCallPending: {
		ToolCallRunning: {},
		ToolCallFailed:  {},
	},
	ToolCallRunning: {
		ToolCallCompleted: {},
		ToolCallFailed:    {},
	},
}

func canTransitionToolCall(from, to ToolCallStatus) bool {
	next, ok := allowedToolCallTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Error codes stored on failed tool calls.
const (
	ToolErrPermissionDenied = "permission_denied"
	ToolErrHookBlocked      = "hook_blocked"
	ToolErrExecution        = "execution_error"
)

type ToolCall struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	TurnID     string         `json:"turn_id,omitempty"`
	Name       string         `json:"name"`
	Arguments  string         `json:"arguments"`
	Status     ToolCallStatus `json:"status"`
	Output     string         `json:"output,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PermissionDecision is an immutable record of one evaluator verdict.
type PermissionDecision struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Tool       string    `json:"tool"`
	Target     string    `json:"target,omitempty"`
	Decision   string    `json:"decision"`
	Rule       string    `json:"rule,omitempty"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// HookExecution records one hook invocation at a lifecycle point.
type HookExecution struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Point      string    `json:"point"`
	Hook       string    `json:"hook"`
	Continue   bool      `json:"continue_execution"`
	Reason     string    `json:"reason,omitempty"`
	Faulted    bool      `json:"faulted"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

var allowedExecTransitions = map[ExecStatus]map[ExecStatus]struct{}{
	ExecPending: {
		ExecRunning: {},
		ExecFailed:  {}, // Cancel before start.
	},
	ExecRunning: {
		ExecCompleted: {},
		ExecFailed:    {},
		ExecPending:   {}, // Retry requeue and lease-expiry recovery.
	},
}

func canTransitionExec(from, to ExecStatus) bool {
	next, ok := allowedExecTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Deterministic reason codes for execution outcomes.
const (
	ReasonRetryScheduled       = "RETRY_SCHEDULED"
	ReasonRetryBudgetExhausted = "RETRY_BUDGET_EXHAUSTED"
	ReasonNonRetryable         = "NON_RETRYABLE"
	ReasonCanceled             = "CANCELED"
	ReasonLeaseExpired         = "LEASE_EXPIRED"
)

// TaskExecution is one unit of queued work: provision a session (or reuse
// one) and run its task to completion on a worker.
type TaskExecution struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id,omitempty"`
	ScheduleID      string      `json:"schedule_id,omitempty"`
	Mode            SessionMode `json:"mode"`
	Spec            string      `json:"spec"`
	Variables       string      `json:"variables,omitempty"`
	Status          ExecStatus  `json:"status"`
	Attempt         int         `json:"attempt"`
	MaxAttempts     int         `json:"max_attempts"`
	AvailableAt     time.Time   `json:"available_at"`
	CancelRequested bool        `json:"cancel_requested"`
	LastErrorCode   string      `json:"last_error_code,omitempty"`
	LeaseOwner      string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time  `json:"lease_expires_at,omitempty"`
	ResultSummary   string      `json:"result_summary,omitempty"`
	Error           string      `json:"error,omitempty"`
	MessagesCount   int         `json:"messages_count"`
	ToolCallsCount  int         `json:"tool_calls_count"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried  FailureOutcome = "RETRIED"
	FailureOutcomeTerminal FailureOutcome = "TERMINAL"
)

// FailureDecision reports what HandleExecutionFailure decided inside its
// transaction, for logging and bus publication by the caller.
type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
	Delay        time.Duration  `json:"-"`
	ReasonCode   string         `json:"reason_code"`
}

// Schedule is a cron-driven task definition. Each trigger enqueues a fresh
// TaskExecution; triggers never wait for earlier runs unless AllowOverlap
// is off.
type Schedule struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	CronExpr        string      `json:"cron_expr"`
	Spec            string      `json:"spec"`
	Mode            SessionMode `json:"mode"`
	Enabled         bool        `json:"enabled"`
	AllowOverlap    bool        `json:"allow_overlap"`
	ReuseSession    bool        `json:"reuse_session"`
	SessionID       string      `json:"session_id,omitempty"`
	NextRunAt       *time.Time  `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time  `json:"last_run_at,omitempty"`
	LastExecutionID string      `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// SessionEvent is one row of the per-session audit trail. Both session
// status changes and execution status changes append here.
type SessionEvent struct {
	EventID     int64     `json:"event_id"`
	SessionID   string    `json:"session_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	EventType   string    `json:"event_type"`
	StateFrom   string    `json:"state_from,omitempty"`
	StateTo     string    `json:"state_to"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}
