// Package queue runs background task executions from the durable queue.
//
// The store owns all queue state (pending rows, leases, retry bookkeeping);
// this package owns the goroutines. Workers claim due executions, run them
// through an injected Processor under a task timeout, keep the lease alive
// with heartbeats, honor cooperative cancellation at event boundaries, and
// finalize the row according to the error class the processor returned.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/shared"
)

// ErrQueueSaturated is returned by Enqueue when the pending backlog has
// reached the configured maximum depth. Callers surface it instead of
// silently dropping work.
var ErrQueueSaturated = errors.New("queue saturated: backpressure applied")

// heartbeatEvery is how often a worker extends its lease and re-reads the
// cancel flag while an execution runs.
const heartbeatEvery = 10 * time.Second

// RetryableExecutionError marks a failure the queue may retry: runtime
// faults, timeouts, transient infrastructure errors. Anything not wrapped
// in it fails the execution terminally on the first attempt.
type RetryableExecutionError struct {
	Err error
}

func (e *RetryableExecutionError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableExecutionError) Unwrap() error { return e.Err }

// Result is what a successful execution leaves on the finalized row.
type Result struct {
	Summary   string
	Messages  int
	ToolCalls int
}

// Processor runs one claimed execution end to end. The context carries the
// task timeout and is canceled when the execution's cancel flag is raised.
type Processor interface {
	Process(ctx context.Context, exec persistence.TaskExecution) (Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, exec persistence.TaskExecution) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, exec persistence.TaskExecution) (Result, error) {
	return f(ctx, exec)
}

// Config sizes the worker pool. Zero values fall back to defaults in New.
// Worker concurrency is deliberately independent from the runtime
// connection cap; the runtime manager applies its own limit.
type Config struct {
	Workers      int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	MaxDepth     int // 0 = unlimited
}

// CancelOutcome reports how far a Cancel call got.
type CancelOutcome string

const (
	// CancelImmediate means the execution was still pending and is now
	// finalized without ever running.
	CancelImmediate CancelOutcome = "canceled"
	// CancelRequested means the execution is running; the worker will stop
	// at its next event boundary, never mid tool call.
	CancelRequested CancelOutcome = "cancel_requested"
	// CancelNoop means the execution had already finished.
	CancelNoop CancelOutcome = "already_finished"
)

// Status is a point-in-time snapshot for status surfaces.
type Status struct {
	Workers   int    `json:"workers"`
	Active    int32  `json:"active"`
	LastError string `json:"last_error,omitempty"`
}

// Queue is the worker pool. Start it once; Drain it on shutdown.
type Queue struct {
	store  *persistence.Store
	proc   Processor
	cfg    Config
	logger *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	active    atomic.Int32
	lastError atomic.Pointer[string]
}

func New(store *persistence.Store, proc Processor, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:   store,
		proc:    proc,
		cfg:     cfg,
		logger:  logger,
		cancels: map[string]context.CancelFunc{},
	}
}

// SetProcessor attaches the processor that workers hand claimed
// executions to. Call before Start; the engine wires itself in here so
// the queue can be constructed before the engine that feeds it.
func (q *Queue) SetProcessor(p Processor) {
	q.proc = p
}

// Start launches the worker pool. Idempotent; later calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.once.Do(func() {
		n, err := q.store.RequeueExpiredLeases(ctx)
		if err != nil {
			q.logger.Error("startup lease recovery failed", "error", err)
		} else if n > 0 {
			q.logger.Info("requeued orphaned executions on startup", "count", n)
		}
		for i := 0; i < q.cfg.Workers; i++ {
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				q.worker(ctx)
			}()
		}
	})
}

// Drain waits for in-flight executions to finish, up to the timeout. Work
// still running after that keeps its lease and is requeued by lease expiry
// on the next startup, so nothing is lost, only delayed.
func (q *Queue) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("queue drained cleanly")
	case <-time.After(timeout):
		q.logger.Warn("queue drain timeout; leases will recover in-flight work", "timeout", timeout)
	}
}

// Enqueue admits a new execution, applying backpressure at intake when the
// pending backlog is at capacity.
func (q *Queue) Enqueue(ctx context.Context, n persistence.NewExecution) (*persistence.TaskExecution, error) {
	if q.cfg.MaxDepth > 0 {
		depth, err := q.store.QueueDepth(ctx)
		if err != nil {
			return nil, fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= q.cfg.MaxDepth {
			q.logger.Warn("queue backpressure applied", "depth", depth, "max", q.cfg.MaxDepth)
			return nil, ErrQueueSaturated
		}
	}
	return q.store.EnqueueExecution(ctx, n)
}

// Cancel stops an execution as early as its state allows. Pending rows
// finalize immediately; running rows get the cooperative flag and stop at
// the worker's next safe boundary.
func (q *Queue) Cancel(ctx context.Context, execID string) (CancelOutcome, error) {
	canceled, err := q.store.CancelPendingExecution(ctx, execID)
	if err != nil {
		return "", err
	}
	if canceled {
		return CancelImmediate, nil
	}
	flagged, err := q.store.RequestCancel(ctx, execID)
	if err != nil {
		return "", err
	}
	if flagged {
		// When this process runs the execution, cut it loose now instead
		// of waiting for the worker's next flag check.
		q.cancelMu.RLock()
		cancel, running := q.cancels[execID]
		q.cancelMu.RUnlock()
		if running {
			cancel()
		}
		return CancelRequested, nil
	}
	// Neither pending nor running: confirm the row exists before calling
	// it finished.
	if _, err := q.store.GetExecution(ctx, execID); err != nil {
		return "", err
	}
	return CancelNoop, nil
}

// Status reports pool size, in-flight count, and the most recent worker
// error for diagnostic surfaces.
func (q *Queue) Status() Status {
	st := Status{
		Workers: q.cfg.Workers,
		Active:  q.active.Load(),
	}
	if msg := q.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (q *Queue) worker(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := q.store.RequeueExpiredLeases(ctx); err != nil {
			q.setLastError(fmt.Errorf("requeue expired leases: %w", err))
		}

		exec, err := q.store.ClaimNextPendingExecution(ctx)
		if err != nil {
			q.setLastError(err)
		}
		if err != nil || exec == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		q.handle(ctx, *exec)
	}
}

func (q *Queue) handle(ctx context.Context, exec persistence.TaskExecution) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	q.logger.Info("execution processing",
		"execution_id", exec.ID,
		"session_id", exec.SessionID,
		"attempt", exec.Attempt+1,
		"trace_id", traceID)

	execCtx, cancel := context.WithTimeout(ctx, q.cfg.TaskTimeout)
	q.active.Add(1)
	defer q.active.Add(-1)

	q.cancelMu.Lock()
	q.cancels[exec.ID] = cancel
	q.cancelMu.Unlock()
	defer func() {
		cancel()
		q.cancelMu.Lock()
		delete(q.cancels, exec.ID)
		q.cancelMu.Unlock()
	}()

	// A cancel that raced the claim wins before any work starts.
	if flagged, _ := q.store.IsCancelRequested(context.Background(), exec.ID); flagged {
		q.abort(exec)
		return
	}

	if q.proc == nil {
		q.finalizeFailure(execCtx, exec, fmt.Errorf("no processor attached"))
		return
	}

	go q.keepAlive(execCtx, cancel, exec)

	res, err := q.proc.Process(execCtx, exec)
	if err != nil {
		q.finalizeFailure(execCtx, exec, err)
		return
	}

	// Never stamp success once the context has ended: a cancel or timeout
	// during the processor's final strides must not be overwritten.
	if execCtx.Err() != nil {
		q.finalizeFailure(execCtx, exec, fmt.Errorf("finished after context end: %w", execCtx.Err()))
		return
	}

	if err := q.store.CompleteExecution(context.Background(), exec.ID, res.Summary, res.Messages, res.ToolCalls); err != nil {
		q.setLastError(fmt.Errorf("complete execution %s: %w", exec.ID, err))
	}
}

// keepAlive extends the lease while the execution runs and converts a
// raised cancel flag into context cancellation for the processor.
func (q *Queue) keepAlive(execCtx context.Context, cancel context.CancelFunc, exec persistence.TaskExecution) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-execCtx.Done():
			return
		case <-ticker.C:
			if flagged, _ := q.store.IsCancelRequested(context.Background(), exec.ID); flagged {
				cancel()
				return
			}
			ok, err := q.store.HeartbeatLease(context.Background(), exec.ID, exec.LeaseOwner)
			if err != nil {
				q.setLastError(fmt.Errorf("lease heartbeat: %w", err))
				continue
			}
			if !ok {
				// The lease was requeued from under us; stop working on a
				// row another worker may now own.
				q.setLastError(fmt.Errorf("lease lost for execution %s", exec.ID))
				cancel()
				return
			}
		}
	}
}

func (q *Queue) finalizeFailure(execCtx context.Context, exec persistence.TaskExecution, err error) {
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		// Timeouts are transient by assumption; let the retry budget decide.
		msg := fmt.Sprintf("execution timeout exceeded: %v", err)
		q.setLastError(errors.New(msg))
		if _, ferr := q.store.HandleExecutionFailure(context.Background(), exec.ID, msg, true); ferr != nil {
			q.setLastError(fmt.Errorf("record timeout failure: %w", ferr))
		}
	case errors.Is(execCtx.Err(), context.Canceled):
		if flagged, _ := q.store.IsCancelRequested(context.Background(), exec.ID); flagged {
			q.abort(exec)
			return
		}
		// Shutdown, not a cancel: leave the row running so lease expiry
		// requeues it without consuming attempt budget.
	default:
		var retryable *RetryableExecutionError
		retry := errors.As(err, &retryable)
		q.setLastError(err)
		if _, ferr := q.store.HandleExecutionFailure(context.Background(), exec.ID, err.Error(), retry); ferr != nil {
			q.setLastError(fmt.Errorf("record execution failure: %w", ferr))
		}
	}
}

func (q *Queue) abort(exec persistence.TaskExecution) {
	if _, err := q.store.AbortRunningExecution(context.Background(), exec.ID); err != nil {
		q.setLastError(fmt.Errorf("abort execution %s: %w", exec.ID, err))
	}
}

func (q *Queue) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	q.lastError.Store(&msg)
}
