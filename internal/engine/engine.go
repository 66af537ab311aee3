// Package engine orchestrates asynchronous analysis task execution: it
// persists task lifecycle transitions, runs the executor in a goroutine per
// task, streams model output to subscribers, and records the final
// StandardResult.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seqlab/helix/internal/executor"
	"github.com/seqlab/helix/internal/result"
	"github.com/seqlab/helix/internal/store"
	"github.com/seqlab/helix/internal/task"
)

// DefaultTimeout bounds a single model run when the caller specifies none.
const DefaultTimeout = 10 * time.Minute

// errKilled is the cancellation cause recorded when a task is killed through
// the API rather than by deadline.
var errKilled = errors.New("task killed")

// ModelRunner executes one model invocation and always returns a
// StandardResult. *executor.Executor satisfies it.
type ModelRunner interface {
	Execute(ctx context.Context, req executor.Request) *result.Result
}

var _ ModelRunner = (*executor.Executor)(nil)

// Engine runs submitted tasks asynchronously against a ModelRunner.
type Engine struct {
	store   store.Store
	runner  ModelRunner
	logger  *slog.Logger
	broker  *LogBroker
	timeout time.Duration
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// New creates an execution engine. A non-positive timeout falls back to
// DefaultTimeout.
func New(s store.Store, runner ModelRunner, timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		store:   s,
		runner:  runner,
		logger:  logger,
		broker:  NewLogBroker(),
		timeout: timeout,
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Submit persists the task with status "pending" and launches asynchronous
// execution in a goroutine. The goroutine operates on a copy of the task to
// avoid data races with the caller.
func (e *Engine) Submit(ctx context.Context, t *task.Task) error {
	if err := e.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	tCopy := *t
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(&tCopy)
	}()

	return nil
}

// Kill cancels a running task. It reports whether a cancellation was
// delivered; false means the task was not in flight.
func (e *Engine) Kill(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel(errKilled)
	return true
}

// Wait blocks until all in-flight task goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the task lifecycle in a goroutine: pending→running→
// completed/failed/killed.
func (e *Engine) execute(t *task.Task) {
	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(t.ID)

	ctx, cancel := context.WithCancelCause(context.Background())
	ctx, timeoutCancel := context.WithTimeout(ctx, e.timeout)
	defer timeoutCancel()
	defer cancel(nil)

	// Register the cancel func before the running transition so that a kill
	// arriving right after the status flips is always delivered.
	e.mu.Lock()
	e.cancels[t.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, t.ID)
		e.mu.Unlock()
	}()

	if err := e.store.UpdateTaskStatus(context.Background(), t.ID, task.StatusRunning); err != nil {
		// An invalid transition here means the task was killed while still
		// pending; its record already carries the final status.
		if errors.Is(err, store.ErrInvalidTransition) {
			return
		}
		e.logger.Error("failed to transition to running", "task_id", t.ID, "error", err)
		e.finishFailed(t.ID, nil, fmt.Sprintf("failed to start: %v", err), result.ErrTypeExecution)
		return
	}

	start := time.Now().UTC()

	var params map[string]any
	if len(t.Parameters) > 0 {
		if err := json.Unmarshal(t.Parameters, &params); err != nil {
			e.finishFailed(t.ID, &start, fmt.Sprintf("decode parameters: %v", err), result.ErrTypeValidation)
			return
		}
	}

	// The LogWriter dual-writes: persist to SQLite for historical viewing,
	// then publish to the broker for real-time SSE.
	var seq atomic.Int32
	req := executor.Request{
		ModelID:    t.ModelID,
		InputPath:  t.InputPath,
		OutputDir:  t.OutputDir,
		Parameters: params,
		LogWriter: func(line string) {
			currentSeq := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(context.Background(), t.ID, currentSeq, line); err != nil {
				e.logger.Error("failed to persist log line", "task_id", t.ID, "seq", currentSeq, "error", err)
			}
			e.broker.Publish(t.ID, line)
		},
	}

	res := e.runner.Execute(ctx, req)
	durationMS := int(time.Since(start).Milliseconds())

	if context.Cause(ctx) == errKilled {
		e.finishKilled(t.ID, &start, durationMS)
		return
	}

	resJSON, err := json.Marshal(res)
	if err != nil {
		e.logger.Error("failed to encode result", "task_id", t.ID, "error", err)
		e.finishFailed(t.ID, &start, fmt.Sprintf("encode result: %v", err), result.ErrTypeExecution)
		return
	}

	now := time.Now().UTC()
	done := &task.Task{
		ID:         t.ID,
		Status:     task.StatusCompleted,
		Result:     resJSON,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if res.Status == result.StatusFailed {
		done.Status = task.StatusFailed
		done.Error = metaString(res, result.MetaErrorMessage)
		done.ErrorType = metaString(res, result.MetaErrorType)
	}

	if err := e.store.UpdateTask(context.Background(), done); err != nil {
		e.logger.Error("failed to update finished task", "task_id", t.ID, "error", err)
	}
}

// finishFailed marks a task as failed with the given error message.
// startedAt may be nil if execution never started.
func (e *Engine) finishFailed(id string, startedAt *time.Time, errMsg, errType string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	t := &task.Task{
		ID:         id,
		Status:     task.StatusFailed,
		Error:      errMsg,
		ErrorType:  errType,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.UpdateTask(context.Background(), t); err != nil {
		e.logger.Error("failed to update failed task", "task_id", id, "error", err)
	}
}

// finishKilled records an operator-initiated cancellation.
func (e *Engine) finishKilled(id string, startedAt *time.Time, durationMS int) {
	now := time.Now().UTC()
	t := &task.Task{
		ID:         id,
		Status:     task.StatusKilled,
		Error:      "task killed before completion",
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.UpdateTask(context.Background(), t); err != nil {
		e.logger.Error("failed to update killed task", "task_id", id, "error", err)
	}
}

func metaString(res *result.Result, key string) string {
	if res.Metadata == nil {
		return ""
	}
	s, _ := res.Metadata[key].(string)
	return s
}
