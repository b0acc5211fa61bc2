// ============================================================================
// Fatebox Worker - Box Pipeline Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs one box pipeline at a time, each Worker runs
// in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task under the pool context (with optional timeout)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context (pool, timeout) │   │
//   │  │   ├─ task.Run(ctx)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Panic Handling:
//   A panicking task is reported as a failed Result; the Worker keeps serving.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	ctx      context.Context // Pool context, cancelled on Stop
	stopCh   <-chan struct{} // Closed on Stop
	taskCh   <-chan Task     // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result   // Result channel (write-only), sends task execution results
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, stopCh <-chan struct{}, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		stopCh:   stopCh,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.ctx, context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(w.ctx, task.Timeout)
		}
		err := w.execute(ctx, task)
		cancel()

		if err != nil {
			log.Debug("task failed", "worker", w.id, "boxID", task.ID, "error", err)
		}

		result := Result{
			BoxID:    task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		// 窗口收集方會讀完所有結果；Pool 停止後不再等待
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
		}
	}
}

// execute runs the task and converts a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: box %d panicked: %v", w.id, task.ID, r)
		}
	}()
	if task.Run == nil {
		return fmt.Errorf("worker %d: box %d has no pipeline", w.id, task.ID)
	}
	return task.Run(ctx)
}
