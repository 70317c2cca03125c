// ============================================================================
// postpilot Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Each Worker is a goroutine that loops:
//   1. receive a task from taskCh (or exit once the pool stops)
//   2. run the handler under a per-task timeout
//   3. send the result to resultCh
//
// A panicking handler fails its task instead of killing the worker.
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker executes tasks handed out by a Pool.
type Worker struct {
	id       int
	handler  Handler
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	log      *slog.Logger
}

func newWorker(id int, handler Handler, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		log:      logger,
	}
}

// Run processes tasks until the pool is stopped. A task already received is
// always finished and reported.
func (w *Worker) Run() {
	for {
		// stop wins over queued work
		select {
		case <-w.stopCh:
			return
		default:
		}
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			w.resultCh <- w.process(task)
		}
	}
}

func (w *Worker) process(task Task) Result {
	start := time.Now()

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	err := w.execute(ctx, task)
	cancel()

	return Result{
		JobID:    task.Job.ID,
		Job:      task.Job,
		Success:  err == nil,
		Error:    err,
		Duration: time.Since(start),
		Worker:   w.id,
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker recovered from panic", "worker", w.id, "job_id", task.Job.ID, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, task.Job)
}
