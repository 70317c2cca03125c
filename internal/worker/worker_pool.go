// ============================================================================
// postpilot Worker Pool - bounded concurrent job execution
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   NewPool → Start(n) → Submit / ReceiveResult → Stop
//
// Stop closes stopCh and waits for the workers. taskCh is never closed, so a
// Submit racing with Stop returns ErrPoolClosed instead of panicking. Tasks
// still buffered when the workers exit are handed back by Stop. resultCh is
// closed once every worker has returned.
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrPoolClosed means the pool has been stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted means Start was called twice.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool runs a fixed number of workers over a shared task channel.
type Pool struct {
	handler  Handler
	log      *slog.Logger
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries. handler runs every submitted task.
func NewPool(bufferSize int, handler Handler, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		handler:  handler,
		log:      logger,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.handler, p.taskCh, p.resultCh, p.stopCh, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	p.started = true
	return nil
}

// Submit queues a task, blocking while the task buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks for the next result. After Stop it keeps returning
// outcomes of tasks that were running, then ErrPoolClosed.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop signals the workers, waits for running tasks to finish and returns any
// tasks that were submitted but never started.
func (p *Pool) Stop() []Task {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)

	var unstarted []Task
	for {
		select {
		case task := <-p.taskCh:
			unstarted = append(unstarted, task)
		default:
			if len(unstarted) > 0 {
				p.log.Info("worker pool stopped with unstarted tasks", "count", len(unstarted))
			}
			return unstarted
		}
	}
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
